package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/inventory"
	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
	"github.com/sunnychaun9/offline-crud-apps/internal/sync"
)

type Handler struct {
	controller *sync.Controller
	inventory  *inventory.Service
	history    store.Store
	cfg        config.ServerConfig
}

func NewHandler(controller *sync.Controller, inv *inventory.Service, history store.Store, cfg config.ServerConfig) *Handler {
	return &Handler{
		controller: controller,
		inventory:  inv,
		history:    history,
		cfg:        cfg,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.cfg.AuthToken))

		r.Post("/sync/start", h.StartSync)
		r.Post("/sync/stop", h.StopSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Post("/sync/provision", h.ProvisionRemote)
		r.Get("/sync/history", h.GetSyncHistory)

		r.Put("/connectivity", h.SetConnectivity)

		r.Post("/admin/reset", h.Reset)
		r.Post("/admin/purge", h.Purge)

		r.Route("/businesses", func(r chi.Router) {
			r.Get("/", h.ListBusinesses)
			r.Post("/", h.CreateBusiness)
			r.Get("/{id}", h.GetBusiness)
			r.Put("/{id}", h.UpdateBusiness)
			r.Delete("/{id}", h.DeleteBusiness)
			r.Get("/{id}/articles", h.GetBusinessArticles)
		})

		r.Route("/articles", func(r chi.Router) {
			r.Get("/", h.ListArticles)
			r.Post("/", h.CreateArticle)
			r.Get("/{id}", h.GetArticle)
			r.Put("/{id}", h.UpdateArticle)
			r.Delete("/{id}", h.DeleteArticle)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.controller.EnableSync(r.Context()))
}

func (h *Handler) StopSync(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.controller.DisableSync())
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.controller.Status())
}

func (h *Handler) ProvisionRemote(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.controller.EnsureRemote(r.Context()))
}

type syncHistoryResponse struct {
	ID          string     `json:"id"`
	Collection  string     `json:"collection"`
	RemoteURL   string     `json:"remote_url"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DocsPushed  int64      `json:"docs_pushed"`
	DocsPulled  int64      `json:"docs_pulled"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
}

func (h *Handler) GetSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	rows, err := h.history.GetSyncHistory(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}

	out := make([]syncHistoryResponse, 0, len(rows))
	for _, row := range rows {
		item := syncHistoryResponse{
			ID:         row.ID,
			Collection: row.Collection,
			RemoteURL:  row.RemoteURL,
			StartedAt:  row.StartedAt,
			DocsPushed: row.DocsPushed,
			DocsPulled: row.DocsPulled,
			Status:     row.Status,
		}
		if row.CompletedAt.Valid {
			t := row.CompletedAt.Time
			item.CompletedAt = &t
		}
		if row.ErrorMessage.Valid {
			item.Error = row.ErrorMessage.String
		}
		out = append(out, item)
	}
	respondJSON(w, http.StatusOK, out)
}

// SetConnectivity feeds the external network signal into the monitor. The
// platform layer, not this service, decides what online means.
func (h *Handler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.controller.Monitor().Set(body.Online)
	respondJSON(w, http.StatusOK, map[string]bool{"online": body.Online})
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.CleanupAndReset(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	includeRemote := r.URL.Query().Get("remote") == "true"
	respondJSON(w, http.StatusOK, h.controller.PurgeAllData(r.Context(), includeRemote))
}

func (h *Handler) ListBusinesses(w http.ResponseWriter, r *http.Request) {
	out, err := h.inventory.ListBusinesses()
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateBusiness(w http.ResponseWriter, r *http.Request) {
	var b inventory.Business
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.inventory.AddBusiness(r.Context(), b)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetBusiness(w http.ResponseWriter, r *http.Request) {
	out, err := h.inventory.GetBusiness(chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) UpdateBusiness(w http.ResponseWriter, r *http.Request) {
	var b inventory.Business
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.inventory.UpdateBusiness(r.Context(), chi.URLParam(r, "id"), b)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteBusiness(w http.ResponseWriter, r *http.Request) {
	if err := h.inventory.DeleteBusiness(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetBusinessArticles(w http.ResponseWriter, r *http.Request) {
	out, err := h.inventory.ArticlesByBusiness(chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) ListArticles(w http.ResponseWriter, r *http.Request) {
	out, err := h.inventory.ListArticles()
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) CreateArticle(w http.ResponseWriter, r *http.Request) {
	var a inventory.Article
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.inventory.AddArticle(r.Context(), a)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) GetArticle(w http.ResponseWriter, r *http.Request) {
	out, err := h.inventory.GetArticle(chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) UpdateArticle(w http.ResponseWriter, r *http.Request) {
	var a inventory.Article
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.inventory.UpdateArticle(r.Context(), chi.URLParam(r, "id"), a)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteArticle(w http.ResponseWriter, r *http.Request) {
	if err := h.inventory.DeleteArticle(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps store errors onto HTTP statuses by type, never by
// message text.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	var ve *localstore.ValidationError
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, localstore.ErrAlreadyExists):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, ve.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := "*"
	if len(origins) > 0 {
		allowed = strings.Join(origins, ", ")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == http.MethodOptions {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+token {
				respondError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
