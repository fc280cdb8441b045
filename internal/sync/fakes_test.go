package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
)

// fakeCache is an in-memory store.Store with injectable failures.
type fakeCache struct {
	mu        sync.Mutex
	snapshots map[string][]byte
	endpoint  string
	history   map[string]*store.SyncHistory
	order     []string
	saves     int

	saveSnapshotErr error
	saveEndpointErr error
}

var _ store.Store = (*fakeCache)(nil)

func newFakeCache() *fakeCache {
	return &fakeCache{
		snapshots: make(map[string][]byte),
		history:   make(map[string]*store.SyncHistory),
	}
}

func (f *fakeCache) SaveSnapshot(_ context.Context, collection string, docs []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveSnapshotErr != nil {
		return f.saveSnapshotErr
	}
	f.snapshots[collection] = append([]byte(nil), docs...)
	f.saves++
	return nil
}

func (f *fakeCache) GetSnapshot(_ context.Context, collection string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.snapshots[collection]
	if !ok {
		return nil, fmt.Errorf("snapshot for %s: %w", collection, store.ErrNotFound)
	}
	return append([]byte(nil), raw...), nil
}

func (f *fakeCache) DeleteSnapshot(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, collection)
	return nil
}

func (f *fakeCache) SaveEndpoint(_ context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveEndpointErr != nil {
		return f.saveEndpointErr
	}
	f.endpoint = url
	return nil
}

func (f *fakeCache) GetEndpoint(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.endpoint == "" {
		return "", fmt.Errorf("endpoint: %w", store.ErrNotFound)
	}
	return f.endpoint, nil
}

func (f *fakeCache) DeleteEndpoint(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = ""
	return nil
}

func (f *fakeCache) CreateSyncHistory(_ context.Context, h *store.SyncHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *h
	f.history[h.ID] = &cp
	f.order = append(f.order, h.ID)
	return nil
}

func (f *fakeCache) UpdateSyncHistory(_ context.Context, h *store.SyncHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.history[h.ID]
	if !ok {
		return nil
	}
	cur.CompletedAt = h.CompletedAt
	cur.DocsPushed = h.DocsPushed
	cur.DocsPulled = h.DocsPulled
	cur.Status = h.Status
	cur.ErrorMessage = h.ErrorMessage
	return nil
}

func (f *fakeCache) GetSyncHistory(_ context.Context, limit, offset int) ([]*store.SyncHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.SyncHistory
	for i := len(f.order) - 1; i >= 0; i-- {
		if offset > 0 {
			offset--
			continue
		}
		if len(out) >= limit {
			break
		}
		cp := *f.history[f.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeCache) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = make(map[string][]byte)
	f.endpoint = ""
	f.history = make(map[string]*store.SyncHistory)
	f.order = nil
	return nil
}

func (f *fakeCache) Close() error { return nil }

func (f *fakeCache) snapshot(collection string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.snapshots[collection]...)
}

func (f *fakeCache) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeCache) historyRow(id string) (store.SyncHistory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[id]
	if !ok {
		return store.SyncHistory{}, false
	}
	return *h, true
}

// fakeRemote is a minimal CouchDB-style server: database management,
// numeric change sequences, rev bookkeeping and bulk updates with conflict
// detection.
type fakeDoc struct {
	rev     string
	body    map[string]any
	deleted bool
	seq     int
}

type fakeRemote struct {
	mu   sync.Mutex
	dbs  map[string]map[string]*fakeDoc
	seq  int
	reqs []string
	srv  *httptest.Server
}

func newFakeRemote(t *testing.T, dbs ...string) *fakeRemote {
	t.Helper()
	f := &fakeRemote{dbs: make(map[string]map[string]*fakeDoc)}
	for _, db := range dbs {
		f.dbs[db] = make(map[string]*fakeDoc)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) URL() string { return f.srv.URL }

func (f *fakeRemote) close() { f.srv.Close() }

func (f *fakeRemote) requestCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reqs {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeRemote) totalRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// probeCount counts health probes, requests against the server root.
func (f *fakeRemote) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reqs {
		if r == "GET /" {
			n++
		}
	}
	return n
}

// putDoc stores a document server-side, as if another device pushed it.
func (f *fakeRemote) putDoc(db, id string, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gen := 1
	if cur, ok := f.dbs[db][id]; ok {
		gen = revGen(cur.rev) + 1
	}
	f.seq++
	f.dbs[db][id] = &fakeDoc{
		rev:  fmt.Sprintf("%d-%06x", gen, f.seq),
		body: body,
		seq:  f.seq,
	}
}

func (f *fakeRemote) deleteDoc(db, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.dbs[db][id]
	if !ok {
		return
	}
	f.seq++
	f.dbs[db][id] = &fakeDoc{
		rev:     fmt.Sprintf("%d-%06x", revGen(cur.rev)+1, f.seq),
		deleted: true,
		seq:     f.seq,
	}
}

func (f *fakeRemote) getDoc(db, id string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.dbs[db][id]
	if !ok || d.deleted {
		return nil, false
	}
	out := make(map[string]any, len(d.body))
	for k, v := range d.body {
		out[k] = v
	}
	return out, true
}

func (f *fakeRemote) docRev(db, id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.dbs[db][id]; ok {
		return d.rev
	}
	return ""
}

func (f *fakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.reqs = append(f.reqs, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	if path == "" {
		json.NewEncoder(w).Encode(map[string]string{"couchdb": "Welcome"})
		return
	}

	parts := strings.SplitN(path, "/", 2)
	db := parts[0]
	rest := ""
	if len(parts) == 2 {
		rest = parts[1]
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		if !f.dbExists(db) {
			writeNotFound(w)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"db_name": db})

	case rest == "" && r.Method == http.MethodPut:
		f.mu.Lock()
		_, exists := f.dbs[db]
		if !exists {
			f.dbs[db] = make(map[string]*fakeDoc)
		}
		f.mu.Unlock()
		if exists {
			w.WriteHeader(http.StatusPreconditionFailed)
			json.NewEncoder(w).Encode(map[string]string{"error": "file_exists"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})

	case rest == "" && r.Method == http.MethodDelete:
		f.mu.Lock()
		_, exists := f.dbs[db]
		delete(f.dbs, db)
		f.mu.Unlock()
		if !exists {
			writeNotFound(w)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})

	case rest == "_all_docs":
		if !f.dbExists(db) {
			writeNotFound(w)
			return
		}
		f.mu.Lock()
		n := 0
		for _, d := range f.dbs[db] {
			if !d.deleted {
				n++
			}
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"total_rows": n, "rows": []any{}})

	case rest == "_changes":
		if !f.dbExists(db) {
			writeNotFound(w)
			return
		}
		f.handleChanges(w, r, db)

	case rest == "_bulk_docs":
		if !f.dbExists(db) {
			writeNotFound(w)
			return
		}
		f.handleBulk(w, r, db)

	default:
		writeNotFound(w)
	}
}

func (f *fakeRemote) dbExists(db string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dbs[db]
	return ok
}

func (f *fakeRemote) handleChanges(w http.ResponseWriter, r *http.Request, db string) {
	q := r.URL.Query()
	since, _ := strconv.Atoi(q.Get("since"))
	limit := 100
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	longpoll := q.Get("feed") == "longpoll"
	holdMs, _ := strconv.Atoi(q.Get("timeout"))
	deadline := time.Now().Add(time.Duration(holdMs) * time.Millisecond)

	for {
		results, lastSeq := f.changesSince(db, since, limit)
		if len(results) > 0 || !longpoll || time.Now().After(deadline) {
			json.NewEncoder(w).Encode(map[string]any{"results": results, "last_seq": lastSeq})
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (f *fakeRemote) changesSince(db string, since, limit int) ([]map[string]any, int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	type entry struct {
		id string
		d  *fakeDoc
	}
	var pending []entry
	for id, d := range f.dbs[db] {
		if d.seq > since {
			pending = append(pending, entry{id, d})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].d.seq < pending[j].d.seq })

	results := make([]map[string]any, 0, len(pending))
	last := since
	for _, e := range pending {
		if len(results) >= limit {
			break
		}
		ch := map[string]any{
			"id":      e.id,
			"seq":     e.d.seq,
			"changes": []map[string]string{{"rev": e.d.rev}},
		}
		if e.d.deleted {
			ch["deleted"] = true
		} else {
			doc := map[string]any{"_id": e.id, "_rev": e.d.rev}
			for k, v := range e.d.body {
				doc[k] = v
			}
			ch["doc"] = doc
		}
		results = append(results, ch)
		last = e.d.seq
	}
	if len(results) == 0 {
		last = f.seq
	}
	return results, last
}

func (f *fakeRemote) handleBulk(w http.ResponseWriter, r *http.Request, db string) {
	var payload struct {
		Docs []map[string]any `json:"docs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	docs := f.dbs[db]
	results := make([]map[string]any, 0, len(payload.Docs))
	for _, d := range payload.Docs {
		id, _ := d["_id"].(string)
		rev, _ := d["_rev"].(string)
		deleted, _ := d["_deleted"].(bool)

		cur, exists := docs[id]
		curRev := ""
		if exists {
			curRev = cur.rev
		}
		if curRev != rev && !(exists && cur.deleted && rev == "") {
			results = append(results, map[string]any{
				"id": id, "error": "conflict", "reason": "Document update conflict.",
			})
			continue
		}

		gen := 1
		if exists {
			gen = revGen(cur.rev) + 1
		}
		f.seq++
		body := make(map[string]any)
		for k, v := range d {
			if strings.HasPrefix(k, "_") {
				continue
			}
			body[k] = v
		}
		docs[id] = &fakeDoc{
			rev:     fmt.Sprintf("%d-%06x", gen, f.seq),
			body:    body,
			deleted: deleted,
			seq:     f.seq,
		}
		results = append(results, map[string]any{"id": id, "rev": docs[id].rev})
	}
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(results)
}

func revGen(rev string) int {
	parts := strings.SplitN(rev, "-", 2)
	n, _ := strconv.Atoi(parts[0])
	return n
}

func newTestLocal(t *testing.T) *localstore.Store {
	t.Helper()
	local := localstore.New()
	require.NoError(t, local.RegisterCollection("businesses", localstore.Schema{
		"id":   {Type: localstore.FieldString, Required: true},
		"name": {Type: localstore.FieldString, Required: true},
	}))
	require.NoError(t, local.RegisterCollection("articles", localstore.Schema{
		"id":          {Type: localstore.FieldString, Required: true},
		"name":        {Type: localstore.FieldString, Required: true},
		"qty":         {Type: localstore.FieldInteger},
		"business_id": {Type: localstore.FieldString},
	}))
	return local
}

func writeNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
}
