package sync

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/couch"
	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
)

// Manager owns the replication sessions, at most one per collection.
// Starting a collection that already has a session cancels the old session
// first, so a start request is also the idempotence point.
type Manager struct {
	local     *localstore.Store
	cache     store.Store
	syncer    *Synchronizer
	batchSize int
	heartbeat time.Duration

	mu       sync.Mutex
	sessions map[string]*Replicator
}

func NewManager(cfg config.SyncConfig, local *localstore.Store, cache store.Store, syncer *Synchronizer) *Manager {
	return &Manager{
		local:     local,
		cache:     cache,
		syncer:    syncer,
		batchSize: cfg.BatchSize,
		heartbeat: cfg.GetPullHeartbeat(),
		sessions:  make(map[string]*Replicator),
	}
}

// Start opens a replication session for one collection against the given
// endpoint client. Any existing session for the collection is stopped first.
func (m *Manager) Start(ctx context.Context, collection string, client *couch.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, collection, client)
}

func (m *Manager) startLocked(ctx context.Context, collection string, client *couch.Client) error {
	if prev, ok := m.sessions[collection]; ok {
		m.finishSession(prev)
		delete(m.sessions, collection)
	}

	rep := newReplicator(collection, client, m.local, m.syncer, m.batchSize, m.heartbeat)
	if err := rep.Start(ctx); err != nil {
		return err
	}

	m.sessions[collection] = rep
	m.recordStart(ctx, rep)
	return nil
}

// StartAll starts sessions for every listed collection. Collections that
// fail leave the others running; the combined error is returned.
func (m *Manager) StartAll(ctx context.Context, collections []string, client *couch.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, collection := range collections {
		if err := m.startLocked(ctx, collection, client); err != nil {
			logger.Log.Error("Failed to start replication",
				zap.String("collection", collection),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop ends the session for one collection. Unknown or already stopped
// collections are a no-op.
func (m *Manager) Stop(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep, ok := m.sessions[collection]
	if !ok {
		return
	}
	m.finishSession(rep)
	delete(m.sessions, collection)
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for collection, rep := range m.sessions {
		m.finishSession(rep)
		delete(m.sessions, collection)
	}
}

// Status snapshots every registered session, errored ones included.
func (m *Manager) Status() map[string]SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]SessionStatus, len(m.sessions))
	for collection, rep := range m.sessions {
		out[collection] = rep.Status()
	}
	return out
}

// AllActive reports whether every listed collection has a live session.
func (m *Manager) AllActive(collections []string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, collection := range collections {
		rep, ok := m.sessions[collection]
		if !ok || rep.Status().State != StateActive {
			return false
		}
	}
	return true
}

func (m *Manager) finishSession(rep *Replicator) {
	rep.Stop()
	m.recordFinish(rep)
}

func (m *Manager) recordStart(ctx context.Context, rep *Replicator) {
	st := rep.Status()
	h := &store.SyncHistory{
		ID:         st.ID,
		Collection: st.Collection,
		RemoteURL:  st.RemoteURL,
		StartedAt:  st.StartedAt,
		Status:     string(StateActive),
	}
	if err := m.cache.CreateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to record sync history", zap.Error(err))
	}
}

func (m *Manager) recordFinish(rep *Replicator) {
	st := rep.Status()
	h := &store.SyncHistory{
		ID:          st.ID,
		CompletedAt: sql.NullTime{Time: time.Now(), Valid: true},
		DocsPushed:  st.DocsPushed,
		DocsPulled:  st.DocsPulled,
		Status:      string(StateStopped),
	}
	if st.LastError != "" {
		h.Status = string(StateErrored)
		h.ErrorMessage = sql.NullString{String: st.LastError, Valid: true}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.cache.UpdateSyncHistory(ctx, h); err != nil {
		logger.Log.Warn("Failed to complete sync history", zap.Error(err))
	}
}
