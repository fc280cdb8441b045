package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
)

const flushTimeout = 10 * time.Second

// Synchronizer keeps the local store and the durable cache consistent. The
// flush direction writes the whole collection wholesale; the load direction
// replays a snapshot into memory.
type Synchronizer struct {
	local *localstore.Store
	cache store.Store
	delay time.Duration

	mu       sync.Mutex
	pending  map[string]*time.Timer
	closed   bool
	inflight sync.WaitGroup
}

func NewSynchronizer(local *localstore.Store, cache store.Store, debounce time.Duration) *Synchronizer {
	return &Synchronizer{
		local:   local,
		cache:   cache,
		delay:   debounce,
		pending: make(map[string]*time.Timer),
	}
}

// LoadDurableIntoLocal replays the persisted snapshot into the local store.
// A missing snapshot is a clean no-op. Records the local store already holds
// are kept as they are.
func (s *Synchronizer) LoadDurableIntoLocal(ctx context.Context, collection string) error {
	raw, err := s.cache.GetSnapshot(ctx, collection)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot for %s: %w", collection, err)
	}

	var docs []localstore.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return fmt.Errorf("failed to decode snapshot for %s: %w", collection, err)
	}

	loaded := 0
	for _, doc := range docs {
		err := s.local.Insert(collection, doc)
		switch {
		case err == nil:
			loaded++
		case errors.Is(err, localstore.ErrAlreadyExists):
			// The in-memory copy wins.
		default:
			logger.Log.Warn("Skipping snapshot record",
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}

	logger.Log.Info("Loaded snapshot into local store",
		zap.String("collection", collection),
		zap.Int("docs", loaded),
	)
	return nil
}

// FlushLocalIntoDurable overwrites the persisted snapshot with the current
// local content. This is the only write path into the durable cache.
func (s *Synchronizer) FlushLocalIntoDurable(ctx context.Context, collection string) error {
	docs, err := s.local.All(collection)
	if err != nil {
		return fmt.Errorf("failed to read local collection %s: %w", collection, err)
	}

	raw, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", collection, err)
	}

	if err := s.cache.SaveSnapshot(ctx, collection, raw); err != nil {
		return fmt.Errorf("failed to persist snapshot for %s: %w", collection, err)
	}
	return nil
}

// Reconcile is the synchronous flush used right after a local mutation.
func (s *Synchronizer) Reconcile(ctx context.Context, collection string) error {
	return s.FlushLocalIntoDurable(ctx, collection)
}

// ScheduleFlush arms the debounced flush for a collection. An already armed
// timer is cancelled and rearmed, so a burst of replication events produces
// one flush after the quiet period.
func (s *Synchronizer) ScheduleFlush(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if prev, ok := s.pending[collection]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		// Only the timer still registered for the collection may flush. A
		// fire that raced a rearm or the shutdown backs off here.
		if s.closed || s.pending[collection] != t {
			s.mu.Unlock()
			return
		}
		delete(s.pending, collection)
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.FlushLocalIntoDurable(ctx, collection); err != nil {
			logger.Log.Warn("Debounced flush failed",
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	})
	s.pending[collection] = t
}

// CancelPending drops every armed flush timer and waits for a flush that
// already fired, so no armed write lands after it returns.
func (s *Synchronizer) CancelPending() {
	s.mu.Lock()
	for collection, t := range s.pending {
		t.Stop()
		delete(s.pending, collection)
	}
	s.mu.Unlock()
	s.inflight.Wait()
}

// Close cancels pending flushes and refuses new ones.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	s.closed = true
	for collection, t := range s.pending {
		t.Stop()
		delete(s.pending, collection)
	}
	s.mu.Unlock()
	s.inflight.Wait()
}
