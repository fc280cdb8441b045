package sync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/couch"
	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
)

const (
	pushFlushInterval = 500 * time.Millisecond
	// fpDeleted marks ids whose latest known remote state is a tombstone.
	fpDeleted = "deleted"
)

// Replicator is one live replication session for one collection. It runs a
// pull loop (long-polled change feed) and a push loop (batched local events)
// against a single discovered endpoint. A session error parks it in the
// errored state; nothing at this layer retries.
type Replicator struct {
	id         string
	collection string
	client     *couch.Client
	local      *localstore.Store
	syncer     *Synchronizer
	batchSize  int
	heartbeat  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events <-chan localstore.Event
	unsub  func()

	mu      sync.Mutex
	state   SessionState
	lastErr error
	// revs tracks the latest known remote revision per document so pushes
	// update instead of conflict. remoteFp fingerprints the content the
	// remote is known to hold, which lets the push side drop the echo of a
	// pulled change.
	revs      map[string]string
	remoteFp  map[string]string
	startedAt time.Time

	pushed atomic.Int64
	pulled atomic.Int64
}

func newReplicator(collection string, client *couch.Client, local *localstore.Store, syncer *Synchronizer, batchSize int, heartbeat time.Duration) *Replicator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Replicator{
		id:         uuid.New().String(),
		collection: collection,
		client:     client,
		local:      local,
		syncer:     syncer,
		batchSize:  batchSize,
		heartbeat:  heartbeat,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateStopped,
		revs:       make(map[string]string),
		remoteFp:   make(map[string]string),
	}
}

// Start verifies the remote collection, catches up in both directions and
// launches the live loops. On any setup failure the session never leaves
// the ground and the error is returned to the caller.
func (r *Replicator) Start(ctx context.Context) error {
	r.setState(StateStarting)

	if err := r.client.DBExists(ctx, r.collection); err != nil {
		r.setState(StateStopped)
		return err
	}

	// Subscribe before the catch-up pull so no local mutation slips between
	// the snapshot and the live feed.
	events, unsub, err := r.local.Subscribe(r.collection, 0)
	if err != nil {
		r.setState(StateStopped)
		return err
	}
	r.events = events
	r.unsub = unsub

	since, err := r.initialPull(ctx)
	if err != nil {
		r.unsub()
		r.setState(StateStopped)
		return fmt.Errorf("failed initial pull for %s: %w", r.collection, err)
	}
	seed := r.seedEvents()

	r.mu.Lock()
	r.state = StateActive
	r.startedAt = time.Now()
	r.mu.Unlock()

	r.wg.Add(2)
	go r.pullLoop(since)
	go r.pushLoop(seed)

	logger.Log.Info("Replication session started",
		zap.String("collection", r.collection),
		zap.String("session", r.id),
		zap.String("remote", r.client.BaseURL()),
	)
	return nil
}

// Stop winds the loops down and waits for them. Stopping a session that is
// already stopped is a no-op.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	if r.unsub != nil {
		r.unsub()
	}
	r.setState(StateStopped)

	logger.Log.Info("Replication session stopped",
		zap.String("collection", r.collection),
		zap.String("session", r.id),
	)
}

func (r *Replicator) Status() SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := SessionStatus{
		ID:         r.id,
		Collection: r.collection,
		RemoteURL:  r.client.BaseURL(),
		State:      r.state,
		DocsPushed: r.pushed.Load(),
		DocsPulled: r.pulled.Load(),
		StartedAt:  r.startedAt,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// initialPull drains the remote change feed from the beginning of the
// session and applies it locally. Returns the sequence the live loop
// continues from.
func (r *Replicator) initialPull(ctx context.Context) (string, error) {
	since := "0"
	for {
		page, err := r.client.Changes(ctx, r.collection, couch.ChangesOptions{
			Since: since,
			Limit: r.batchSize,
			Feed:  couch.FeedNormal,
		})
		if err != nil {
			return "", err
		}
		r.applyPage(page)
		if page.LastSeq != "" {
			since = page.LastSeq
		}
		if len(page.Results) < r.batchSize {
			return since, nil
		}
	}
}

// seedEvents synthesizes put events for local documents the remote does not
// hold yet (or holds with different content), so offline edits reach the
// remote right after start.
func (r *Replicator) seedEvents() []localstore.Event {
	docs, err := r.local.All(r.collection)
	if err != nil {
		logger.Log.Warn("Failed to read local collection for catch-up",
			zap.String("collection", r.collection),
			zap.Error(err),
		)
		return nil
	}

	var seed []localstore.Event
	r.mu.Lock()
	for _, doc := range docs {
		id, ok := doc.ID()
		if !ok {
			continue
		}
		if r.remoteFp[id] == fingerprint(doc) {
			continue
		}
		seed = append(seed, localstore.Event{
			Collection: r.collection,
			Type:       localstore.EventPut,
			ID:         id,
			Doc:        doc,
		})
	}
	r.mu.Unlock()
	return seed
}

func (r *Replicator) pullLoop(since string) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		page, err := r.client.Changes(r.ctx, r.collection, couch.ChangesOptions{
			Since:   since,
			Limit:   r.batchSize,
			Feed:    couch.FeedLongpoll,
			Timeout: r.heartbeat,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.fail(fmt.Errorf("failed to pull changes for %s: %w", r.collection, err))
			return
		}

		r.applyPage(page)
		if page.LastSeq != "" {
			since = page.LastSeq
		}
	}
}

func (r *Replicator) pushLoop(seed []localstore.Event) {
	defer r.wg.Done()

	batch := seed
	if len(batch) > 0 {
		if err := r.flushPush(r.ctx, batch); err != nil {
			r.fail(err)
			return
		}
		batch = nil
	}

	ticker := time.NewTicker(pushFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				return
			}
			if r.isEcho(ev) {
				continue
			}
			batch = append(batch, ev)
			if len(batch) >= r.batchSize {
				if err := r.flushPush(r.ctx, batch); err != nil {
					r.fail(err)
					return
				}
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				if err := r.flushPush(r.ctx, batch); err != nil {
					r.fail(err)
					return
				}
				batch = nil
			}

		case <-r.ctx.Done():
			// The pending batch is dropped, not flushed. A stop must not
			// reach the remote again; the next session's catch-up picks up
			// anything unpushed.
			return
		}
	}
}

// applyPage writes one page of remote changes into the local store.
func (r *Replicator) applyPage(page *couch.ChangesPage) {
	applied := 0
	for _, ch := range page.Results {
		if ch.ID == "" || strings.HasPrefix(ch.ID, "_design/") {
			continue
		}
		rev := ""
		if len(ch.Changes) > 0 {
			rev = ch.Changes[0].Rev
		}

		if ch.Deleted {
			r.mu.Lock()
			r.revs[ch.ID] = rev
			r.remoteFp[ch.ID] = fpDeleted
			r.mu.Unlock()

			if err := r.local.Delete(r.collection, ch.ID); err != nil {
				if !errors.Is(err, localstore.ErrNotFound) {
					logger.Log.Warn("Failed to apply remote delete",
						zap.String("collection", r.collection),
						zap.String("id", ch.ID),
						zap.Error(err),
					)
				}
				continue
			}
			applied++
			continue
		}

		if ch.Doc == nil {
			continue
		}
		doc := remoteToLocal(ch.Doc)

		r.mu.Lock()
		r.revs[ch.ID] = rev
		r.remoteFp[ch.ID] = fingerprint(doc)
		r.mu.Unlock()

		if err := r.local.Replace(r.collection, doc); err != nil {
			logger.Log.Warn("Failed to apply remote document",
				zap.String("collection", r.collection),
				zap.String("id", ch.ID),
				zap.Error(err),
			)
			continue
		}
		applied++
	}

	if applied > 0 {
		r.pulled.Add(int64(applied))
		r.syncer.ScheduleFlush(r.collection)
		logger.Log.Debug("Applied remote changes",
			zap.String("collection", r.collection),
			zap.Int("docs", applied),
		)
	}
}

// flushPush submits a batch of local events as _bulk_docs requests.
// Transport failures are returned; per-document rejections are logged and
// dropped, conflicts deliberately so: the remote's merge policy decides and
// its winner arrives on the pull side.
func (r *Replicator) flushPush(ctx context.Context, batch []localstore.Event) error {
	if len(batch) == 0 {
		return nil
	}

	// Only the latest event per document matters within one batch.
	latest := make(map[string]localstore.Event, len(batch))
	order := make([]string, 0, len(batch))
	for _, ev := range batch {
		if _, seen := latest[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		latest[ev.ID] = ev
	}

	docs := make([]map[string]any, 0, len(order))
	fps := make(map[string]string, len(order))
	for _, id := range order {
		ev := latest[id]
		r.mu.Lock()
		rev := r.revs[id]
		r.mu.Unlock()

		if ev.Type == localstore.EventRemove {
			if rev == "" {
				continue
			}
			docs = append(docs, map[string]any{"_id": id, "_rev": rev, "_deleted": true})
			fps[id] = fpDeleted
			continue
		}
		docs = append(docs, localToRemote(ev.Doc, rev))
		fps[id] = fingerprint(ev.Doc)
	}
	if len(docs) == 0 {
		return nil
	}

	pushed := 0
	for start := 0; start < len(docs); start += r.batchSize {
		end := start + r.batchSize
		if end > len(docs) {
			end = len(docs)
		}

		results, err := r.client.BulkDocs(ctx, r.collection, docs[start:end])
		if err != nil {
			return fmt.Errorf("failed to push batch for %s: %w", r.collection, err)
		}

		for _, res := range results {
			switch res.Error {
			case "":
				r.mu.Lock()
				r.revs[res.ID] = res.Rev
				r.remoteFp[res.ID] = fps[res.ID]
				r.mu.Unlock()
				pushed++
			case "conflict":
				logger.Log.Debug("Push conflict",
					zap.String("collection", r.collection),
					zap.String("id", res.ID),
				)
			default:
				logger.Log.Warn("Push rejected",
					zap.String("collection", r.collection),
					zap.String("id", res.ID),
					zap.String("error", res.Error),
					zap.String("reason", res.Reason),
				)
			}
		}
	}

	if pushed > 0 {
		r.pushed.Add(int64(pushed))
		r.syncer.ScheduleFlush(r.collection)
		logger.Log.Debug("Pushed batch",
			zap.String("collection", r.collection),
			zap.Int("docs", pushed),
		)
	}
	return nil
}

// isEcho reports whether a local event only mirrors a change this session
// just pulled, in which case pushing it back would bounce forever. Removes
// of documents the remote never saw are not echoes; they fall through to
// the push side where the missing revision drops them.
func (r *Replicator) isEcho(ev localstore.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.Type == localstore.EventRemove {
		return r.remoteFp[ev.ID] == fpDeleted
	}
	return r.remoteFp[ev.ID] == fingerprint(ev.Doc)
}

func (r *Replicator) fail(err error) {
	r.mu.Lock()
	already := r.state == StateErrored
	if !already {
		r.state = StateErrored
		r.lastErr = err
	}
	r.mu.Unlock()

	if already {
		return
	}
	logger.Log.Error("Replication session error",
		zap.String("collection", r.collection),
		zap.String("session", r.id),
		zap.Error(err),
	)
	// Wind down the sibling loop; the session stays registered as errored.
	r.cancel()
}

func (r *Replicator) setState(s SessionState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func fingerprint(doc localstore.Document) string {
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}

func remoteToLocal(remote map[string]any) localstore.Document {
	doc := make(localstore.Document, len(remote))
	for k, v := range remote {
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc[k] = v
	}
	if id, ok := remote["_id"].(string); ok {
		doc["id"] = id
	}
	return doc
}

func localToRemote(doc localstore.Document, rev string) map[string]any {
	remote := make(map[string]any, len(doc)+2)
	for k, v := range doc {
		if k == "id" {
			continue
		}
		remote[k] = v
	}
	if id, ok := doc.ID(); ok {
		remote["_id"] = id
	}
	if rev != "" {
		remote["_rev"] = rev
	}
	return remote
}
