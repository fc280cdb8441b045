package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/couch"
	"github.com/sunnychaun9/offline-crud-apps/internal/localstore"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
)

const transitionTimeout = 30 * time.Second

// Controller is the orchestration root. It owns the sync-enabled flag and
// wires connectivity transitions to the session lifecycle; the reset and
// purge operations live here too. It is an explicit value constructed once
// in main, not ambient state.
type Controller struct {
	remoteCfg   config.RemoteConfig
	syncCfg     config.SyncConfig
	collections []string

	local     *localstore.Store
	cache     store.Store
	monitor   *ConnectivityMonitor
	discovery *Discovery
	manager   *Manager
	syncer    *Synchronizer

	mu         sync.Mutex
	enabled    bool
	currentURL string
}

func NewController(cfg *config.Config, local *localstore.Store, cache store.Store, syncer *Synchronizer) *Controller {
	return &Controller{
		remoteCfg:   cfg.Remote,
		syncCfg:     cfg.Sync,
		collections: cfg.Sync.Collections,
		local:       local,
		cache:       cache,
		monitor:     NewConnectivityMonitor(cfg.Sync.AssumeOnline),
		discovery:   NewDiscovery(cfg.Remote, cache),
		manager:     NewManager(cfg.Sync, local, cache, syncer),
		syncer:      syncer,
		enabled:     cfg.Sync.AutoStart,
	}
}

func (c *Controller) Monitor() *ConnectivityMonitor {
	return c.monitor
}

// Bootstrap restores local state from the durable cache, hooks up the
// connectivity monitor and, when the device starts online with sync
// enabled, attempts the first session start. A failed first start leaves
// the service serving local data.
func (c *Controller) Bootstrap(ctx context.Context) error {
	for _, collection := range c.collections {
		if err := c.syncer.LoadDurableIntoLocal(ctx, collection); err != nil {
			return err
		}
	}

	c.monitor.Subscribe(c.handleConnectivity)

	if c.monitor.Online() && c.isEnabled() {
		if res := c.StartSessions(ctx); !res.Success {
			logger.Log.Warn("Initial replication not started", zap.String("reason", res.Message))
		}
	}
	return nil
}

// EnableSync turns sync on. When the device is online this also starts the
// sessions; offline it only arms the connectivity handler.
func (c *Controller) EnableSync(ctx context.Context) Result {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()

	if !c.monitor.Online() {
		return Result{Success: false, Message: "device is offline, replication will start on reconnect"}
	}
	return c.StartSessions(ctx)
}

// DisableSync turns sync off and stops every session.
func (c *Controller) DisableSync() Result {
	c.mu.Lock()
	c.enabled = false
	c.currentURL = ""
	c.mu.Unlock()

	c.manager.StopAll()
	return Result{Success: true, Message: "replication stopped"}
}

// StartSessions discovers an endpoint and starts one session per
// collection. The outcome is reported in-band.
func (c *Controller) StartSessions(ctx context.Context) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startSessionsLocked(ctx)
}

func (c *Controller) startSessionsLocked(ctx context.Context) Result {
	url, err := c.discovery.Discover(ctx)
	if err != nil {
		if errors.Is(err, ErrNoEndpoint) {
			return Result{Success: false, Message: "no endpoint available"}
		}
		return Result{Success: false, Message: err.Error()}
	}

	client, err := c.newClient(url)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	if err := c.manager.StartAll(ctx, c.collections, client); err != nil {
		return Result{Success: false, Message: fmt.Sprintf("failed to start replication: %v", err)}
	}

	c.currentURL = url
	return Result{Success: true, Message: fmt.Sprintf("replication active against %s", url)}
}

// EnsureRemote provisions the remote collections. Existing collections
// count as provisioned.
func (c *Controller) EnsureRemote(ctx context.Context) Result {
	if !c.monitor.Online() {
		return Result{Success: false, Message: ErrOffline.Error()}
	}

	url, err := c.discovery.Discover(ctx)
	if err != nil {
		return Result{Success: false, Message: "no endpoint available"}
	}
	client, err := c.newClient(url)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	for _, collection := range c.collections {
		if err := client.CreateDB(ctx, collection); err != nil {
			return Result{Success: false, Message: fmt.Sprintf("failed to create %s: %v", collection, err)}
		}
	}
	return Result{Success: true, Message: "remote collections ready"}
}

// EnsureSessions is the scheduler hook: when sync should be running but
// some session is not live, it re-runs discovery and restarts.
func (c *Controller) EnsureSessions(ctx context.Context) {
	if !c.isEnabled() || !c.monitor.Online() {
		return
	}
	if c.manager.AllActive(c.collections) {
		return
	}

	logger.Log.Info("Replication unhealthy, restarting sessions")
	if res := c.StartSessions(ctx); !res.Success {
		logger.Log.Warn("Failed to restore replication", zap.String("reason", res.Message))
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		Online:      c.monitor.Online(),
		SyncEnabled: c.enabled,
		CurrentURL:  c.currentURL,
	}
	c.mu.Unlock()

	st.Collections = c.manager.Status()
	return st
}

// CleanupAndReset wipes the device-side state: sessions first, then the
// durable cache, then the in-memory store. The order guarantees no flush
// can repopulate what was just cleared.
func (c *Controller) CleanupAndReset(ctx context.Context) error {
	c.manager.StopAll()
	c.syncer.CancelPending()

	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear durable cache: %w", err)
	}
	c.local.Reset()

	c.mu.Lock()
	c.currentURL = ""
	c.mu.Unlock()

	logger.Log.Info("Local data cleared")
	return nil
}

// PurgeAllData deletes everything on the device and, when includeRemote is
// set, destroys and recreates the remote collections, verifying they come
// back empty.
func (c *Controller) PurgeAllData(ctx context.Context, includeRemote bool) Result {
	if !includeRemote {
		if err := c.CleanupAndReset(ctx); err != nil {
			return Result{Success: false, Message: err.Error()}
		}
		return Result{Success: true, Message: "local data deleted"}
	}

	if !c.monitor.Online() {
		return Result{Success: false, Message: ErrOffline.Error()}
	}

	// Resolve the endpoint before wiping anything so an unreachable remote
	// leaves the device data intact.
	url, err := c.discovery.Discover(ctx)
	if err != nil {
		return Result{Success: false, Message: "no endpoint available"}
	}
	client, err := c.newClient(url)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	if err := c.CleanupAndReset(ctx); err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	for _, collection := range c.collections {
		if err := client.DeleteDB(ctx, collection); err != nil {
			return Result{Success: false, Message: fmt.Sprintf("failed to delete remote %s: %v", collection, err)}
		}
	}

	// Give the remote a moment to finish tearing down before recreating.
	select {
	case <-time.After(c.syncCfg.GetPurgeSettleDelay()):
	case <-ctx.Done():
		return Result{Success: false, Message: ctx.Err().Error()}
	}

	for _, collection := range c.collections {
		if err := client.CreateDB(ctx, collection); err != nil {
			return Result{Success: false, Message: fmt.Sprintf("failed to recreate remote %s: %v", collection, err)}
		}
		n, err := client.DocCount(ctx, collection)
		if err != nil {
			return Result{Success: false, Message: fmt.Sprintf("failed to verify remote %s: %v", collection, err)}
		}
		if n != 0 {
			return Result{Success: false, Message: fmt.Sprintf("remote %s still holds %d documents", collection, n)}
		}
	}

	logger.Log.Info("All data deleted", zap.Bool("remote", true))
	return Result{Success: true, Message: "all data deleted"}
}

// Shutdown stops sessions and pending flushes for process exit.
func (c *Controller) Shutdown() {
	c.manager.StopAll()
	c.syncer.Close()
}

func (c *Controller) handleConnectivity(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Edges are delivered outside the monitor's lock, so two quick flips
	// can arrive here out of order. Only the edge matching the current
	// state acts; a stale one is dropped.
	if online != c.monitor.Online() {
		return
	}

	if !online {
		logger.Log.Info("Went offline, stopping replication")
		c.manager.StopAll()
		return
	}

	if !c.enabled {
		return
	}
	logger.Log.Info("Back online, starting replication")
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()
	if res := c.startSessionsLocked(ctx); !res.Success {
		logger.Log.Warn("Failed to start replication after reconnect", zap.String("reason", res.Message))
	}
}

func (c *Controller) newClient(url string) (*couch.Client, error) {
	return couch.NewClient(couch.Config{
		BaseURL:  url,
		Username: c.remoteCfg.Username,
		Password: c.remoteCfg.Password,
		Timeout:  c.remoteCfg.GetRequestTimeout(),
	})
}

func (c *Controller) isEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}
