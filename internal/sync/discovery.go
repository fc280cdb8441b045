package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/couch"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
	"github.com/sunnychaun9/offline-crud-apps/internal/store"
)

// Discovery finds a reachable replication endpoint. The last known good URL
// is probed first, then the configured candidates in order, one at a time.
type Discovery struct {
	cfg   config.RemoteConfig
	cache store.Store
}

func NewDiscovery(cfg config.RemoteConfig, cache store.Store) *Discovery {
	return &Discovery{cfg: cfg, cache: cache}
}

// Discover returns the first candidate that answers its health probe and
// persists it as the new last known good URL. When nothing answers it
// returns ErrNoEndpoint.
func (d *Discovery) Discover(ctx context.Context) (string, error) {
	last, err := d.cache.GetEndpoint(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Log.Warn("Failed to read last known endpoint", zap.Error(err))
	}

	if last != "" {
		if err := d.probe(ctx, last); err == nil {
			logger.Log.Debug("Last known endpoint still healthy", zap.String("url", last))
			return last, nil
		}
		logger.Log.Info("Last known endpoint unreachable", zap.String("url", last))
	}

	for _, candidate := range d.cfg.CandidateURLs {
		if candidate == last {
			continue
		}
		if err := d.probe(ctx, candidate); err != nil {
			logger.Log.Debug("Endpoint probe failed", zap.String("url", candidate), zap.Error(err))
			continue
		}
		if err := d.cache.SaveEndpoint(ctx, candidate); err != nil {
			logger.Log.Warn("Failed to persist endpoint", zap.String("url", candidate), zap.Error(err))
		}
		logger.Log.Info("Discovered endpoint", zap.String("url", candidate))
		return candidate, nil
	}

	return "", ErrNoEndpoint
}

func (d *Discovery) probe(ctx context.Context, rawURL string) error {
	client, err := couch.NewClient(couch.Config{
		BaseURL:  rawURL,
		Username: d.cfg.Username,
		Password: d.cfg.Password,
		Timeout:  d.cfg.GetProbeTimeout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.GetProbeTimeout())
	defer cancel()
	return client.Ping(ctx)
}
