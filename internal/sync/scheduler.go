package sync

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sunnychaun9/offline-crud-apps/internal/config"
	"github.com/sunnychaun9/offline-crud-apps/internal/logger"
)

// Scheduler periodically nudges the controller to restore replication.
// It is the only automatic recovery path for errored sessions; the session
// layer itself never retries.
type Scheduler struct {
	cfg        config.SchedulerConfig
	controller *Controller
	cron       *cron.Cron
	entryID    cron.EntryID
}

func NewScheduler(cfg config.SchedulerConfig, controller *Controller) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		controller: controller,
		cron:       cron.New(),
	}
}

func (s *Scheduler) Start() {
	if !s.cfg.Enabled {
		logger.Log.Info("Scheduler is disabled")
		return
	}

	logger.Log.Info("Starting scheduler", zap.String("interval", s.cfg.Interval))

	id, err := s.cron.AddFunc(s.cfg.Interval, s.ensure)
	if err != nil {
		logger.Log.Error("Failed to schedule job", zap.Error(err))
		return
	}

	s.entryID = id
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	logger.Log.Info("Stopped scheduler")
}

func (s *Scheduler) ensure() {
	ctx, cancel := context.WithTimeout(context.Background(), transitionTimeout)
	defer cancel()
	s.controller.EnsureSessions(ctx)
}
