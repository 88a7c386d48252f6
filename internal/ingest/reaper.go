package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/livebridge/internal/observability"
)

// Reaper periodically stops sessions that stopped receiving chunks and
// refreshes presence records for the rest.
type Reaper struct {
	mu sync.Mutex

	service  *Service
	schedule string
	idle     time.Duration
	logger   *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReaper creates a reaper running on a cron schedule such as "@every 30s".
func NewReaper(service *Service, schedule string, idle time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		service:  service,
		schedule: schedule,
		idle:     idle,
		logger:   observability.WithComponent(logger, "reaper"),
	}
}

// Start registers the reap job and starts the cron runner.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, r.reap); err != nil {
		r.cancel()
		return fmt.Errorf("invalid reap schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("reaper started",
		slog.String("schedule", r.schedule),
		slog.Duration("idle_timeout", r.idle))

	return nil
}

// Stop stops the cron runner and waits for a running reap to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) reap() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if n := r.service.ReapIdle(ctx, r.idle); n > 0 {
		r.logger.Info("idle streams reaped", slog.Int("count", n))
	}
}
