package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// WarmerConfig wires a Warmer.
type WarmerConfig struct {
	Cache    *Service
	Tenants  []string
	Schedule string // 5-field cron expression
	Logger   *slog.Logger
}

// Warmer proactively refreshes every tenant's cache kinds on a cron
// schedule, so the first dashboard read after a quiet period is warm.
type Warmer struct {
	cache    *Service
	tenants  []string
	schedule cronlib.Schedule
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWarmer creates a Warmer. An invalid schedule is an error.
func NewWarmer(cfg WarmerConfig) (*Warmer, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{
		cache:    cfg.Cache,
		tenants:  cfg.Tenants,
		schedule: sched,
		logger:   logger,
	}, nil
}

// Start begins the warmer loop in a background goroutine.
func (w *Warmer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info("cache warmer started", "tenants", len(w.tenants))
}

// Stop cancels the warmer loop and waits for it to exit.
func (w *Warmer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("cache warmer stopped")
}

func (w *Warmer) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			w.fire()
		}
	}
}

func (w *Warmer) fire() {
	for _, tenant := range w.tenants {
		w.cache.RefreshAll(tenant)
	}
	w.logger.Debug("cache warm pass triggered", "tenants", len(w.tenants))
}
