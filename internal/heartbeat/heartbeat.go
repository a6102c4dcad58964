// Package heartbeat drains wakes queued for the next heartbeat and replays
// them as immediate wakes on a periodic schedule.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/hivegate/internal/bus"
)

// cronParser accepts standard 5-field expressions plus descriptors like
// "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the heartbeat runner.
type Config struct {
	Bus    *bus.Bus
	Logger *slog.Logger

	// IntervalMinutes sets the default cadence. Ignored when CronExpr is set.
	// Defaults to 30.
	IntervalMinutes int

	// CronExpr overrides the cadence with a cron expression.
	CronExpr string
}

// Runner buffers queued wakes and fires them on each heartbeat.
type Runner struct {
	bus      *bus.Bus
	logger   *slog.Logger
	schedule cronlib.Schedule

	mu      sync.Mutex
	pending []bus.WakeEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner. An invalid cron expression is an error.
func NewRunner(cfg Config) (*Runner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expr := cfg.CronExpr
	if expr == "" {
		minutes := cfg.IntervalMinutes
		if minutes <= 0 {
			minutes = 30
		}
		expr = fmt.Sprintf("@every %dm", minutes)
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat schedule %q: %w", expr, err)
	}
	return &Runner{
		bus:      cfg.Bus,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// Start launches the collector and tick loops.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.collect(ctx)
	go r.loop(ctx)
	r.logger.Info("heartbeat started", "next", r.schedule.Next(time.Now()))
}

// Stop cancels the loops and waits for them to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("heartbeat stopped")
}

// Pending returns the number of wakes waiting for the next heartbeat.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Runner) collect(ctx context.Context) {
	defer r.wg.Done()
	sub := r.bus.Subscribe(bus.TopicWakeQueued)
	defer r.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wake, ok := ev.Payload.(bus.WakeEvent)
			if !ok {
				continue
			}
			r.mu.Lock()
			r.pending = append(r.pending, wake)
			r.mu.Unlock()
		}
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Fire()
		}
	}
}

// Fire drains the queued wakes and replays each as an immediate wake.
// Exported so a manual heartbeat can be triggered.
func (r *Runner) Fire() {
	r.mu.Lock()
	drained := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(drained) == 0 {
		return
	}
	for _, wake := range drained {
		wake.Mode = "now"
		r.bus.Publish(bus.TopicWakeNow, wake)
	}
	r.logger.Info("heartbeat fired", "replayed", len(drained))
}
