package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"jobflow/internal/logger"
)

const DefaultReconcileSchedule = "@every 1m"

// Reconciler periodically drains the StarScore recompute queue.
type Reconciler struct {
	engine  Engine
	cron    *cron.Cron
	log     *logger.Logger
	timeout time.Duration
}

func NewReconciler(e Engine, schedule string, log *logger.Logger) (*Reconciler, error) {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	if log == nil {
		log = logger.Nop()
	}
	r := &Reconciler{
		engine:  e,
		log:     log.With("component", "reconciler"),
		timeout: 30 * time.Second,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
	}
	if _, err := r.cron.AddFunc(schedule, r.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

// RunOnce drains the queue a single time.
func (r *Reconciler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	res, err := r.engine.ReconcileScores(ctx, 0)
	if err != nil {
		r.log.Error("reconcile failed", "error", err)
		return
	}
	if res.Failed > 0 {
		r.log.Warn("reconcile left entries queued", "failed", res.Failed, "processed", res.Processed)
	}
}

func (r *Reconciler) Start() {
	r.log.Info("starting score reconciler")
	r.cron.Start()
}

// Stop halts scheduling and waits for a running pass, bounded by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
