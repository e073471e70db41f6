package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Watchdog drains the persisted rebuild queue and detects rebuilds that
// stalled without finishing. Stalls are inferred from the hierarchy's node
// count not moving between two samples one sleep apart.
type Watchdog struct {
	rebuilds RebuildRepository
	nodes    NodeRepository
	builder  *BuilderService
	sleep    time.Duration
	log      logrus.FieldLogger
}

func NewWatchdog(rebuilds RebuildRepository, nodes NodeRepository, builder *BuilderService, sleep time.Duration, log logrus.FieldLogger) *Watchdog {
	if sleep <= 0 {
		sleep = 5 * time.Second
	}
	return &Watchdog{rebuilds: rebuilds, nodes: nodes, builder: builder, sleep: sleep, log: log}
}

// Run loops until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	for {
		if err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Error("watchdog pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.sleep):
		}
	}
}

// Tick performs one drain + stall-detection pass.
func (w *Watchdog) Tick(ctx context.Context) error {
	if err := w.Drain(ctx); err != nil {
		return err
	}
	return w.checkStalled(ctx)
}

// Drain processes pending orders oldest first. A failed rebuild leaves its
// order in progress so the stall detector picks it up later.
func (w *Watchdog) Drain(ctx context.Context) error {
	for ctx.Err() == nil {
		order, err := w.rebuilds.NextPending(ctx)
		if err != nil {
			return err
		}
		if order == nil {
			return nil
		}
		if err := w.rebuilds.MarkInProgress(ctx, order.ID); err != nil {
			return err
		}
		if err := w.builder.Rebuild(ctx, order.HierarchyID); err != nil {
			w.log.WithError(err).WithField("hierarchy_id", order.HierarchyID).Error("queued rebuild failed")
			continue
		}
		if err := w.rebuilds.Delete(ctx, order.ID); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// checkStalled samples node counts of in-progress rebuilds twice, one sleep
// apart; a count that did not move means the rebuild is stuck and gets
// restarted. Rebuild is idempotent, so restarting a slow-but-alive one is
// safe.
func (w *Watchdog) checkStalled(ctx context.Context) error {
	inProgress, err := w.rebuilds.ListInProgress(ctx)
	if err != nil {
		return err
	}
	if len(inProgress) == 0 {
		return nil
	}

	before := map[int64]int64{}
	for _, o := range inProgress {
		n, err := w.nodes.CountByHierarchy(ctx, o.HierarchyID)
		if err != nil {
			return err
		}
		before[o.HierarchyID] = n
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.sleep):
	}

	inProgress, err = w.rebuilds.ListInProgress(ctx)
	if err != nil {
		return err
	}
	for _, o := range inProgress {
		prev, sampled := before[o.HierarchyID]
		if !sampled {
			continue
		}
		cur, err := w.nodes.CountByHierarchy(ctx, o.HierarchyID)
		if err != nil {
			return err
		}
		if cur != prev {
			continue
		}
		w.log.WithField("hierarchy_id", o.HierarchyID).Warn("rebuild appears stuck, restarting")
		if err := w.builder.Rebuild(ctx, o.HierarchyID); err != nil {
			w.log.WithError(err).WithField("hierarchy_id", o.HierarchyID).Error("stuck rebuild restart failed")
			continue
		}
		if err := w.rebuilds.Delete(ctx, o.ID); err != nil {
			return err
		}
	}
	return nil
}
