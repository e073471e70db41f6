package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invory/hierarchies/pkg/retry"
)

// WorkerFunc is one hierarchy's consume loop. It blocks until ctx is
// cancelled or an unrecoverable error occurs.
type WorkerFunc func(ctx context.Context, hierarchyID int64) error

// Supervisor owns the per-hierarchy consumer workers and guarantees at most
// one worker per hierarchy. Crashed workers are restarted with exponential
// back-off until stopped.
type Supervisor struct {
	mu      sync.Mutex
	workers map[int64]*worker
	run     WorkerFunc
	log     logrus.FieldLogger

	restartBase time.Duration
	restartMax  time.Duration
}

type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(run WorkerFunc, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{
		workers:     map[int64]*worker{},
		run:         run,
		log:         log,
		restartBase: time.Second,
		restartMax:  time.Minute,
	}
}

// Start spawns a worker for the hierarchy. A no-op if one is already
// running.
func (s *Supervisor) Start(ctx context.Context, hierarchyID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[hierarchyID]; running {
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	s.workers[hierarchyID] = w

	go func() {
		defer close(w.done)
		s.supervise(wctx, hierarchyID)
	}()
	s.log.WithField("hierarchy_id", hierarchyID).Info("consumer worker started")
}

// supervise keeps one hierarchy's worker alive until its context ends.
func (s *Supervisor) supervise(ctx context.Context, hierarchyID int64) {
	attempt := 0
	for {
		err := s.run(ctx, hierarchyID)
		if ctx.Err() != nil {
			return
		}
		attempt++
		delay := retry.Backoff(attempt, s.restartBase, s.restartMax)
		s.log.WithError(err).WithFields(logrus.Fields{
			"hierarchy_id": hierarchyID,
			"restart_in":   delay,
		}).Error("consumer worker exited, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Stop cancels the hierarchy's worker and waits for it to exit. A no-op when
// no worker is running.
func (s *Supervisor) Stop(hierarchyID int64) {
	s.mu.Lock()
	w, ok := s.workers[hierarchyID]
	if ok {
		delete(s.workers, hierarchyID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	s.log.WithField("hierarchy_id", hierarchyID).Info("consumer worker stopped")
}

// StopAll stops every worker and clears the map.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	workers := s.workers
	s.workers = map[int64]*worker{}
	s.mu.Unlock()

	for _, w := range workers {
		w.cancel()
	}
	for _, w := range workers {
		<-w.done
	}
}

// Count returns the number of running workers.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Running reports whether a worker exists for the hierarchy.
func (s *Supervisor) Running(hierarchyID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[hierarchyID]
	return ok
}
