// Package schedule triggers top-level dispatches on a timetable. Every firing
// is an ordinary root call: fresh frame, full policy, its own trace.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/harun/rikka/pkg/dispatch"
	"github.com/harun/rikka/pkg/export"
)

// Job is one scheduled dispatch.
type Job struct {
	// Name identifies the job in logs and exports.
	Name string

	// Expr is a standard five-field cron expression.
	Expr string

	// Entry and Input are the dispatch to run on each firing.
	Entry string
	Input map[string]any

	// Timeout bounds one firing. Zero means no bound beyond the scheduler's
	// base context.
	Timeout time.Duration
}

// Scheduler runs jobs against a dispatcher. Overlapping firings of the same
// job are skipped, not queued.
type Scheduler struct {
	dispatcher *dispatch.Dispatcher
	sink       export.Sink
	cron       *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. sink may be nil; firings are then only logged.
func New(dispatcher *dispatch.Dispatcher, sink export.Sink) (*Scheduler, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("schedule: dispatcher is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatcher: dispatcher,
		sink:       sink,
		cron:       cron.New(),
		running:    make(map[string]bool),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// Add registers a job. Invalid cron expressions fail here, not at fire time.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Entry == "" {
		return fmt.Errorf("schedule: job name and entry are required")
	}
	_, err := s.cron.AddFunc(job.Expr, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", job.Name, err)
	}

	log.Info().
		Str("job", job.Name).
		Str("expr", job.Expr).
		Str("entry", job.Entry).
		Msg("Job scheduled")
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the timetable and cancels in-flight firings. It returns once
// cron's own bookkeeping has drained.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	if s.running[job.Name] {
		s.mu.Unlock()
		log.Warn().Str("job", job.Name).Msg("Previous firing still running, skipping")
		return
	}
	s.running[job.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, job.Name)
		s.mu.Unlock()
	}()

	ctx := s.baseCtx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.dispatcher.Call(ctx, job.Entry, job.Input)
	if err != nil {
		log.Error().
			Err(err).
			Str("job", job.Name).
			Str("entry", job.Entry).
			Msg("Scheduled dispatch failed")
	} else {
		log.Info().
			Str("job", job.Name).
			Str("entry", job.Entry).
			Dur("duration", time.Since(started)).
			Msg("Scheduled dispatch completed")
	}

	if s.sink != nil {
		run := export.NewRun(job.Entry, started, result, err)
		if saveErr := s.sink.Save(s.baseCtx, run); saveErr != nil {
			log.Error().Err(saveErr).Str("job", job.Name).Msg("Run export failed")
		}
	}
}
