// Package sched is a durable one-job-per-user scheduler. Jobs are persisted
// in the store and re-armed on startup, so a process restart does not lose
// programmed deliveries.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

// persistAttempts bounds retries of the job-row write; a job that cannot be
// persisted must fail the caller rather than silently stay in memory only.
const persistAttempts = 3

// fireTimeout bounds the work done by one fired job callback.
const fireTimeout = 30 * time.Second

// Handler receives fired jobs. TimeTrigger is invoked with only the user id;
// the handler must re-fetch the user itself. Reschedule is invoked for jobs
// whose fire time was missed beyond the grace window.
type Handler interface {
	TimeTrigger(ctx context.Context, userID int64)
	Reschedule(ctx context.Context, userID int64)
}

// Scheduler arms one in-process timer per persisted job.
type Scheduler struct {
	repo  store.Repo
	clock domain.Clock
	grace time.Duration
	log   *zap.Logger

	mu      sync.Mutex
	timers  map[int64]*time.Timer
	handler Handler
	baseCtx context.Context
}

// New creates a Scheduler. grace is the default misfire window for new jobs.
func New(repo store.Repo, clock domain.Clock, grace time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		repo:    repo,
		clock:   clock,
		grace:   grace,
		log:     log,
		timers:  make(map[int64]*time.Timer),
		baseCtx: context.Background(),
	}
}

// SetHandler wires the fire callback; must be called before Start.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start loads persisted jobs and arms them. Jobs whose fire time passed
// while the process was down fire once immediately if still within their
// grace window; older ones are handed back for weekly recomputation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	jobs, err := s.repo.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	now := s.clock.Now()
	var armed, late, missed int
	for _, job := range jobs {
		switch {
		case job.FireAt.After(now):
			s.arm(job.UserID, job.FireAt)
			armed++
		case now.Sub(job.FireAt) <= time.Duration(job.MisfireGraceS)*time.Second:
			// Fired while down but still inside the grace window.
			late++
			go s.fire(job.UserID)
		default:
			missed++
			if err := s.repo.DeleteJob(ctx, job.UserID); err != nil {
				s.log.Error("drop missed job failed", zap.Error(err), zap.Int64("user", job.UserID))
			}
			uid := job.UserID
			go func() {
				fctx, cancel := context.WithTimeout(s.base(), fireTimeout)
				defer cancel()
				s.currentHandler().Reschedule(fctx, uid)
			}()
		}
	}

	s.log.Info("scheduler started",
		zap.Int("armed", armed), zap.Int("late", late), zap.Int("missed", missed))
	return nil
}

// Schedule persists and arms the single job for a user, replacing any
// previous one. The row write is retried a bounded number of times; if it
// still fails the job is not armed and the error is surfaced.
func (s *Scheduler) Schedule(ctx context.Context, userID int64, fireAt time.Time) error {
	job := domain.ScheduledJob{
		UserID:        userID,
		FireAt:        fireAt.UTC(),
		MisfireGraceS: int(s.grace / time.Second),
	}

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = s.repo.UpsertJob(ctx, job); err == nil {
			break
		}
		s.log.Warn("persist job failed",
			zap.Error(err), zap.Int64("user", userID), zap.Int("attempt", attempt))
	}
	if err != nil {
		return fmt.Errorf("persist job for user %d: %w", userID, err)
	}

	s.arm(userID, fireAt)
	s.log.Info("job scheduled", zap.Int64("user", userID), zap.Time("fire_at", fireAt))
	return nil
}

// Cancel removes a user's job and disarms its timer; no-op if absent.
func (s *Scheduler) Cancel(ctx context.Context, userID int64) error {
	s.mu.Lock()
	if t, ok := s.timers[userID]; ok {
		t.Stop()
		delete(s.timers, userID)
	}
	s.mu.Unlock()

	if err := s.repo.DeleteJob(ctx, userID); err != nil {
		return fmt.Errorf("delete job for user %d: %w", userID, err)
	}
	return nil
}

// Stop disarms all timers. Persisted rows stay for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.log.Info("scheduler stopped")
}

// Armed reports how many timers are currently live.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) arm(userID int64, fireAt time.Time) {
	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[userID]; ok {
		t.Stop()
	}
	s.timers[userID] = time.AfterFunc(delay, func() { s.fire(userID) })
}

// fire consumes the job row and invokes the handler. The row is deleted
// first so a crash mid-callback cannot double-fire after restart.
func (s *Scheduler) fire(userID int64) {
	s.mu.Lock()
	delete(s.timers, userID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.base(), fireTimeout)
	defer cancel()

	if err := s.repo.DeleteJob(ctx, userID); err != nil {
		s.log.Error("consume job row failed", zap.Error(err), zap.Int64("user", userID))
	}
	s.currentHandler().TimeTrigger(ctx, userID)
}

func (s *Scheduler) base() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler == nil {
		return noopHandler{log: s.log}
	}
	return s.handler
}

type noopHandler struct{ log *zap.Logger }

func (h noopHandler) TimeTrigger(context.Context, int64) { h.log.Warn("job fired with no handler") }
func (h noopHandler) Reschedule(context.Context, int64)  { h.log.Warn("reschedule with no handler") }
