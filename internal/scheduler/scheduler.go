// Package scheduler grants time-bounded execution opportunities to
// registered handlers. Callers submit a request carrying the earliest time
// they want to run; the scheduler fires no earlier than that and then gives
// the handler a fixed window to signal completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// DefaultWindow is how long a handler may run before its opportunity expires.
const DefaultWindow = 30 * time.Second

// deferGrace is added when a request lands on an identifier whose previous
// opportunity has not been released yet.
const deferGrace = 100 * time.Millisecond

var (
	ErrNotRegistered    = errors.New("identifier not registered")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

// SchedulingError reports that a wake-up request could not be accepted.
type SchedulingError struct {
	Identifier string
	Err        error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("wake-up request for %q rejected: %v", e.Identifier, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Handler receives opportunities for one identifier.
type Handler interface {
	// OnWakeUp runs on its own goroutine. ctx is cancelled when the window
	// closes or the scheduler stops. The handler must call opp.SetCompleted.
	OnWakeUp(ctx context.Context, opp *Opportunity)
	// OnWakeUpExpired is called when the window closed before SetCompleted.
	OnWakeUpExpired(opp *Opportunity)
}

// Request asks for an opportunity no earlier than EarliestStartTime.
// A zero or past time means as soon as possible.
type Request struct {
	Identifier        string
	EarliestStartTime time.Time
}

// Options configures a Scheduler.
type Options struct {
	Window time.Duration
	Clock  clockwork.Clock
}

// TaskInfo contains information about a registered identifier for API responses.
type TaskInfo struct {
	ID       string     `json:"id"`
	LastRun  *time.Time `json:"lastRun,omitempty"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	Running  bool       `json:"running"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Granted  int        `json:"granted"`
	Expired  int        `json:"expired"`
}

// taskEntry holds internal state for one identifier.
type taskEntry struct {
	handler Handler
	nextRun *time.Time
	lastRun *time.Time
	running *Opportunity
	granted int
	expired int
}

// Scheduler manages wake-up requests on top of gocron one-time jobs.
// At most one request is pending and at most one opportunity is running
// per identifier.
type Scheduler struct {
	gocron gocron.Scheduler
	clock  clockwork.Clock
	window time.Duration
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	tasks   map[string]*taskEntry
	stopped bool
}

// New creates a new scheduler.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	gs, err := gocron.NewScheduler(gocron.WithClock(opts.Clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		gocron: gs,
		clock:  opts.Clock,
		window: opts.Window,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*taskEntry),
	}, nil
}

// Register binds handler to identifier. It must happen before any Submit
// for that identifier.
func (s *Scheduler) Register(identifier string, handler Handler) error {
	if identifier == "" {
		return errors.New("identifier is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[identifier]; exists {
		return fmt.Errorf("identifier %q already registered", identifier)
	}
	s.tasks[identifier] = &taskEntry{handler: handler}

	s.logger.Info().Str("id", identifier).Dur("window", s.window).Msg("Registered wake-up handler")
	return nil
}

// Submit replaces any pending request for req.Identifier. Failures are
// returned as *SchedulingError.
func (s *Scheduler) Submit(req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitLocked(req)
}

func (s *Scheduler) submitLocked(req Request) error {
	if s.stopped {
		return &SchedulingError{Identifier: req.Identifier, Err: ErrSchedulerStopped}
	}
	entry, ok := s.tasks[req.Identifier]
	if !ok {
		return &SchedulingError{Identifier: req.Identifier, Err: ErrNotRegistered}
	}

	s.gocron.RemoveByTags(req.Identifier)
	entry.nextRun = nil

	now := s.clock.Now()
	at := req.EarliestStartTime
	startAt := gocron.OneTimeJobStartImmediately()
	if at.After(now) {
		startAt = gocron.OneTimeJobStartDateTime(at)
	} else {
		at = now
	}

	identifier := req.Identifier
	newJob := func(startAt gocron.OneTimeJobStartAtOption) error {
		_, err := s.gocron.NewJob(
			gocron.OneTimeJob(startAt),
			gocron.NewTask(func() { s.grant(identifier) }),
			gocron.WithName(identifier),
			gocron.WithTags(identifier),
		)
		return err
	}
	err := newJob(startAt)
	if err != nil && !at.After(s.clock.Now()) {
		// The start time passed while the job was being created.
		err = newJob(gocron.OneTimeJobStartImmediately())
	}
	if err != nil {
		return &SchedulingError{Identifier: identifier, Err: err}
	}
	entry.nextRun = &at

	s.logger.Debug().
		Str("id", identifier).
		Time("earliest", at).
		Msg("Wake-up requested")
	return nil
}

// Cancel drops the pending request for identifier, if any. A running
// opportunity is not affected.
func (s *Scheduler) Cancel(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gocron.RemoveByTags(identifier)
	if entry, ok := s.tasks[identifier]; ok {
		entry.nextRun = nil
	}
}

// grant is the gocron task body. It hands a fresh opportunity to the handler,
// or defers the request while the previous one is still running.
func (s *Scheduler) grant(identifier string) {
	s.mu.Lock()
	entry, ok := s.tasks[identifier]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	entry.nextRun = nil

	now := s.clock.Now()
	if entry.running != nil {
		at := entry.running.Deadline
		if !at.After(now) {
			at = now.Add(deferGrace)
		}
		err := s.submitLocked(Request{Identifier: identifier, EarliestStartTime: at})
		s.mu.Unlock()
		if err != nil {
			s.logger.Error().Err(err).Str("id", identifier).Msg("Failed to defer wake-up")
		} else {
			s.logger.Debug().Str("id", identifier).Time("until", at).Msg("Opportunity still running, deferring wake-up")
		}
		return
	}

	opp := NewOpportunity(identifier, now, s.window)
	ctx, cancel := context.WithCancel(s.ctx)
	entry.running = opp
	entry.lastRun = &now
	entry.granted++
	handler := entry.handler
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info().
		Str("id", identifier).
		Str("opportunity", opp.ID.String()).
		Time("deadline", opp.Deadline).
		Msg("Granting opportunity")

	go s.run(ctx, cancel, handler, opp)
}

// run supervises one opportunity until it completes, expires, or the
// scheduler stops.
func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, handler Handler, opp *Opportunity) {
	defer s.wg.Done()
	defer cancel()

	timer := s.clock.NewTimer(opp.Deadline.Sub(opp.GrantedAt))
	defer timer.Stop()

	go handler.OnWakeUp(ctx, opp)

	expired := false
	select {
	case <-opp.Done():
	case <-timer.Chan():
		expired = true
	case <-s.ctx.Done():
	}

	if expired && !opp.IsCompleted() {
		cancel()
		s.logger.Warn().
			Str("id", opp.Identifier).
			Str("opportunity", opp.ID.String()).
			Msg("Opportunity expired before completion")
		handler.OnWakeUpExpired(opp)
		opp.SetCompleted(false)
	}

	s.release(opp, expired)
}

func (s *Scheduler) release(opp *Opportunity, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[opp.Identifier]
	if !ok || entry.running != opp {
		return
	}
	entry.running = nil
	if expired {
		entry.expired++
	}
}

// Start starts the scheduler. Requests submitted before Start are held
// until now.
func (s *Scheduler) Start() error {
	s.logger.Info().Msg("Starting scheduler")
	s.gocron.Start()
	return nil
}

// Stop stops the scheduler gracefully. Running opportunities have their
// context cancelled and no further requests are accepted.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("Stopping scheduler")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	err := s.gocron.Shutdown()
	s.wg.Wait()
	return err
}

// ListTasks returns information about all registered identifiers.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]TaskInfo, 0, len(s.tasks))
	for id, entry := range s.tasks {
		tasks = append(tasks, entry.info(id))
	}
	return tasks
}

// GetTask returns information about a specific identifier.
func (s *Scheduler) GetTask(identifier string) (*TaskInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.tasks[identifier]
	if !exists {
		return nil, fmt.Errorf("task %q not found", identifier)
	}
	info := entry.info(identifier)
	return &info, nil
}

func (e *taskEntry) info(id string) TaskInfo {
	info := TaskInfo{
		ID:      id,
		LastRun: e.lastRun,
		NextRun: e.nextRun,
		Running: e.running != nil,
		Granted: e.granted,
		Expired: e.expired,
	}
	if e.running != nil {
		deadline := e.running.Deadline
		info.Deadline = &deadline
	}
	return info
}
