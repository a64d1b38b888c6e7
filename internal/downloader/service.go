// Package downloader owns the download session lifecycle: it persists the
// schedule, decides on each wake-up whether to start the transfer, and turns
// transfer events into published state.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/slipstream/bgdownload/internal/progress"
	"github.com/slipstream/bgdownload/internal/retry"
	"github.com/slipstream/bgdownload/internal/schedulestore"
	"github.com/slipstream/bgdownload/internal/scheduler"
	"github.com/slipstream/bgdownload/internal/transfer"
)

// Scheduler accepts wake-up requests.
type Scheduler interface {
	Submit(req scheduler.Request) error
}

// Engine starts background transfers.
type Engine interface {
	Start(url string) (string, error)
}

// Notifier delivers best-effort user notifications.
type Notifier interface {
	Notify(title, body string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

// Config holds the service configuration.
type Config struct {
	URL             string
	DestinationPath string
	TaskIdentifier  string
	Cadence         time.Duration
	Retry           retry.Config
}

// Status is a snapshot of the service for API responses.
type Status struct {
	Scheduled             bool           `json:"scheduled"`
	TargetTime            *time.Time     `json:"targetTime,omitempty"`
	Completed             bool           `json:"completed"`
	InFlight              bool           `json:"inFlight"`
	LastSchedulingError   string         `json:"lastSchedulingError,omitempty"`
	LastSchedulingErrorAt *time.Time     `json:"lastSchedulingErrorAt,omitempty"`
	State                 progress.State `json:"state"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithFs sets the filesystem the artifact is written to.
func WithFs(fs afero.Fs) Option {
	return func(s *Service) { s.fs = fs }
}

// WithNotifier sets the user notification channel.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// Service is the download session manager. All decisions and all mutations
// of the in-flight flag and the published state happen on one event-loop
// goroutine. Scheduler and engine callbacks post work to it and wait.
type Service struct {
	cfg       Config
	store     schedulestore.Store
	scheduler Scheduler
	engine    Engine
	publisher *progress.Publisher
	notifier  Notifier
	clock     clockwork.Clock
	fs        afero.Fs
	logger    zerolog.Logger

	hubMu sync.RWMutex
	hub   Broadcaster

	ops       chan func()
	quit      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Owned by the event loop.
	inFlight              bool
	startedAt             time.Time
	lastSchedulingError   error
	lastSchedulingErrorAt time.Time
	retryCancel           context.CancelFunc
}

// NewService creates a download session manager. Start must be called before
// any other method.
func NewService(cfg Config, store schedulestore.Store, sched Scheduler, engine Engine, publisher *progress.Publisher, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		store:     store,
		scheduler: sched,
		engine:    engine,
		publisher: publisher,
		notifier:  nopNotifier{},
		clock:     clockwork.NewRealClock(),
		fs:        afero.NewOsFs(),
		logger:    logger.With().Str("component", "downloader").Logger(),
		ops:       make(chan func()),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBroadcaster sets the WebSocket broadcaster for schedule events.
func (s *Service) SetBroadcaster(broadcaster Broadcaster) {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	s.hub = broadcaster
}

// Start launches the event loop.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends the event loop and any pending registration retry. Callbacks
// arriving afterwards are dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.quit:
			if s.retryCancel != nil {
				s.retryCancel()
				s.retryCancel = nil
			}
			return
		}
	}
}

// do runs fn on the event loop and waits for it to finish.
func (s *Service) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}

	select {
	case s.ops <- op:
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// ScheduleDownload records that the download should start after delay and
// asks for a wake-up. Calling it again replaces the previous schedule.
func (s *Service) ScheduleDownload(ctx context.Context, delay time.Duration) (schedulestore.Record, error) {
	if delay < 0 {
		return schedulestore.Record{}, ErrInvalidDelay
	}

	var (
		rec    schedulestore.Record
		setErr error
	)
	err := s.do(ctx, func() {
		now := s.clock.Now()
		rec = schedulestore.Record{TargetTime: now.Add(delay)}
		if setErr = s.store.Set(ctx, rec); setErr != nil {
			setErr = fmt.Errorf("failed to persist schedule: %w", setErr)
			return
		}

		wakeUpAt := now.Add(min(s.cfg.Cadence, delay))
		s.logger.Info().
			Time("target", rec.TargetTime).
			Time("wakeUpAt", wakeUpAt).
			Msg("Download scheduled")
		s.broadcast(EventScheduleUpdated, ScheduleUpdatedEvent{TargetTime: rec.TargetTime, WakeUpAt: wakeUpAt})

		s.register(wakeUpAt)
	})
	if err != nil {
		return schedulestore.Record{}, err
	}
	if setErr != nil {
		return schedulestore.Record{}, setErr
	}
	return rec, nil
}

// OnWakeUp starts the transfer when the schedule is due and nothing is in
// flight, then asks for the next wake-up unless the schedule is done.
func (s *Service) OnWakeUp(ctx context.Context, opp *scheduler.Opportunity) {
	defer opp.SetCompleted(true)

	if err := s.do(ctx, func() { s.handleWakeUp(ctx, opp) }); err != nil {
		s.logger.Warn().Err(err).Str("opportunity", opp.ID.String()).Msg("Wake-up not handled")
	}
}

// OnWakeUpExpired re-registers when the window closed before the wake-up
// handler finished.
func (s *Service) OnWakeUpExpired(opp *scheduler.Opportunity) {
	err := s.do(context.Background(), func() {
		now := s.clock.Now()
		rec, ok, err := s.store.Get(context.Background())
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to read schedule after expiry")
			s.register(now.Add(s.cfg.Cadence))
			return
		}
		if ok && !rec.Completed {
			s.logger.Info().Str("opportunity", opp.ID.String()).Msg("Wake-up expired, requesting another")
			s.register(now.Add(s.cfg.Cadence))
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Expiry not handled")
	}
}

func (s *Service) handleWakeUp(ctx context.Context, opp *scheduler.Opportunity) {
	now := s.clock.Now()
	log := s.logger.With().Str("opportunity", opp.ID.String()).Logger()

	rec, ok, err := s.store.Get(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read schedule")
		s.register(now.Add(s.cfg.Cadence))
		return
	}
	if !ok {
		log.Debug().Msg("No download scheduled")
		return
	}

	switch {
	case rec.Completed:
		log.Debug().Msg("Scheduled download already started")
	case s.inFlight:
		log.Debug().Msg("Transfer in flight, not starting another")
	case !rec.Due(now):
		log.Debug().Time("target", rec.TargetTime).Msg("Scheduled download not due yet")
	default:
		rec = s.startTransfer(ctx, rec, now)
	}

	if !rec.Completed {
		s.register(now.Add(s.cfg.Cadence))
	}
}

// startTransfer marks the schedule completed and then starts the engine. If
// the mark cannot be persisted the transfer is not started. If the engine is
// still busy the mark is undone and the returned record is not completed.
func (s *Service) startTransfer(ctx context.Context, rec schedulestore.Record, now time.Time) schedulestore.Record {
	marked := rec
	marked.Completed = true
	if err := s.store.Set(ctx, marked); err != nil {
		s.logger.Error().Err(err).Msg("Failed to mark schedule completed, not starting transfer")
		return rec
	}

	s.startedAt = now
	id, err := s.engine.Start(s.cfg.URL)
	if errors.Is(err, transfer.ErrTransferActive) {
		// The engine still holds a previous task. Undo the mark so the next
		// wake-up tries again.
		s.logger.Warn().Msg("Engine busy with a previous transfer, deferring start")
		setErr := s.store.Set(ctx, rec)
		if setErr == nil {
			return rec
		}
		s.logger.Error().Err(setErr).Msg("Failed to restore schedule after deferred start")
	}

	s.inFlight = true
	s.publish(progress.Downloading(0, 0))
	if err != nil {
		s.logger.Error().Err(err).Str("url", s.cfg.URL).Msg("Failed to start transfer")
		s.fail(err)
		return marked
	}

	s.logger.Info().Str("task", id).Str("url", s.cfg.URL).Msg("Transfer started")
	return marked
}

// register asks the scheduler for a wake-up no earlier than floor. A failed
// request is recorded and retried off the event loop.
func (s *Service) register(floor time.Time) {
	if s.retryCancel != nil {
		s.retryCancel()
		s.retryCancel = nil
	}

	req := scheduler.Request{Identifier: s.cfg.TaskIdentifier, EarliestStartTime: floor}
	err := s.scheduler.Submit(req)
	if err == nil {
		s.lastSchedulingError = nil
		return
	}

	s.schedulingFailed(err)

	ctx, cancel := context.WithCancel(context.Background())
	s.retryCancel = cancel
	s.wg.Add(1)
	go s.retryRegister(ctx, req)
}

func (s *Service) schedulingFailed(err error) {
	now := s.clock.Now()
	s.lastSchedulingError = err
	s.lastSchedulingErrorAt = now

	s.logger.Error().Err(err).Str("identifier", s.cfg.TaskIdentifier).Msg("Wake-up registration failed")
	s.broadcast(EventScheduleError, ScheduleErrorEvent{
		Identifier: s.cfg.TaskIdentifier,
		Error:      err.Error(),
		At:         now,
	})
	s.notifier.Notify("Scheduling failed", err.Error())
}

// retryRegister resubmits req with backoff. Each attempt runs on the event
// loop so a newer registration always wins over a stale retry.
func (s *Service) retryRegister(ctx context.Context, req scheduler.Request) {
	defer s.wg.Done()

	initial := s.clock.NewTimer(s.cfg.Retry.InitialDelay)
	defer initial.Stop()
	select {
	case <-initial.Chan():
	case <-ctx.Done():
		return
	case <-s.quit:
		return
	}

	err := retry.Do(ctx, "register wake-up", s.cfg.Retry, isRetryableSchedulingError, func(ctx context.Context) error {
		var submitErr error
		if err := s.do(ctx, func() {
			if ctx.Err() != nil {
				submitErr = ctx.Err()
				return
			}
			if submitErr = s.scheduler.Submit(req); submitErr == nil {
				s.lastSchedulingError = nil
				s.logger.Info().Time("floor", req.EarliestStartTime).Msg("Wake-up registration recovered")
			} else {
				s.lastSchedulingError = submitErr
				s.lastSchedulingErrorAt = s.clock.Now()
			}
		}); err != nil {
			return err
		}
		return submitErr
	}, s.logger)

	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrStopped) {
		s.logger.Error().Err(err).Msg("Giving up on wake-up registration")
	}
}

func isRetryableSchedulingError(err error) bool {
	var schedErr *scheduler.SchedulingError
	if !errors.As(err, &schedErr) {
		return false
	}
	return !errors.Is(err, scheduler.ErrNotRegistered) && !errors.Is(err, scheduler.ErrSchedulerStopped)
}

// OnWritten publishes transfer progress.
func (s *Service) OnWritten(bytesWritten, totalWritten, totalExpected int64) {
	s.post("progress", func() {
		if !s.inFlight {
			return
		}
		elapsed := s.elapsed()
		if p, ok := progress.Fraction(totalWritten, totalExpected); ok {
			s.publish(progress.Downloading(p, elapsed))
		} else {
			s.publish(progress.DownloadingIndeterminate(elapsed))
		}
	})
}

// OnFinished moves the artifact into place and publishes the outcome. A
// finish with no transfer in flight still replaces the artifact but leaves
// the state alone.
func (s *Service) OnFinished(tempLocation string) {
	s.post("finish", func() {
		size, err := s.replaceArtifact(tempLocation)

		if !s.inFlight {
			s.logger.Warn().Err(err).Str("temp", tempLocation).Msg("Transfer finished with nothing in flight")
			return
		}

		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to place downloaded file")
			s.fail(err)
			return
		}

		elapsed := s.elapsed()
		s.inFlight = false
		s.publish(progress.Completed(s.cfg.DestinationPath, size, elapsed))
		s.logger.Info().
			Str("path", s.cfg.DestinationPath).
			Int64("size", size).
			Dur("elapsed", elapsed).
			Msg("Download completed")
		s.notifier.Notify("Download complete", fmt.Sprintf("Saved %d bytes to %s", size, s.cfg.DestinationPath))
	})
}

// OnTaskError publishes a transfer failure.
func (s *Service) OnTaskError(err error) {
	s.post("task error", func() {
		if !s.inFlight {
			s.logger.Warn().Err(err).Msg("Transfer error with nothing in flight")
			return
		}
		s.logger.Error().Err(err).Msg("Transfer failed")
		s.fail(err)
	})
}

// OnSessionInvalid publishes a session failure regardless of the current state.
func (s *Service) OnSessionInvalid(err error) {
	s.post("session invalid", func() {
		elapsed := s.elapsed()
		s.inFlight = false
		s.logger.Error().Err(err).Msg("Transfer session invalid")
		if pubErr := s.publisher.SetFailedFromSession(progress.Failed(progress.ErrorKindSessionInvalid, err, elapsed)); pubErr != nil {
			s.logger.Warn().Err(pubErr).Msg("Failed to publish state")
		}
		s.notifier.Notify("Download failed", err.Error())
	})
}

// Restore re-establishes the wake-up registration after a process start.
func (s *Service) Restore(ctx context.Context) error {
	var getErr error
	err := s.do(ctx, func() {
		now := s.clock.Now()
		rec, ok, err := s.store.Get(ctx)
		if err != nil {
			getErr = fmt.Errorf("failed to read schedule: %w", err)
			return
		}
		if !ok {
			s.logger.Info().Msg("No download scheduled")
			return
		}

		if !rec.Completed {
			floor := rec.TargetTime
			if next := now.Add(s.cfg.Cadence); next.Before(floor) {
				floor = next
			}
			if floor.Before(now) {
				floor = now
			}
			s.logger.Info().Time("target", rec.TargetTime).Time("wakeUpAt", floor).Msg("Restoring scheduled download")
			s.register(floor)
			return
		}

		if !s.inFlight {
			// The transfer started before the restart is gone and the record
			// says it was started, so nothing will retry it.
			s.logger.Warn().Time("target", rec.TargetTime).Msg("Scheduled download was started before restart and did not survive it")
		}
	})
	if err != nil {
		return err
	}
	return getErr
}

// Status returns a snapshot of the schedule and the published state.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var (
		st     Status
		getErr error
	)
	err := s.do(ctx, func() {
		rec, ok, err := s.store.Get(ctx)
		if err != nil {
			getErr = fmt.Errorf("failed to read schedule: %w", err)
			return
		}
		if ok {
			target := rec.TargetTime
			st.Scheduled = true
			st.TargetTime = &target
			st.Completed = rec.Completed
		}
		st.InFlight = s.inFlight
		if s.lastSchedulingError != nil {
			at := s.lastSchedulingErrorAt
			st.LastSchedulingError = s.lastSchedulingError.Error()
			st.LastSchedulingErrorAt = &at
		}
		st.State = s.publisher.Current()
	})
	if err != nil {
		return Status{}, err
	}
	return st, getErr
}

// post runs fn on the event loop for an engine callback.
func (s *Service) post(event string, fn func()) {
	if err := s.do(context.Background(), fn); err != nil {
		s.logger.Debug().Err(err).Str("event", event).Msg("Dropped transfer event")
	}
}

func (s *Service) fail(err error) {
	elapsed := s.elapsed()
	s.inFlight = false
	s.publish(progress.Failed(errorKind(err), err, elapsed))
	s.notifier.Notify("Download failed", err.Error())
}

func (s *Service) publish(state progress.State) {
	if err := s.publisher.Set(state); err != nil {
		s.logger.Warn().Err(err).Str("state", state.String()).Msg("Failed to publish state")
	}
}

func (s *Service) elapsed() time.Duration {
	if s.startedAt.IsZero() {
		return 0
	}
	return s.clock.Since(s.startedAt)
}
