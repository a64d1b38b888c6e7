package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSendTimeout bounds a single notifier delivery.
const DefaultSendTimeout = 10 * time.Second

// Service fans notifications out to all configured notifiers. Delivery is
// fire-and-forget: failures are logged and never reported to the caller.
type Service struct {
	logger  zerolog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	notifiers []Notifier
	wg        sync.WaitGroup
}

// NewService creates a new notification service
func NewService(logger zerolog.Logger) *Service {
	return &Service{
		logger:  logger.With().Str("component", "notification").Logger(),
		timeout: DefaultSendTimeout,
	}
}

// SetTimeout changes the per-delivery timeout.
func (s *Service) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = d
}

// Add registers notifiers.
func (s *Service) Add(notifiers ...Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, notifiers...)
	for _, n := range notifiers {
		s.logger.Info().Str("name", n.Name()).Str("type", string(n.Type())).Msg("Registered notifier")
	}
}

// List returns the registered notifiers.
func (s *Service) List() []Notifier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notifier, len(s.notifiers))
	copy(out, s.notifiers)
	return out
}

// Notify sends title and body to every notifier without waiting.
func (s *Service) Notify(title, body string) {
	msg := Message{Title: title, Body: body, Timestamp: time.Now().UTC()}

	s.mu.RLock()
	notifiers := make([]Notifier, len(s.notifiers))
	copy(notifiers, s.notifiers)
	timeout := s.timeout
	s.mu.RUnlock()

	if len(notifiers) == 0 {
		return
	}

	s.logger.Debug().
		Str("title", title).
		Int("count", len(notifiers)).
		Msg("Dispatching notification")

	for _, n := range notifiers {
		s.wg.Add(1)
		go s.send(n, msg, timeout)
	}
}

func (s *Service) send(n Notifier, msg Message, timeout time.Duration) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := n.Send(ctx, msg); err != nil {
		s.logger.Error().
			Err(err).
			Str("name", n.Name()).
			Str("type", string(n.Type())).
			Msg("Notification failed")
		return
	}
	s.logger.Debug().
		Str("name", n.Name()).
		Str("title", msg.Title).
		Msg("Notification sent successfully")
}

// Test sends a test notification through every notifier and waits for the results.
func (s *Service) Test(ctx context.Context) []TestResult {
	notifiers := s.List()
	results := make([]TestResult, len(notifiers))

	var wg sync.WaitGroup
	for i, n := range notifiers {
		wg.Add(1)
		go func(i int, n Notifier) {
			defer wg.Done()
			res := TestResult{Name: n.Name(), Type: string(n.Type()), Success: true, Message: "Notification test successful"}
			if err := n.Test(ctx); err != nil {
				res.Success = false
				res.Message = err.Error()
			}
			results[i] = res
		}(i, n)
	}
	wg.Wait()
	return results
}

// Wait blocks until all in-progress deliveries have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
