// Package progress holds the observable download state and notifies
// subscribers when it changes. The state is also pushed to connected
// WebSocket clients.
package progress

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// EventTypeState is the hub message type carrying the current State.
const EventTypeState = "download:state"

// Broadcaster defines the interface for broadcasting messages.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// validTransitions lists the statuses each status may move to.
// Failed is additionally reachable from any status through SetFailedFromSession.
var validTransitions = map[Status][]Status{
	StatusIdle:        {StatusDownloading},
	StatusDownloading: {StatusDownloading, StatusCompleted, StatusFailed},
	StatusCompleted:   {StatusDownloading},
	StatusFailed:      {StatusDownloading},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Subscriber receives every accepted state.
type Subscriber func(State)

type subscription struct {
	id int
	fn Subscriber
}

// Publisher holds the current State and notifies subscribers synchronously
// on the goroutine that calls Set. The download service only calls Set from
// its event loop, so subscribers observe all mutations on that one goroutine
// and in order.
type Publisher struct {
	mu      sync.RWMutex
	current State
	subs    []subscription
	nextID  int
	hub     Broadcaster
	logger  zerolog.Logger
}

// NewPublisher creates a publisher in the Idle state. hub may be nil.
func NewPublisher(hub Broadcaster, logger zerolog.Logger) *Publisher {
	return &Publisher{
		current: Idle(),
		hub:     hub,
		logger:  logger.With().Str("component", "progress").Logger(),
	}
}

// Current returns the current state. Safe from any goroutine.
func (p *Publisher) Current() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe registers fn and returns a function that removes it.
func (p *Publisher) Subscribe(fn Subscriber) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscription{id: id, fn: fn})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, s := range p.subs {
			if s.id == id {
				p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// Set validates the transition, stores next and notifies subscribers.
func (p *Publisher) Set(next State) error {
	return p.set(next, false)
}

// SetFailedFromSession publishes a Failed state regardless of the current
// status. It is used when the transfer session is torn down underneath us.
func (p *Publisher) SetFailedFromSession(next State) error {
	if next.Status != StatusFailed {
		return fmt.Errorf("session invalidation must publish %s, got %s", StatusFailed, next.Status)
	}
	return p.set(next, true)
}

func (p *Publisher) set(next State, force bool) error {
	p.mu.Lock()
	prev := p.current
	if !force && !CanTransition(prev.Status, next.Status) {
		p.mu.Unlock()
		p.logger.Warn().
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Msg("Rejected invalid state transition")
		return fmt.Errorf("invalid transition from %s to %s", prev.Status, next.Status)
	}
	p.current = next
	subs := make([]subscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	if prev.Status != next.Status {
		p.logger.Debug().
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Msg("State changed")
	}

	for _, s := range subs {
		s.fn(next)
	}

	p.broadcast(next)
	return nil
}

// broadcast sends the state to all connected clients.
func (p *Publisher) broadcast(state State) {
	if p.hub == nil {
		return
	}
	if err := p.hub.Broadcast(EventTypeState, state); err != nil {
		p.logger.Debug().Err(err).Msg("Failed to broadcast state")
	}
}
