package downloader

import (
	"time"
)

// Hub message types emitted by the service. State changes are broadcast by
// the progress publisher.
const (
	EventScheduleUpdated = "schedule:updated"
	EventScheduleError   = "schedule:error"
)

// Broadcaster defines the interface for broadcasting messages.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{}) error
}

// ScheduleUpdatedEvent is sent when a new schedule record is written.
type ScheduleUpdatedEvent struct {
	TargetTime time.Time `json:"targetTime"`
	WakeUpAt   time.Time `json:"wakeUpAt"`
}

// ScheduleErrorEvent is sent when a wake-up request is rejected.
type ScheduleErrorEvent struct {
	Identifier string    `json:"identifier"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

func (s *Service) broadcast(msgType string, payload interface{}) {
	s.hubMu.RLock()
	hub := s.hub
	s.hubMu.RUnlock()

	if hub == nil {
		return
	}
	if err := hub.Broadcast(msgType, payload); err != nil {
		s.logger.Debug().Err(err).Str("type", msgType).Msg("Failed to broadcast event")
	}
}
