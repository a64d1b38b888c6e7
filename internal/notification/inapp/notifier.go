// Package inapp delivers notifications to connected UI clients and keeps the
// most recent ones for later retrieval.
package inapp

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/bgdownload/internal/notification/types"
)

// EventNotificationShow is the hub message type for a new notification.
const EventNotificationShow = "notification:show"

// NotificationRecord stores a sent notification for the UI
type NotificationRecord struct {
	ID      int64     `json:"id"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// Broadcaster interface for sending WebSocket events
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// Notifier pushes notifications to the hub and remembers the latest ones.
type Notifier struct {
	name   string
	logger zerolog.Logger

	mu          sync.RWMutex
	records     []NotificationRecord
	nextID      int64
	maxRecords  int
	broadcaster Broadcaster
}

// New creates a new in-app notifier
func New(name string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		name:       name,
		logger:     logger.With().Str("notifier", "inapp").Str("name", name).Logger(),
		records:    make([]NotificationRecord, 0),
		nextID:     1,
		maxRecords: 100,
	}
}

// SetBroadcaster sets the WebSocket broadcaster for real-time updates
func (n *Notifier) SetBroadcaster(b Broadcaster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcaster = b
}

func (n *Notifier) Type() types.NotifierType {
	return types.NotifierInApp
}

func (n *Notifier) Name() string {
	return n.name
}

func (n *Notifier) Test(ctx context.Context) error {
	return n.record("Test Notification", "This is a test notification from bgdownload", time.Now())
}

func (n *Notifier) Send(_ context.Context, msg types.Message) error {
	sentAt := msg.Timestamp
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	return n.record(msg.Title, msg.Body, sentAt)
}

// GetRecords returns all stored notification records
func (n *Notifier) GetRecords() []NotificationRecord {
	n.mu.RLock()
	defer n.mu.RUnlock()

	records := make([]NotificationRecord, len(n.records))
	copy(records, n.records)
	return records
}

// Clear removes all stored notification records
func (n *Notifier) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.records = make([]NotificationRecord, 0)
	n.nextID = 1
}

func (n *Notifier) record(title, message string, sentAt time.Time) error {
	n.mu.Lock()
	rec := NotificationRecord{
		ID:      n.nextID,
		Title:   title,
		Message: message,
		SentAt:  sentAt,
	}
	n.nextID++

	if len(n.records) >= n.maxRecords {
		n.records = n.records[1:]
	}
	n.records = append(n.records, rec)

	broadcaster := n.broadcaster
	n.mu.Unlock()

	if broadcaster == nil {
		return nil
	}
	return broadcaster.Broadcast(EventNotificationShow, rec)
}
