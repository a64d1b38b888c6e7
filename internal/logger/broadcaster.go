package logger

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// EventLogEntry is the hub message type carrying a single log entry.
const EventLogEntry = "logs:entry"

const defaultStreamCapacity = 1000

// Broadcaster pushes a typed message to connected clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// LogEntry is one decoded zerolog line as served by /api/v1/logs and the
// logs:entry push.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogStream is the zerolog writer behind the logs endpoints. Every entry is
// kept in a ring buffer; entries at or above pushLevel also go to the hub.
type LogStream struct {
	entries   *RingBuffer[LogEntry]
	pushLevel zerolog.Level

	mu  sync.RWMutex
	hub Broadcaster
}

// NewLogStream keeps the newest capacity entries. Nothing is pushed until
// Attach is called.
func NewLogStream(capacity int, pushLevel zerolog.Level) *LogStream {
	if capacity <= 0 {
		capacity = defaultStreamCapacity
	}
	return &LogStream{
		entries:   NewRingBuffer[LogEntry](capacity),
		pushLevel: pushLevel,
	}
}

// Attach starts pushing entries to hub.
func (s *LogStream) Attach(hub Broadcaster) {
	s.mu.Lock()
	s.hub = hub
	s.mu.Unlock()
}

// Write decodes one JSON line. Lines that are not JSON are dropped but still
// reported as written so zerolog keeps going.
func (s *LogStream) Write(p []byte) (int, error) {
	entry, level, ok := decodeEntry(p)
	if !ok {
		return len(p), nil
	}
	s.entries.Push(entry)

	s.mu.RLock()
	hub := s.hub
	s.mu.RUnlock()

	if hub != nil && level >= s.pushLevel {
		// Dropped when the hub queue is full.
		_ = hub.Broadcast(EventLogEntry, entry)
	}
	return len(p), nil
}

// Entries returns every buffered entry, oldest first.
func (s *LogStream) Entries() []LogEntry {
	return s.entries.GetAll()
}

// Tail returns at most limit of the newest entries.
func (s *LogStream) Tail(limit int) []LogEntry {
	return s.entries.Last(limit)
}

func decodeEntry(line []byte) (LogEntry, zerolog.Level, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, zerolog.NoLevel, false
	}

	take := func(key string) string {
		v, ok := raw[key].(string)
		if ok {
			delete(raw, key)
		}
		return v
	}

	entry := LogEntry{
		Timestamp: take(zerolog.TimestampFieldName),
		Level:     take(zerolog.LevelFieldName),
		Component: take("component"),
		Message:   take(zerolog.MessageFieldName),
		Error:     take(zerolog.ErrorFieldName),
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}

	level, err := zerolog.ParseLevel(entry.Level)
	if err != nil {
		level = zerolog.NoLevel
	}
	return entry, level, true
}
