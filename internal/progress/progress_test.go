package progress

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu       sync.Mutex
	messages []string
	payloads []any
	err      error
}

func (h *recordingHub) Broadcast(msgType string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msgType)
	h.payloads = append(h.payloads, payload)
	return h.err
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusIdle, StatusDownloading, true},
		{StatusIdle, StatusCompleted, false},
		{StatusIdle, StatusFailed, false},
		{StatusDownloading, StatusDownloading, true},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusIdle, false},
		{StatusCompleted, StatusDownloading, true},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusIdle, false},
		{StatusFailed, StatusDownloading, true},
		{StatusFailed, StatusCompleted, false},
		{StatusFailed, StatusIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestDownloading_Clamps(t *testing.T) {
	assert.Equal(t, 0.0, Downloading(-0.5, 0).Progress)
	assert.Equal(t, 1.0, Downloading(1.7, 0).Progress)
	assert.Equal(t, 0.25, Downloading(0.25, 0).Progress)
}

func TestFraction(t *testing.T) {
	tests := []struct {
		name     string
		written  int64
		expected int64
		wantP    float64
		wantOK   bool
	}{
		{name: "unknown total", written: 500, expected: -1, wantP: 0, wantOK: false},
		{name: "zero total", written: 0, expected: 0, wantP: 0, wantOK: false},
		{name: "start", written: 0, expected: 1000, wantP: 0, wantOK: true},
		{name: "quarter", written: 250, expected: 1000, wantP: 0.25, wantOK: true},
		{name: "overshoot", written: 1500, expected: 1000, wantP: 1, wantOK: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := Fraction(tt.written, tt.expected)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.wantP, p, 1e-9)
		})
	}
}

func TestState_MarshalJSON(t *testing.T) {
	t.Run("downloading", func(t *testing.T) {
		data, err := json.Marshal(Downloading(0.5, 2*time.Second))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"downloading","progress":0.5,"elapsedSeconds":2}`, string(data))
	})

	t.Run("indeterminate", func(t *testing.T) {
		data, err := json.Marshal(DownloadingIndeterminate(time.Second))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"downloading","indeterminate":true,"elapsedSeconds":1}`, string(data))
	})

	t.Run("completed", func(t *testing.T) {
		data, err := json.Marshal(Completed("/docs/downloadedFile.zip", 1024, 3*time.Second))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"completed","location":"/docs/downloadedFile.zip","sizeBytes":1024,"elapsedSeconds":3}`, string(data))
	})

	t.Run("failed", func(t *testing.T) {
		data, err := json.Marshal(Failed(ErrorKindTransfer, errors.New("HTTP 404"), 0))
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"failed","errorKind":"transfer","error":"HTTP 404","elapsedSeconds":0}`, string(data))
	})

	t.Run("zero value is idle", func(t *testing.T) {
		data, err := json.Marshal(State{})
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"idle","elapsedSeconds":0}`, string(data))
	})
}

func TestPublisher_StartsIdle(t *testing.T) {
	p := NewPublisher(nil, zerolog.Nop())
	assert.Equal(t, StatusIdle, p.Current().Status)
}

func TestPublisher_SetNotifiesInOrder(t *testing.T) {
	hub := &recordingHub{}
	p := NewPublisher(hub, zerolog.Nop())

	var seen []State
	p.Subscribe(func(s State) { seen = append(seen, s) })

	require.NoError(t, p.Set(Downloading(0, 0)))
	require.NoError(t, p.Set(Downloading(0.5, time.Second)))
	require.NoError(t, p.Set(Completed("/docs/f.zip", 10, 2*time.Second)))

	require.Len(t, seen, 3)
	assert.Equal(t, 0.0, seen[0].Progress)
	assert.Equal(t, 0.5, seen[1].Progress)
	assert.Equal(t, StatusCompleted, seen[2].Status)
	assert.Equal(t, StatusCompleted, p.Current().Status)

	assert.Equal(t, []string{EventTypeState, EventTypeState, EventTypeState}, hub.messages)
}

func TestPublisher_RejectsInvalidTransition(t *testing.T) {
	p := NewPublisher(nil, zerolog.Nop())

	calls := 0
	p.Subscribe(func(State) { calls++ })

	err := p.Set(Completed("/docs/f.zip", 1, 0))
	assert.Error(t, err)
	assert.Equal(t, StatusIdle, p.Current().Status)
	assert.Zero(t, calls)

	require.NoError(t, p.Set(Downloading(0, 0)))
	require.NoError(t, p.Set(Completed("/docs/f.zip", 1, 0)))
	assert.Error(t, p.Set(Failed(ErrorKindTransfer, errors.New("late"), 0)))
	assert.Equal(t, StatusCompleted, p.Current().Status)
}

func TestPublisher_SetFailedFromSession(t *testing.T) {
	p := NewPublisher(nil, zerolog.Nop())

	require.NoError(t, p.SetFailedFromSession(Failed(ErrorKindSessionInvalid, errors.New("gone"), 0)))
	assert.Equal(t, StatusFailed, p.Current().Status)
	assert.Equal(t, ErrorKindSessionInvalid, p.Current().ErrorKind)

	assert.Error(t, p.SetFailedFromSession(Downloading(0, 0)))
}

func TestPublisher_Unsubscribe(t *testing.T) {
	p := NewPublisher(nil, zerolog.Nop())

	var a, b int
	unsubA := p.Subscribe(func(State) { a++ })
	p.Subscribe(func(State) { b++ })

	require.NoError(t, p.Set(Downloading(0, 0)))
	unsubA()
	unsubA()
	require.NoError(t, p.Set(Downloading(0.1, 0)))

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}

func TestPublisher_BroadcastErrorIsIgnored(t *testing.T) {
	hub := &recordingHub{err: errors.New("buffer full")}
	p := NewPublisher(hub, zerolog.Nop())

	assert.NoError(t, p.Set(Downloading(0, 0)))
	assert.Len(t, hub.messages, 1)
}
