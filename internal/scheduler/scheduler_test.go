package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "com.example.test.refresh"

type recordingHandler struct {
	mu       sync.Mutex
	wakeUps  []*Opportunity
	expired  []*Opportunity
	complete bool
	block    chan struct{}
}

func (h *recordingHandler) OnWakeUp(ctx context.Context, opp *Opportunity) {
	h.mu.Lock()
	h.wakeUps = append(h.wakeUps, opp)
	complete := h.complete
	block := h.block
	h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return
		}
	}
	if complete {
		opp.SetCompleted(true)
	}
}

func (h *recordingHandler) OnWakeUpExpired(opp *Opportunity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.expired = append(h.expired, opp)
}

func (h *recordingHandler) counts() (wakeUps, expired int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.wakeUps), len(h.expired)
}

func newTestScheduler(t *testing.T, window time.Duration) *Scheduler {
	t.Helper()
	s, err := New(Options{Window: window}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSubmit_UnregisteredIdentifier(t *testing.T) {
	s := newTestScheduler(t, time.Second)

	err := s.Submit(Request{Identifier: "unknown", EarliestStartTime: time.Now()})

	var schedErr *SchedulingError
	require.ErrorAs(t, err, &schedErr)
	assert.Equal(t, "unknown", schedErr.Identifier)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegister_Duplicate(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	require.NoError(t, s.Register(testID, &recordingHandler{}))
	assert.Error(t, s.Register(testID, &recordingHandler{}))
	assert.Error(t, s.Register("", &recordingHandler{}))
}

func TestSubmit_PastTimeRunsImmediately(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	h := &recordingHandler{complete: true}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	require.NoError(t, s.Submit(Request{Identifier: testID, EarliestStartTime: time.Now().Add(-time.Hour)}))

	require.Eventually(t, func() bool {
		n, _ := h.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	opp := h.wakeUps[0]
	h.mu.Unlock()
	<-opp.Done()
	assert.True(t, opp.Succeeded())
	assert.Equal(t, testID, opp.Identifier)
}

func TestSubmit_NotBeforeEarliestStart(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	h := &recordingHandler{complete: true}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	floor := time.Now().Add(200 * time.Millisecond)
	require.NoError(t, s.Submit(Request{Identifier: testID, EarliestStartTime: floor}))

	require.Eventually(t, func() bool {
		n, _ := h.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	granted := h.wakeUps[0].GrantedAt
	h.mu.Unlock()
	assert.False(t, granted.Before(floor), "granted at %v before floor %v", granted, floor)
}

func TestSubmit_ReplacesPendingRequest(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	h := &recordingHandler{complete: true}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	require.NoError(t, s.Submit(Request{Identifier: testID, EarliestStartTime: time.Now().Add(time.Hour)}))
	require.NoError(t, s.Submit(Request{Identifier: testID, EarliestStartTime: time.Now().Add(100 * time.Millisecond)}))

	require.Eventually(t, func() bool {
		n, _ := h.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	info, err := s.GetTask(testID)
	require.NoError(t, err)
	assert.Nil(t, info.NextRun, "the hour-away request must have been replaced")
	assert.Equal(t, 1, info.Granted)
}

func TestSubmit_HeldUntilStart(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	h := &recordingHandler{complete: true}
	require.NoError(t, s.Register(testID, h))

	require.NoError(t, s.Submit(Request{Identifier: testID}))
	time.Sleep(100 * time.Millisecond)
	n, _ := h.counts()
	assert.Zero(t, n)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		n, _ := h.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpportunity_ExpiresWhenNotCompleted(t *testing.T) {
	s := newTestScheduler(t, 100*time.Millisecond)
	h := &recordingHandler{}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	require.NoError(t, s.Submit(Request{Identifier: testID}))

	require.Eventually(t, func() bool {
		_, expired := h.counts()
		return expired == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	opp := h.expired[0]
	h.mu.Unlock()
	assert.True(t, opp.IsCompleted())
	assert.False(t, opp.Succeeded())

	require.Eventually(t, func() bool {
		info, err := s.GetTask(testID)
		return err == nil && !info.Running && info.Expired == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOpportunity_ContextCancelledOnExpiry(t *testing.T) {
	s := newTestScheduler(t, 100*time.Millisecond)
	h := &recordingHandler{block: make(chan struct{})}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	require.NoError(t, s.Submit(Request{Identifier: testID}))

	require.Eventually(t, func() bool {
		_, expired := h.counts()
		return expired == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGrant_DefersWhileRunning(t *testing.T) {
	s := newTestScheduler(t, 300*time.Millisecond)
	block := make(chan struct{})
	h := &recordingHandler{complete: true, block: block}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	require.NoError(t, s.Submit(Request{Identifier: testID}))
	require.Eventually(t, func() bool {
		n, _ := h.counts()
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second request while the first opportunity is open must not overlap it.
	require.NoError(t, s.Submit(Request{Identifier: testID}))
	time.Sleep(100 * time.Millisecond)
	n, _ := h.counts()
	assert.Equal(t, 1, n)

	close(block)
	require.Eventually(t, func() bool {
		n, _ := h.counts()
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	first, second := h.wakeUps[0], h.wakeUps[1]
	h.mu.Unlock()
	assert.False(t, second.GrantedAt.Before(first.GrantedAt))
}

func TestCancel_DropsPendingRequest(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	h := &recordingHandler{complete: true}
	require.NoError(t, s.Register(testID, h))
	require.NoError(t, s.Start())

	require.NoError(t, s.Submit(Request{Identifier: testID, EarliestStartTime: time.Now().Add(100 * time.Millisecond)}))
	s.Cancel(testID)

	time.Sleep(300 * time.Millisecond)
	n, _ := h.counts()
	assert.Zero(t, n)
}

func TestStop_RejectsFurtherRequests(t *testing.T) {
	s, err := New(Options{Window: time.Second}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Register(testID, &recordingHandler{}))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())

	err = s.Submit(Request{Identifier: testID})
	assert.True(t, errors.Is(err, ErrSchedulerStopped))
}

func TestListTasks(t *testing.T) {
	s := newTestScheduler(t, time.Second)
	require.NoError(t, s.Register(testID, &recordingHandler{}))

	floor := time.Now().Add(time.Hour)
	require.NoError(t, s.Submit(Request{Identifier: testID, EarliestStartTime: floor}))

	tasks := s.ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, testID, tasks[0].ID)
	require.NotNil(t, tasks[0].NextRun)
	assert.True(t, tasks[0].NextRun.Equal(floor))
	assert.False(t, tasks[0].Running)

	_, err := s.GetTask("missing")
	assert.Error(t, err)
}

func TestOpportunity_SetCompletedOnce(t *testing.T) {
	opp := NewOpportunity(testID, time.Now(), time.Second)
	assert.False(t, opp.IsCompleted())

	opp.SetCompleted(true)
	opp.SetCompleted(false)

	assert.True(t, opp.IsCompleted())
	assert.True(t, opp.Succeeded())
	assert.Equal(t, opp.GrantedAt.Add(time.Second), opp.Deadline)
}
