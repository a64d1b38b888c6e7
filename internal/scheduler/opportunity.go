package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Opportunity is a single time-bounded grant to run. It is completed exactly
// once, either by the handler or by the scheduler when the window closes.
type Opportunity struct {
	ID         uuid.UUID
	Identifier string
	GrantedAt  time.Time
	Deadline   time.Time

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	success bool
}

// NewOpportunity creates an opportunity for identifier that expires window
// after grantedAt.
func NewOpportunity(identifier string, grantedAt time.Time, window time.Duration) *Opportunity {
	return &Opportunity{
		ID:         uuid.New(),
		Identifier: identifier,
		GrantedAt:  grantedAt,
		Deadline:   grantedAt.Add(window),
		done:       make(chan struct{}),
	}
}

// SetCompleted releases the opportunity. Only the first call has effect.
func (o *Opportunity) SetCompleted(success bool) {
	o.once.Do(func() {
		o.mu.Lock()
		o.success = success
		o.mu.Unlock()
		close(o.done)
	})
}

// Done is closed once the opportunity has been completed.
func (o *Opportunity) Done() <-chan struct{} {
	return o.done
}

// IsCompleted reports whether SetCompleted has been called.
func (o *Opportunity) IsCompleted() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// Succeeded reports the value passed to the first SetCompleted call.
func (o *Opportunity) Succeeded() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.success
}
