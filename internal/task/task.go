package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/courtkeeper/internal/gateway"
)

type Kind string

const (
	KindScan  Kind = "scan"
	KindLease Kind = "lease"
)

type State string

const (
	StateScanning State = "Scanning"
	StateHeld     State = "Held"
	StateRenewing State = "Renewing"
	StateLost     State = "Lost"
	StateStopped  State = "Stopped"
)

// Terminal reports whether a worker in this state has finished for good.
func (s State) Terminal() bool {
	return s == StateLost || s == StateStopped
}

// Task is one scan or lease worker's shared record. The registry lock only
// guards the id map; each task's mutable fields are guarded by the task's
// own mutex so listings never block on registry mutations and vice versa.
type Task struct {
	ID        string
	Account   string
	Resource  gateway.ResourceKey
	Price     float64
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	kind          Kind
	state         State
	detail        string
	renewCount    int
	lastSuccessAt time.Time
}

// Info is an immutable listing snapshot.
type Info struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	State         State     `json:"state"`
	Account       string    `json:"account"`
	Description   string    `json:"description"`
	RenewCount    int       `json:"renewCount"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Context carries the task's cancellation signal; every wait and retry loop
// in the owning worker selects on it.
func (t *Task) Context() context.Context { return t.ctx }

// Stop requests cooperative termination. Safe to call any number of times,
// before or after the worker exits.
func (t *Task) Stop() { t.cancel() }

// Stopping reports whether a stop has been requested.
func (t *Task) Stopping() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

func (t *Task) Kind() Kind {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kind
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState records a transition plus a human-readable detail line.
func (t *Task) SetState(state State, detail string) {
	t.mu.Lock()
	t.state = state
	if detail != "" {
		t.detail = detail
	}
	t.mu.Unlock()
}

// LastSuccessAt is the base of the current lease period.
func (t *Task) LastSuccessAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSuccessAt
}

func (t *Task) RenewCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.renewCount
}

// RecordRenewal advances the lease period base after a confirmed renewal.
// lastSuccessAt only ever moves forward.
func (t *Task) RecordRenewal(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.lastSuccessAt) {
		t.lastSuccessAt = at
	}
	t.renewCount++
	t.state = StateHeld
}

// ConvertToLease flips a successful scan into a held lease in one step, so
// the task never appears in listings as both (or neither) kind.
func (t *Task) ConvertToLease(resource gateway.ResourceKey, price float64, at time.Time) {
	t.mu.Lock()
	t.kind = KindLease
	t.state = StateHeld
	t.Resource = resource
	t.Price = price
	if at.After(t.lastSuccessAt) {
		t.lastSuccessAt = at
	}
	t.detail = fmt.Sprintf("holding %s", resource)
	t.mu.Unlock()
}

func (t *Task) Snapshot() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Info{
		ID:            t.ID,
		Kind:          t.kind,
		State:         t.state,
		Account:       t.Account,
		Description:   t.detail,
		RenewCount:    t.renewCount,
		LastSuccessAt: t.lastSuccessAt,
		CreatedAt:     t.CreatedAt,
	}
}
