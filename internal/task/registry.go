package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/courtkeeper/internal/gateway"
)

// Registry tracks all scan/lease tasks by id. A task stays visible from
// Create through any terminal state; Remove clears it once the outcome has
// been acknowledged.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Create registers a new task and returns it. The worker that runs it owns
// the task exclusively; everyone else observes it through snapshots.
func (r *Registry) Create(kind Kind, account string, resource gateway.ResourceKey, price float64) *Task {
	ctx, cancel := context.WithCancel(context.Background())

	state := StateScanning
	detail := fmt.Sprintf("scanning for %s", resource)
	if kind == KindLease {
		state = StateHeld
		detail = fmt.Sprintf("holding %s", resource)
	}

	t := &Task{
		ID:        newID(),
		Account:   account,
		Resource:  resource,
		Price:     price,
		CreatedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		kind:      kind,
		state:     state,
		detail:    detail,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	return t
}

func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Stop requests cancellation of the task. Idempotent: stopping an unknown
// or already-terminated task reports false but never errors.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.Stop()
	return true
}

// Remove deregisters a task.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// List returns snapshots, optionally filtered by account, newest first.
func (r *Registry) List(accountFilter string) []Info {
	r.mu.Lock()
	tasks := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		if accountFilter != "" && t.Account != accountFilter {
			continue
		}
		out = append(out, t.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func newID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}
