// Package subtasks implements the Subtask Registry: tracking
// of parent -> children task relationships produced by decomposition, plus
// the locked-vs-open routing mode enforcement a subtask needs (a subtask
// spawned from an agent's own decomposition is often locked back to that
// same agent) and a submit-and-wait future for callers that need a
// subtask's settlement before continuing. The Task Store itself is a flat
// map; the hierarchy lives only here.
package subtasks

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskexchange/exchange/internal/tasks"
)

// Registry tracks parent -> children relationships for decomposed tasks.
type Registry struct {
	mu       sync.RWMutex
	children map[string][]string // parent task id -> child task ids
	parents  map[string]string   // child task id -> parent task id

	waiters map[string]chan *tasks.Task // child task id -> waiter, for SubmitAndWait
}

// New creates an empty subtask registry.
func New() *Registry {
	return &Registry{
		children: make(map[string][]string),
		parents:  make(map[string]string),
		waiters:  make(map[string]chan *tasks.Task),
	}
}

// Link records that child is a subtask of parent.
func (r *Registry) Link(parentID, childID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children[parentID] = append(r.children[parentID], childID)
	r.parents[childID] = parentID
}

// Children returns the subtask ids spawned from parentID.
func (r *Registry) Children(parentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.children[parentID]))
	copy(out, r.children[parentID])
	return out
}

// Parent returns the parent task id for a subtask, if any.
func (r *Registry) Parent(childID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parents[childID]
	return p, ok
}

// ReleaseParent drops a parent's child links once the parent settles, so
// the index doesn't accumulate finished lineages.
func (r *Registry) ReleaseParent(parentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, child := range r.children[parentID] {
		delete(r.parents, child)
	}
	delete(r.children, parentID)
}

// RoutingModeFor decides a subtask's routing mode: locked to lockedAgentID
// when the caller asked for it (typically the decomposing agent keeping
// follow-ups to itself), open otherwise.
func RoutingModeFor(lockedAgentID string) (tasks.RoutingMode, string) {
	if lockedAgentID == "" {
		return tasks.RoutingOpen, ""
	}
	return tasks.RoutingLocked, lockedAgentID
}

// Await registers a waiter for childID's settlement and blocks until the
// caller delivers it via Deliver, ctx is cancelled, or the caller never
// arrives.
func (r *Registry) Await(ctx context.Context, childID string) (*tasks.Task, error) {
	ch := make(chan *tasks.Task, 1)

	r.mu.Lock()
	r.waiters[childID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, childID)
		r.mu.Unlock()
	}()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for subtask %s: %w", childID, ctx.Err())
	}
}

// Deliver wakes any Await call blocked on childID's settlement. A no-op if
// nobody is waiting.
func (r *Registry) Deliver(childID string, settled *tasks.Task) {
	r.mu.Lock()
	ch, ok := r.waiters[childID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- settled:
	default:
	}
}
