// Package registry implements the Agent Registry: the
// concurrent, in-memory table of every agent connection the exchange
// currently knows about, along with health transitions and bid-exclusion
// state driven by the circuit breaker.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Health mirrors its AgentStatus enum, narrowed to the two states
// the auction cares about: a healthy agent is solicited for bids, an
// unhealthy one is not removed but stops being asked.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// Record is one agent's registration entry.
type Record struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Health       Health    `json:"health"`
	BidExcluded  bool      `json:"bid_excluded"` // circuit breaker tripped
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`

	consecutiveFailures int
}

// Registry is the concurrent agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Record

	heartbeatTimeout    time.Duration
	unhealthyAfterFails int
}

// New creates a registry. internal/exchange passes heartbeatTimeout from
// internal/config's Transport knobs and a fixed unhealthyAfterFails of 3.
func New(heartbeatTimeout time.Duration, unhealthyAfterFails int) *Registry {
	return &Registry{
		agents:              make(map[string]*Record),
		heartbeatTimeout:    heartbeatTimeout,
		unhealthyAfterFails: unhealthyAfterFails,
	}
}

// Register adds a new agent or re-registers an existing one (reconnect),
// resetting its health and failure count.
func (r *Registry) Register(id string, capabilities []string) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	rec, exists := r.agents[id]
	if !exists {
		rec = &Record{ID: id, RegisteredAt: now}
		r.agents[id] = rec
	}
	rec.Capabilities = capabilities
	rec.Health = HealthHealthy
	rec.BidExcluded = false
	rec.LastSeen = now
	rec.consecutiveFailures = 0
	return rec
}

// Heartbeat marks an agent as seen, restoring it to healthy if it had
// timed out but is still talking to us again.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("agent not registered: %s", id)
	}
	rec.LastSeen = time.Now()
	rec.Health = HealthHealthy
	return nil
}

// RecordFailure increments an agent's consecutive failure count (the
// exchange calls it when an execution attempt busts), flipping it to
// unhealthy once the count reaches unhealthyAfterFails. A settled task
// resets the counter via RecordSuccess.
func (r *Registry) RecordFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[id]
	if !ok {
		return
	}
	rec.consecutiveFailures++
	if rec.consecutiveFailures >= r.unhealthyAfterFails {
		rec.Health = HealthUnhealthy
	}
}

// RecordSuccess resets an agent's consecutive failure count.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.consecutiveFailures = 0
	}
}

// SetBidExcluded sets or clears the circuit-breaker exclusion flag for an
// agent.
// Exclusion is distinct from Health: an excluded agent is still "healthy"
// for heartbeat purposes but is not solicited for bids while excluded.
func (r *Registry) SetBidExcluded(id string, excluded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.agents[id]; ok {
		rec.BidExcluded = excluded
	}
}

// Remove drops an agent's registration entirely, reporting whether it was
// present. Called when the agent's connection closes.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return false
	}
	delete(r.agents, id)
	return true
}

// ByID returns a copy of an agent's record.
func (r *Registry) ByID(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// sweepLocked marks any agent whose last heartbeat is older than the
// configured timeout as unhealthy. Must hold r.mu for writing.
func (r *Registry) sweepLocked() {
	cutoff := time.Now().Add(-r.heartbeatTimeout)
	for _, rec := range r.agents {
		if rec.LastSeen.Before(cutoff) {
			rec.Health = HealthUnhealthy
		}
	}
}

// Sweep runs the periodic health sweep outside
// any single request path.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
}

// All returns every agent record, running a health sweep first so callers
// always see current health.
func (r *Registry) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	out := make([]Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	return out
}

// Healthy returns agents that are healthy and not bid-excluded.
func (r *Registry) Healthy() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	var out []Record
	for _, rec := range r.agents {
		if rec.Health == HealthHealthy && !rec.BidExcluded {
			out = append(out, *rec)
		}
	}
	return out
}

// Biddable returns every non-excluded agent regardless of health — the
// candidate pool an open auction solicits from. An agent that missed a
// heartbeat may still answer a bid request; it only stops being asked once
// the bidder circuit narrows solicitation to confirmed-healthy agents.
func (r *Registry) Biddable() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	var out []Record
	for _, rec := range r.agents {
		if !rec.BidExcluded {
			out = append(out, *rec)
		}
	}
	return out
}

// Filter returns biddable agents whose ID is in allowed, or every biddable
// agent if allowed is empty, so an absent agentFilter means an open round.
func (r *Registry) Filter(allowed []string) []Record {
	biddable := r.Biddable()
	if len(allowed) == 0 {
		return biddable
	}

	allowSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowSet[id] = true
	}

	var out []Record
	for _, rec := range biddable {
		if allowSet[rec.ID] {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the total number of registered agents, regardless of
// health.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
