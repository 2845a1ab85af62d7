package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskexchange/exchange/internal/events"
)

// CircuitBreaker trips per-agent after too many consecutive busts or
// dead-letters land on that agent within a window, and reports the
// tripped state as a gauge so an operator can see it on /metrics before
// the reputation tracker's decay would otherwise surface the same
// signal.
type CircuitBreaker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	failures  map[string][]time.Time
	open      map[string]bool

	state *prometheus.GaugeVec
	bus   *events.Bus
}

// NewCircuitBreaker creates a breaker that trips an agent after
// threshold consecutive faults within window.
func NewCircuitBreaker(reg *prometheus.Registry, bus *events.Bus, window time.Duration, threshold int) *CircuitBreaker {
	factory := promauto.With(reg)
	return &CircuitBreaker{
		window:    window,
		threshold: threshold,
		failures:  make(map[string][]time.Time),
		open:      make(map[string]bool),
		bus:       bus,
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exchange_agent_circuit_open",
			Help: "1 if an agent's circuit is open (too many consecutive faults), 0 otherwise.",
		}, []string{"agent_id"}),
	}
}

// RecordFault registers a bust or dead-letter against agentID.
func (c *CircuitBreaker) RecordFault(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	faults := append(c.pruneLocked(agentID, now), now)
	c.failures[agentID] = faults

	if len(faults) >= c.threshold && !c.open[agentID] {
		c.open[agentID] = true
		c.state.WithLabelValues(agentID).Set(1)
		if c.bus != nil {
			c.bus.Publish(events.NewEvent(events.AgentFlagged, agentID, "all", events.PriorityHigh,
				map[string]interface{}{"reason": "circuit_open", "consecutive_faults": len(faults)}))
		}
	}
}

// RecordSuccess clears an agent's fault streak and closes its circuit.
func (c *CircuitBreaker) RecordSuccess(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.failures, agentID)
	if c.open[agentID] {
		c.open[agentID] = false
		c.state.WithLabelValues(agentID).Set(0)
	}
}

// IsOpen reports whether agentID's circuit is currently open.
func (c *CircuitBreaker) IsOpen(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open[agentID]
}

func (c *CircuitBreaker) pruneLocked(agentID string, now time.Time) []time.Time {
	kept := c.failures[agentID][:0]
	for _, t := range c.failures[agentID] {
		if now.Sub(t) <= c.window {
			kept = append(kept, t)
		}
	}
	return kept
}

// ListenAndTrip subscribes to the bus and feeds task:busted/dead_letter
// faults and task:settled successes into the breaker, keyed by the
// event's source agent.
func (c *CircuitBreaker) ListenAndTrip(bus *events.Bus) {
	ch := bus.Subscribe("all", []events.EventType{events.TaskBusted, events.TaskDeadLetter, events.TaskSettled})
	go func() {
		for event := range ch {
			if event.Source == "" {
				continue
			}
			switch event.Type {
			case events.TaskBusted, events.TaskDeadLetter:
				c.RecordFault(event.Source)
			case events.TaskSettled:
				c.RecordSuccess(event.Source)
			}
		}
	}()
}
