// Package metrics exposes exchange-level operational gauges and counters
// over Prometheus: auction/execution/dead-letter/circuit state, the
// things an operator watching /metrics actually needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskexchange/exchange/internal/events"
)

// Collector owns the exchange's Prometheus registry and updates it by
// subscribing to the event bus.
type Collector struct {
	registry *prometheus.Registry

	auctionsOpen      prometheus.Gauge
	tasksInFlight     prometheus.Gauge
	tasksQueued       prometheus.Counter
	auctionsStarted   prometheus.Counter
	auctionsHalted    *prometheus.CounterVec
	tasksSettled      prometheus.Counter
	tasksBusted       *prometheus.CounterVec
	tasksDeadLettered prometheus.Counter
	tasksCancelled    prometheus.Counter
	agentsConnected   prometheus.Gauge
	agentsFlagged     prometheus.Counter
}

// NewCollector creates a Collector with its own Prometheus registry, so
// multiple exchange instances in one process (tests) don't collide on
// the default global registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		auctionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_auctions_open",
			Help: "Number of auctions currently soliciting bids.",
		}),
		tasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_tasks_in_flight",
			Help: "Number of tasks assigned and executing.",
		}),
		tasksQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_tasks_queued_total",
			Help: "Total tasks submitted to the exchange.",
		}),
		auctionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_auctions_started_total",
			Help: "Total auctions started.",
		}),
		auctionsHalted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_auctions_halted_total",
			Help: "Total auctions halted, labeled by reason.",
		}, []string{"reason"}),
		tasksSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_tasks_settled_total",
			Help: "Total tasks settled successfully.",
		}),
		tasksBusted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_tasks_busted_total",
			Help: "Total tasks busted, labeled by reclaim reason.",
		}, []string{"reason"}),
		tasksDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_tasks_dead_lettered_total",
			Help: "Total tasks that exhausted all reclaim attempts.",
		}),
		tasksCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_tasks_cancelled_total",
			Help: "Total tasks cancelled by a user.",
		}),
		agentsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_agents_connected",
			Help: "Number of agents currently connected.",
		}),
		agentsFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "exchange_agents_flagged_total",
			Help: "Total agent-flagged events (reputation or transport faults).",
		}),
	}
}

// Registry returns the Prometheus registry for wiring into promhttp.Handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe updates gauges/counters from a single event. Safe to call from
// the bus's delivery goroutine.
func (c *Collector) Observe(event events.Event) {
	switch event.Type {
	case events.TaskQueued:
		c.tasksQueued.Inc()
	case events.AuctionStarted:
		c.auctionsStarted.Inc()
		c.auctionsOpen.Inc()
	case events.ExchangeHalt:
		c.auctionsOpen.Dec()
		c.auctionsHalted.WithLabelValues(haltReason(event)).Inc()
	case events.TaskAssigned:
		c.auctionsOpen.Dec()
		c.tasksInFlight.Inc()
	case events.TaskSettled:
		c.tasksInFlight.Dec()
		c.tasksSettled.Inc()
	case events.TaskBusted:
		c.tasksBusted.WithLabelValues(bustReason(event)).Inc()
	case events.TaskDeadLetter:
		c.tasksInFlight.Dec()
		c.tasksDeadLettered.Inc()
	case events.TaskCancelled:
		c.tasksCancelled.Inc()
	case events.AgentConnected:
		c.agentsConnected.Inc()
	case events.AgentDisconnected:
		c.agentsConnected.Dec()
	case events.AgentFlagged:
		c.agentsFlagged.Inc()
	}
}

// ListenAndObserve subscribes to the bus and feeds every event to Observe
// until the bus closes the subscription channel.
func (c *Collector) ListenAndObserve(bus *events.Bus) {
	ch := bus.Subscribe("all", events.AllEventTypes())
	go func() {
		for event := range ch {
			c.Observe(event)
		}
	}()
}

func haltReason(event events.Event) string {
	if reason, ok := event.Payload["reason"].(string); ok && reason != "" {
		return reason
	}
	return "unknown"
}

func bustReason(event events.Event) string {
	if reason, ok := event.Payload["reason"].(string); ok && reason != "" {
		return reason
	}
	return "unknown"
}
