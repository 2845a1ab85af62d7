// Package notify is the exchange's notification egress: dashboard/terminal/
// toast channels for local operator attention plus Slack/Discord/email
// channels for remote egress, all driven off the Event Bus. Channels
// implement one small interface and the Router fans events across them
// without ever blocking a publisher.
package notify

import (
	"log"
	"sync"

	"github.com/taskexchange/exchange/internal/events"
)

// Channel is a destination notifications can be routed to.
type Channel interface {
	Name() string
	ShouldNotify(event events.Event) bool
	Send(event events.Event) error
}

// Router dispatches events to every matching channel, fire-and-forget.
type Router struct {
	mu       sync.RWMutex
	channels []Channel
}

// NewRouter creates a router over the given channels.
func NewRouter(channels []Channel) *Router {
	if channels == nil {
		channels = []Channel{}
	}
	return &Router{channels: channels}
}

// AddChannel registers an additional channel.
func (r *Router) AddChannel(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// RemoveChannel unregisters a channel by name.
func (r *Router) RemoveChannel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	filtered := r.channels[:0]
	for _, ch := range r.channels {
		if ch.Name() != name {
			filtered = append(filtered, ch)
		}
	}
	r.channels = filtered
}

// Route sends event to every channel that wants it, asynchronously.
func (r *Router) Route(event events.Event) {
	for _, ch := range r.snapshot() {
		go r.deliver(ch, event)
	}
}

// RouteWithWait is Route but blocks until every channel has been tried.
func (r *Router) RouteWithWait(event events.Event) {
	var wg sync.WaitGroup
	for _, ch := range r.snapshot() {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			r.deliver(ch, event)
		}(ch)
	}
	wg.Wait()
}

func (r *Router) deliver(ch Channel, event events.Event) {
	if !ch.ShouldNotify(event) {
		return
	}
	if err := ch.Send(event); err != nil {
		log.Printf("notify: channel %s failed for event %s: %v", ch.Name(), event.ID, err)
	}
}

func (r *Router) snapshot() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Channels lists the names of every registered channel.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.channels))
	for i, ch := range r.channels {
		out[i] = ch.Name()
	}
	return out
}

// ListenAndRoute subscribes to the bus for target ("all" for every task)
// and routes each received event until the channel closes.
func ListenAndRoute(bus *events.Bus, router *Router, target string, types []events.EventType) {
	ch := bus.Subscribe(target, types)
	go func() {
		for event := range ch {
			router.Route(event)
		}
	}()
}
