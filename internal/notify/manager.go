package notify

import (
	"github.com/taskexchange/exchange/internal/events"
)

// Manager bundles the local-operator channels (toast/terminal/banner) plus
// whatever remote channels (Slack/Discord/email) the deployment configures,
// and wires them to the event bus. A thin Router wrapper plus a bus
// subscription, since Router already implements
// the fan-out/fire-and-forget policy the manager used to do itself.
type Manager struct {
	Router   *Router
	Toast    *ToastChannel
	Terminal *TerminalChannel
	Banner   *BannerChannel
}

// NewManager wires the standard local channels into a router and starts
// listening on bus for every task ("all") across the event types that
// warrant operator attention.
func NewManager(bus *events.Bus, appID, dashboardURL string) *Manager {
	toast := NewToastChannel(appID, dashboardURL)
	terminal := NewTerminalChannel(appID)
	banner := NewBannerChannel()

	router := NewRouter([]Channel{toast, terminal, banner})
	ListenAndRoute(bus, router, "all", []events.EventType{
		events.TaskNeedsInput,
		events.TaskDeadLetter,
		events.AgentFlagged,
		events.ExchangeHalt,
	})

	return &Manager{Router: router, Toast: toast, Terminal: terminal, Banner: banner}
}

// AddRemote registers an additional remote channel (Slack/Discord/email).
func (m *Manager) AddRemote(ch Channel) {
	m.Router.AddChannel(ch)
}
