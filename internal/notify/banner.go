package notify

import (
	"sync"
	"time"

	"github.com/taskexchange/exchange/internal/events"
)

// BannerState is the dashboard's current banner, exposed over HTTP by
// internal/ingress for the operator UI to poll/render.
type BannerState struct {
	Visible   bool      `json:"visible"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// BannerChannel holds the dashboard banner's current state, driven by the
// event bus directly so the HTTP layer only ever reads it.
type BannerChannel struct {
	mu    sync.RWMutex
	state BannerState
}

// NewBannerChannel creates an initially hidden banner.
func NewBannerChannel() *BannerChannel {
	return &BannerChannel{}
}

func (b *BannerChannel) Name() string { return "banner" }

func (b *BannerChannel) ShouldNotify(event events.Event) bool {
	switch event.Type {
	case events.TaskNeedsInput, events.TaskDeadLetter, events.AgentFlagged, events.ExchangeHalt:
		return true
	default:
		return false
	}
}

func (b *BannerChannel) Send(event events.Event) error {
	severity := "info"
	if event.Priority <= events.PriorityHigh {
		severity = "warning"
	}
	if event.Type == events.ExchangeHalt {
		severity = "error"
	}

	b.mu.Lock()
	b.state = BannerState{Visible: true, Message: toastMessage(event), Severity: severity, Timestamp: time.Now()}
	b.mu.Unlock()
	return nil
}

// Clear hides the banner.
func (b *BannerChannel) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Visible = false
}

// State returns a copy of the current banner state.
func (b *BannerChannel) State() BannerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
