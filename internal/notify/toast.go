package notify

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"

	"github.com/taskexchange/exchange/internal/events"
)

// ToastChannel shows Windows toast notifications for high-priority
// exchange events (agent flagged, task dead-lettered). A no-op on other
// platforms.
type ToastChannel struct {
	appID        string
	dashboardURL string
}

// NewToastChannel creates a toast channel. appID/dashboardURL default to
// the exchange's own identifiers when empty.
func NewToastChannel(appID, dashboardURL string) *ToastChannel {
	if appID == "" {
		appID = "TaskExchange"
	}
	if dashboardURL == "" {
		dashboardURL = "http://localhost:8080"
	}
	return &ToastChannel{appID: appID, dashboardURL: dashboardURL}
}

func (t *ToastChannel) Name() string { return "toast" }

// ShouldNotify only fires for events meant to get a human's attention.
func (t *ToastChannel) ShouldNotify(event events.Event) bool {
	if runtime.GOOS != "windows" {
		return false
	}
	switch event.Type {
	case events.TaskNeedsInput, events.TaskDeadLetter, events.AgentFlagged, events.ExchangeHalt:
		return event.Priority <= events.PriorityHigh
	default:
		return false
	}
}

func (t *ToastChannel) Send(event events.Event) error {
	notification := toast.Notification{
		AppID:   t.appID,
		Title:   toastTitle(event.Type),
		Message: toastMessage(event),
		Audio:   toast.IM,
		Actions: []toast.Action{
			{Type: "protocol", Label: "Open Dashboard", Arguments: t.dashboardURL},
		},
	}
	return notification.Push()
}

func toastTitle(t events.EventType) string {
	switch t {
	case events.TaskNeedsInput:
		return "Task needs input"
	case events.TaskDeadLetter:
		return "Task dead-lettered"
	case events.AgentFlagged:
		return "Agent flagged"
	case events.ExchangeHalt:
		return "Exchange halted"
	default:
		return "Task Exchange"
	}
}

func toastMessage(event events.Event) string {
	if msg, ok := event.Payload["message"].(string); ok {
		return msg
	}
	return fmt.Sprintf("task %s", event.Target)
}
