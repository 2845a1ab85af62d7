// Package external provides webhook/SMTP notification channels (Slack,
// Discord, email) for events that should reach an operator outside the
// local terminal. Each channel keys off event.Type/Source/Priority/Target
// and stays silent below its configured priority floor.
package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taskexchange/exchange/internal/events"
)

// SlackConfig configures the Slack webhook channel.
type SlackConfig struct {
	WebhookURL  string             `json:"webhook_url"`
	Channel     string             `json:"channel,omitempty"`
	Username    string             `json:"username,omitempty"`
	IconEmoji   string             `json:"icon_emoji,omitempty"`
	EventTypes  []events.EventType `json:"event_types,omitempty"`
	MinPriority int                `json:"min_priority,omitempty"`
}

// SlackChannel sends notifications to Slack via an incoming webhook.
type SlackChannel struct {
	config SlackConfig
	client *http.Client
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(config SlackConfig) *SlackChannel {
	return &SlackChannel{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) ShouldNotify(event events.Event) bool {
	if s.config.MinPriority > 0 && event.Priority > s.config.MinPriority {
		return false
	}
	if len(s.config.EventTypes) > 0 {
		for _, et := range s.config.EventTypes {
			if event.Type == et {
				return true
			}
		}
		return false
	}
	return true
}

func (s *SlackChannel) Send(event events.Event) error {
	if s.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	color := "good"
	if event.Priority == events.PriorityCritical {
		color = "danger"
	} else if event.Priority == events.PriorityHigh {
		color = "warning"
	}

	fields := []map[string]interface{}{
		{"title": "Type", "value": string(event.Type), "short": true},
		{"title": "Source", "value": event.Source, "short": true},
		{"title": "Priority", "value": priorityString(event.Priority), "short": true},
	}
	if event.Target != "" {
		fields = append(fields, map[string]interface{}{"title": "Target", "value": event.Target, "short": true})
	}
	for k, v := range event.Payload {
		fields = append(fields, map[string]interface{}{"title": k, "value": fmt.Sprintf("%v", v), "short": false})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("Event: %s", event.ID),
		"attachments": []map[string]interface{}{
			{"color": color, "title": fmt.Sprintf("%s Event", event.Type), "fields": fields, "ts": event.CreatedAt.Unix()},
		},
	}
	if s.config.Channel != "" {
		payload["channel"] = s.config.Channel
	}
	if s.config.Username != "" {
		payload["username"] = s.config.Username
	}
	if s.config.IconEmoji != "" {
		payload["icon_emoji"] = s.config.IconEmoji
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	resp, err := s.client.Post(s.config.WebhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("sending slack notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}
	return nil
}

func priorityString(priority int) string {
	switch priority {
	case events.PriorityCritical:
		return "Critical"
	case events.PriorityHigh:
		return "High"
	case events.PriorityNormal:
		return "Normal"
	case events.PriorityLow:
		return "Low"
	default:
		return fmt.Sprintf("Unknown (%d)", priority)
	}
}
