package external

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taskexchange/exchange/internal/events"
)

// DiscordConfig configures the Discord webhook channel.
type DiscordConfig struct {
	WebhookURL  string             `json:"webhook_url"`
	Username    string             `json:"username,omitempty"`
	AvatarURL   string             `json:"avatar_url,omitempty"`
	EventTypes  []events.EventType `json:"event_types,omitempty"`
	MinPriority int                `json:"min_priority,omitempty"`
}

// DiscordChannel sends notifications to Discord via an incoming webhook.
type DiscordChannel struct {
	config DiscordConfig
	client *http.Client
}

// NewDiscordChannel creates a Discord channel.
func NewDiscordChannel(config DiscordConfig) *DiscordChannel {
	return &DiscordChannel{config: config, client: &http.Client{Timeout: 10 * time.Second}}
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) ShouldNotify(event events.Event) bool {
	if d.config.MinPriority > 0 && event.Priority > d.config.MinPriority {
		return false
	}
	if len(d.config.EventTypes) > 0 {
		for _, et := range d.config.EventTypes {
			if event.Type == et {
				return true
			}
		}
		return false
	}
	return true
}

func (d *DiscordChannel) Send(event events.Event) error {
	if d.config.WebhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}

	color := 0x00FF00
	if event.Priority == events.PriorityCritical {
		color = 0xFF0000
	} else if event.Priority == events.PriorityHigh {
		color = 0xFFA500
	}

	fields := []map[string]interface{}{
		{"name": "Type", "value": string(event.Type), "inline": true},
		{"name": "Source", "value": event.Source, "inline": true},
		{"name": "Priority", "value": priorityString(event.Priority), "inline": true},
	}
	if event.Target != "" {
		fields = append(fields, map[string]interface{}{"name": "Target", "value": event.Target, "inline": true})
	}
	for k, v := range event.Payload {
		fields = append(fields, map[string]interface{}{"name": k, "value": fmt.Sprintf("%v", v), "inline": false})
	}

	embed := map[string]interface{}{
		"title":       fmt.Sprintf("%s Event", event.Type),
		"description": fmt.Sprintf("Event ID: %s", event.ID),
		"color":       color,
		"timestamp":   event.CreatedAt.Format(time.RFC3339),
		"fields":      fields,
	}
	payload := map[string]interface{}{"embeds": []map[string]interface{}{embed}}
	if d.config.Username != "" {
		payload["username"] = d.config.Username
	}
	if d.config.AvatarURL != "" {
		payload["avatar_url"] = d.config.AvatarURL
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	resp, err := d.client.Post(d.config.WebhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("sending discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}
	return nil
}
