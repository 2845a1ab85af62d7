// Package memdb is the crash-diagnosis mirror: it persists event history and
// reputation snapshots to a local SQLite file so an operator can inspect what
// happened after the process that mutated live state is gone. Nothing in the
// exchange reads from memdb to make a routing or auction decision — it is
// write-behind and best-effort.
package memdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/taskexchange/exchange/internal/events"
)

// EventStore persists events.Event rows to SQLite, implementing
// events.EventStore so it can be handed straight to events.NewBus.
type EventStore struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and prepares the
// event and reputation history schema.
func Open(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memdb %s: %w", path, err)
	}

	store := &EventStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *EventStore) Close() error { return s.db.Close() }

func (s *EventStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_target ON events(target, delivered_at);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

	CREATE TABLE IF NOT EXISTS reputation_snapshots (
		agent_id TEXT NOT NULL,
		taken_at TIMESTAMP NOT NULL,
		score REAL NOT NULL,
		win_rate REAL NOT NULL,
		success_rate REAL NOT NULL,
		flagged INTEGER NOT NULL,
		PRIMARY KEY (agent_id, taken_at)
	);

	CREATE TABLE IF NOT EXISTS task_history (
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		changed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_history_task ON task_history(task_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init memdb schema: %w", err)
	}
	return nil
}

// Save persists an event. Failures are logged by the caller (the Event Bus
// treats the store as best-effort), never propagated into publish latency.
func (s *EventStore) Save(event *events.Event) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO events (id, type, source, target, priority, payload, created_at, delivered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		event.ID, event.Type, event.Source, event.Target, event.Priority, string(payloadJSON), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetPending retrieves undelivered events for target, optionally filtered by
// type. target="all" returns only broadcast events; any other target also
// picks up broadcast events addressed to "all".
func (s *EventStore) GetPending(target string, types []events.EventType) ([]*events.Event, error) {
	var query string
	var args []interface{}

	switch {
	case len(types) == 0 && target == "all":
		query = `SELECT id, type, source, target, priority, payload, created_at
		          FROM events WHERE delivered_at IS NULL AND target = ?
		          ORDER BY priority ASC, created_at ASC`
		args = []interface{}{target}
	case len(types) == 0:
		query = `SELECT id, type, source, target, priority, payload, created_at
		          FROM events WHERE delivered_at IS NULL AND (target = ? OR target = 'all')
		          ORDER BY priority ASC, created_at ASC`
		args = []interface{}{target}
	default:
		placeholders := ""
		args = append(args, target)
		for i, t := range types {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(t))
		}
		if target == "all" {
			query = fmt.Sprintf(`SELECT id, type, source, target, priority, payload, created_at
			          FROM events WHERE delivered_at IS NULL AND target = ? AND type IN (%s)
			          ORDER BY priority ASC, created_at ASC`, placeholders)
		} else {
			query = fmt.Sprintf(`SELECT id, type, source, target, priority, payload, created_at
			          FROM events WHERE delivered_at IS NULL AND (target = ? OR target = 'all') AND type IN (%s)
			          ORDER BY priority ASC, created_at ASC`, placeholders)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		var event events.Event
		var payloadJSON string
		if err := rows.Scan(&event.ID, &event.Type, &event.Source, &event.Target,
			&event.Priority, &payloadJSON, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

// MarkDelivered records that an event has been handed to every live
// subscriber so GetPending stops returning it.
func (s *EventStore) MarkDelivered(eventID string) error {
	result, err := s.db.Exec(`UPDATE events SET delivered_at = ? WHERE id = ?`, time.Now(), eventID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return fmt.Errorf("event not found: %s", eventID)
	}
	return nil
}

// Cleanup deletes delivered events older than olderThan, bounding disk growth
// for long-lived processes.
func (s *EventStore) Cleanup(olderThan time.Duration) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE delivered_at IS NOT NULL AND created_at < ?`,
		time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("cleanup events: %w", err)
	}
	return nil
}

// RecordTransition mirrors a task status change for crash diagnosis. It
// implements tasks.HistoryMirror without importing internal/tasks, so the
// storage layer stays the leaf of the dependency graph.
func (s *EventStore) RecordTransition(taskID, fromStatus, toStatus string) error {
	_, err := s.db.Exec(
		`INSERT INTO task_history (task_id, from_status, to_status, changed_at) VALUES (?, ?, ?, ?)`,
		taskID, fromStatus, toStatus, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// SaveReputationSnapshot appends a point-in-time reputation reading for an
// agent, used only for after-the-fact diagnosis of flagging decisions.
func (s *EventStore) SaveReputationSnapshot(agentID string, takenAt time.Time, score, winRate, successRate float64, flagged bool) error {
	flaggedInt := 0
	if flagged {
		flaggedInt = 1
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO reputation_snapshots (agent_id, taken_at, score, win_rate, success_rate, flagged)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, takenAt, score, winRate, successRate, flaggedInt,
	)
	if err != nil {
		return fmt.Errorf("save reputation snapshot: %w", err)
	}
	return nil
}
