// Package reputation tracks agent standing on the exchange: a
// rolling window of win/attempt/success/failure counters per agent, scored
// as a blend of success rate and win rate, decaying linearly outside the
// window, with a flag threshold the registry can act on.
package reputation

import (
	"sync"
	"time"
)

// outcome is one recorded attempt within the window.
type outcome struct {
	at        time.Time
	won       bool
	attempted bool
	succeeded bool
}

// Snapshot is a point-in-time reputation reading for one agent.
type Snapshot struct {
	AgentID     string
	Score       float64
	WinRate     float64
	SuccessRate float64
	Flagged     bool
}

// Tracker maintains rolling reputation windows for every agent.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	flagAt  float64
	byAgent map[string][]outcome
}

// New creates a tracker. window and flagThreshold come from the
// reputation configuration (30 minutes and 0.3 stock).
func New(window time.Duration, flagThreshold float64) *Tracker {
	return &Tracker{
		window:  window,
		flagAt:  flagThreshold,
		byAgent: make(map[string][]outcome),
	}
}

// RecordBid appends a bid-round outcome: won is whether this agent's bid
// was selected as the auction winner.
func (t *Tracker) RecordBid(agentID string, won bool) {
	t.append(agentID, outcome{at: time.Now(), won: won})
}

// RecordAttempt appends an execution-attempt outcome for an agent that won
// an auction: succeeded is whether it settled the task (vs. busting).
func (t *Tracker) RecordAttempt(agentID string, succeeded bool) {
	t.append(agentID, outcome{at: time.Now(), attempted: true, succeeded: succeeded})
}

func (t *Tracker) append(agentID string, o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byAgent[agentID] = append(t.byAgent[agentID], o)
}

// prune drops outcomes older than the rolling window. Must hold t.mu.
func (t *Tracker) pruneLocked(agentID string) []outcome {
	cutoff := time.Now().Add(-t.window)
	kept := t.byAgent[agentID][:0]
	for _, o := range t.byAgent[agentID] {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	t.byAgent[agentID] = kept
	return kept
}

// Score computes an agent's current reputation snapshot: a blend of
// success rate (weight 0.7) and win rate (weight 0.3), linearly decayed by
// how stale the window's data is.
func (t *Tracker) Score(agentID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	outcomes := t.pruneLocked(agentID)
	if len(outcomes) == 0 {
		return Snapshot{AgentID: agentID, Score: 1.0}
	}

	var bidRounds, wins, attempts, successes int
	var newest time.Time
	for _, o := range outcomes {
		if o.at.After(newest) {
			newest = o.at
		}
		if o.attempted {
			attempts++
			if o.succeeded {
				successes++
			}
		} else {
			bidRounds++
			if o.won {
				wins++
			}
		}
	}

	successRate := 1.0
	if attempts > 0 {
		successRate = float64(successes) / float64(attempts)
	}
	winRate := 0.0
	if bidRounds > 0 {
		winRate = float64(wins) / float64(bidRounds)
	}

	score := successRate*0.7 + winRate*0.3
	score *= decayFactor(newest, t.window)

	return Snapshot{
		AgentID:     agentID,
		Score:       score,
		WinRate:     winRate,
		SuccessRate: successRate,
		Flagged:     score < t.flagAt,
	}
}

// decayFactor linearly decays from 1.0 (freshest possible data) to 0.0 as
// the most recent outcome approaches the age of a full window.
func decayFactor(newest time.Time, window time.Duration) float64 {
	if newest.IsZero() || window <= 0 {
		return 1.0
	}
	age := time.Since(newest)
	if age <= 0 {
		return 1.0
	}
	factor := 1.0 - float64(age)/float64(window)
	if factor < 0 {
		return 0
	}
	return factor
}

// Summary returns a Snapshot for every agent the tracker has ever recorded;
// an agent whose outcomes have all aged out of the window reports the
// default score of 1.0.
func (t *Tracker) Summary() []Snapshot {
	t.mu.Lock()
	agentIDs := make([]string, 0, len(t.byAgent))
	for id := range t.byAgent {
		agentIDs = append(agentIDs, id)
	}
	t.mu.Unlock()

	out := make([]Snapshot, 0, len(agentIDs))
	for _, id := range agentIDs {
		out = append(out, t.Score(id))
	}
	return out
}
