// Package auction implements the Auction Engine: for one task, solicit
// sealed bids from the eligible agent pool within a bounded window, then
// rank and select a winner plus a backup ranking, or halt when nothing
// usable came back. One goroutine per solicited agent, one auction per
// task, first price, no second round.
package auction

import (
	"context"
	"sort"
	"time"

	"github.com/taskexchange/exchange/internal/registry"
)

// HaltReason enumerates why an auction produced no winner.
type HaltReason string

const (
	HaltNoBidders   HaltReason = "no_bidders"
	HaltAllDeclined HaltReason = "all_declined"
	HaltAllTimedOut HaltReason = "all_timed_out"
)

// Bid is one agent's response to a bid request.
type Bid struct {
	AgentID           string
	Confidence        float64 // 0.0-1.0; <=0.1 never ranks
	Declined          bool
	TimedOut          bool
	Reputation        float64
	LatencyMs         int64
	ArrivalOrder      int
	Result            interface{} // fast-path embedded result, if any
	HallucinationRisk string      // low|medium|high
	ExecutionType     string      // informational|actuated
}

// Outcome is the result of running an auction.
type Outcome struct {
	WinnerID         string
	WinnerConfidence float64
	BackupRanking    []string // remaining eligible agents, best first
	InstantWin       bool
	FastPathResult   interface{}
	Halted           bool
	HaltReason       HaltReason
}

// Solicitor asks one agent for a bid on a task and returns its response
// (or a zero Bid with TimedOut/Declined set) within ctx's deadline.
type Solicitor interface {
	Solicit(ctx context.Context, agentID, taskID, content string) Bid
}

// MasterEvaluator optionally re-ranks the bid set before selection. Its
// verdict is advisory: it may reorder, never add or veto. A nil Evaluator
// means no reordering stage runs.
type MasterEvaluator interface {
	Reorder(ctx context.Context, bids []Bid) []Bid
}

// Config holds the auction's timing and threshold knobs.
type Config struct {
	Window              time.Duration
	MinWindow           time.Duration
	MaxWindow           time.Duration
	BidTimeout          time.Duration
	InstantWinThreshold float64
	DominanceMargin     float64
}

// effectiveWindow clamps the configured window into [MinWindow, MaxWindow]
// and never below twice the bid timeout, so a single per-bid retry still
// fits inside the window.
func (c Config) effectiveWindow() time.Duration {
	w := c.Window
	if w <= 0 {
		w = 8 * time.Second
	}
	if c.MinWindow > 0 && w < c.MinWindow {
		w = c.MinWindow
	}
	if c.MaxWindow > 0 && w > c.MaxWindow {
		w = c.MaxWindow
	}
	if min := 2 * c.BidTimeout; min > 0 && w < min {
		w = min
	}
	return w
}

// Engine runs auctions against a registry-provided candidate pool.
type Engine struct {
	cfg       Config
	solicitor Solicitor
	evaluator MasterEvaluator
}

// New creates an auction engine. evaluator may be nil.
func New(cfg Config, solicitor Solicitor, evaluator MasterEvaluator) *Engine {
	return &Engine{cfg: cfg, solicitor: solicitor, evaluator: evaluator}
}

// Run solicits bids from candidates for taskID/content and selects a
// winner, honoring instant-win short-circuit and fast-path result embedding.
// candidates must already reflect agentFilter/locked-routing restriction —
// the engine itself does not consult the registry directly, so it stays
// testable without one.
func (e *Engine) Run(ctx context.Context, taskID, content string, candidates []registry.Record) Outcome {
	if len(candidates) == 0 {
		return Outcome{Halted: true, HaltReason: HaltNoBidders}
	}

	auctionCtx, cancel := context.WithTimeout(ctx, e.cfg.effectiveWindow())
	defer cancel()

	type result struct {
		bid   Bid
		order int
	}
	resultsCh := make(chan result, len(candidates))

	for i, cand := range candidates {
		go func(agentID string, order int) {
			bidCtx, bidCancel := context.WithTimeout(auctionCtx, e.cfg.BidTimeout)
			defer bidCancel()

			start := time.Now()
			bid := e.solicitor.Solicit(bidCtx, agentID, taskID, content)
			bid.AgentID = agentID
			bid.ArrivalOrder = order
			if bid.LatencyMs == 0 {
				bid.LatencyMs = time.Since(start).Milliseconds()
			}
			resultsCh <- result{bid: bid, order: order}
		}(cand.ID, i)
	}

	bids := make([]Bid, 0, len(candidates))
	instantWinner := (*Bid)(nil)
	collected := 0

	// A single solicited bidder resolves the moment it answers with any
	// positive confidence: there is nobody to outbid and nothing to rank.
	soloRound := len(candidates) == 1

collectLoop:
	for collected < len(candidates) {
		select {
		case r := <-resultsCh:
			collected++
			if r.bid.Declined || r.bid.TimedOut {
				continue
			}
			if soloRound && r.bid.Confidence > 0 {
				b := r.bid
				instantWinner = &b
				break collectLoop
			}
			if r.bid.Confidence <= 0.1 {
				continue
			}
			bids = append(bids, r.bid)

			if e.isInstantWin(r.bid, bids) {
				b := r.bid
				instantWinner = &b
				break collectLoop
			}
		case <-auctionCtx.Done():
			break collectLoop
		}
	}

	if instantWinner != nil {
		return e.buildOutcomeFromWinner(*instantWinner, nil, true)
	}

	if len(bids) == 0 {
		return Outcome{Halted: true, HaltReason: e.haltReasonForEmpty(collected, len(candidates))}
	}

	if e.evaluator != nil {
		bids = e.evaluator.Reorder(ctx, bids)
	}

	ranked := e.rank(bids)
	winner := ranked[0]
	backups := make([]string, 0, len(ranked)-1)
	for _, b := range ranked[1:] {
		backups = append(backups, b.AgentID)
	}

	return e.buildOutcomeFromWinner(winner, backups, false)
}

// isInstantWin reports whether bid crosses the instant-win threshold with
// enough margin over every other bid seen so far.
func (e *Engine) isInstantWin(bid Bid, soFar []Bid) bool {
	if bid.Confidence < e.cfg.InstantWinThreshold {
		return false
	}
	for _, other := range soFar {
		if other.AgentID == bid.AgentID {
			continue
		}
		if bid.Confidence-other.Confidence < e.cfg.DominanceMargin {
			return false
		}
	}
	return true
}

func (e *Engine) rank(bids []Bid) []Bid {
	ranked := make([]Bid, len(bids))
	copy(ranked, bids)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.ArrivalOrder < b.ArrivalOrder
	})
	return ranked
}

func (e *Engine) haltReasonForEmpty(collected, total int) HaltReason {
	if collected < total {
		return HaltAllTimedOut
	}
	return HaltAllDeclined
}

// buildOutcomeFromWinner embeds a fast-path result when the winning bid
// already carries one and it's safe to skip dispatch: a result is present,
// its self-reported hallucination risk is not high, and the bidder is an
// informational agent rather than one that acts on the world.
func (e *Engine) buildOutcomeFromWinner(winner Bid, backups []string, instantWin bool) Outcome {
	out := Outcome{
		WinnerID:         winner.AgentID,
		WinnerConfidence: winner.Confidence,
		BackupRanking:    backups,
		InstantWin:       instantWin,
	}
	if winner.Result != nil && winner.HallucinationRisk != "high" && winner.ExecutionType == "informational" {
		out.FastPathResult = winner.Result
	}
	return out
}
