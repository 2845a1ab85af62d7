// Package pipeline implements the Submission Pipeline: the single entry
// point for utterances, applying dedup, the global processing lock,
// pending-input routing, the quality filter, and the Routing Optimizer
// stages before handing off to the Auction Engine. The exchange's mutable
// state (processing lock, dedup window, conversation history, pending-input
// contexts) is an explicit threaded value — State below — never a package
// level singleton, so tests and multiple exchange instances don't share it.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/taskexchange/exchange/internal/routing"
	"github.com/taskexchange/exchange/internal/stringutils"
)

// Outcome classifies how a submission terminated.
type Outcome string

const (
	OutcomeRejected           Outcome = "rejected"
	OutcomeAlreadyProcessing  Outcome = "already_processing"
	OutcomePendingInputRouted Outcome = "pending_input_routed"
	OutcomeCriticalHandled    Outcome = "critical_handled"
	OutcomeFilteredOut        Outcome = "filtered_out"
	OutcomeSubmitted          Outcome = "submitted"
)

// Options carries per-submission overrides.
type Options struct {
	TargetAgentID string
	SkipFilter    bool
	SourceTool    string
	AgentFilter   []string
	ScreenContext string
}

// SubmitResult is returned from every call to Submit.
type SubmitResult struct {
	Outcome  Outcome
	TaskIDs  []string // one id, or several when decomposition splits the utterance
	Rejected string   // human-readable reason when Outcome is a rejection
}

// PendingInput is the continuation context for an agent mid-clarification.
// Exactly one per agent at a time: a second question from the same agent
// replaces the first.
type PendingInput struct {
	TaskID  string
	Field   string
	Options []string
	Partial map[string]string
}

// ConversationTurn is one line of the rolling history.
type ConversationTurn struct {
	Role      string
	Content   string
	AgentID   string // responding agent, for assistant turns
	Timestamp time.Time
}

// maxHistoryTurns is the hard cap on retained conversation turns; older
// turns fall off the front regardless of the character budget used when
// surfacing history to agents.
const maxHistoryTurns = 100

// State is the exchange's threaded mutable state: processing lock, dedup
// window, conversation history, and pending-input contexts. It must be
// created once and passed explicitly to every Pipeline call site — never
// reached via a package-level singleton.
type State struct {
	mu sync.Mutex

	// inFlight holds the task ids currently owning the processing lock and
	// when each took it. The lock is free when the map is empty; it is
	// released task by task as terminal events arrive.
	inFlight map[string]time.Time

	recentSubmissions []recentEntry // dedup window

	history    []ConversationTurn
	lastTurnAt time.Time

	pending map[string]PendingInput // agent id -> context
}

type recentEntry struct {
	normalized string
	at         time.Time
}

// lockReservation is the placeholder key held while Submit is still
// between taking the lock and knowing the real task ids.
const lockReservation = "(submitting)"

// NewState creates an empty exchange state.
func NewState() *State {
	return &State{
		inFlight: make(map[string]time.Time),
		pending:  make(map[string]PendingInput),
	}
}

// Auctioneer is the hand-off point to the rest of the exchange: submitting
// one or more content strings (post-decomposition) as tasks.
type Auctioneer interface {
	SubmitTask(ctx context.Context, content string, opts Options, rawTranscript string) (taskID string, err error)
}

// DirectRouter is implemented by auctioneers that can assign a task
// straight to a known agent, skipping the bidding round — the routing-cache
// fast path. Optional: without it a cache hit degrades to an agent filter.
type DirectRouter interface {
	SubmitDirect(ctx context.Context, content, agentID string, opts Options, rawTranscript string) (taskID string, err error)
}

// DecompositionNotifier observes a submission that split into several
// tasks. Optional.
type DecompositionNotifier interface {
	TaskDecomposed(taskIDs []string)
}

// CacheValidator is the single advisory call made on a routing-cache hit:
// given the recent conversation, does the prior route still apply? A nil
// validator treats every hit as still valid. Implementations must answer
// within their own deadline and fail toward false (fall through to the
// auction) on error.
type CacheValidator interface {
	StillApplies(ctx context.Context, entry routing.CacheEntry, history []ConversationTurn) bool
}

// ContinuationHandler forwards an utterance to the agent holding a
// pending-input context, resuming its paused multi-turn dialogue.
type ContinuationHandler interface {
	Continue(ctx context.Context, agentID string, pending PendingInput, text string) error
}

// CriticalCommandHandler actuates an intercepted critical command
// ("cancel", "stop", "repeat", ...) against the tasks currently holding
// the processing lock. Optional: without it interception still
// short-circuits submission, but nothing is cancelled or replayed.
type CriticalCommandHandler interface {
	HandleCritical(ctx context.Context, command string, inFlight []string) error
}

// CandidateScorer scores the registered agent pool against an utterance for
// pre-screen triage. Optional: when nil, every candidate the auction would
// otherwise consider stays in the pool.
type CandidateScorer interface {
	Score(ctx context.Context, normalized string) []routing.AgentScore
}

// QualityFilter runs the two-stage heuristic + LLM transcript judgement.
// Implementations must fail open (return true) on timeout.
type QualityFilter interface {
	Passes(ctx context.Context, content string) bool
}

// Archiver receives the conversation history when the inactivity window
// lapses, before the rolling history is cleared. Optional.
type Archiver interface {
	ArchiveHistory(turns []ConversationTurn)
}

// Config holds the pipeline's timing knobs.
type Config struct {
	DedupWindow          time.Duration
	ProcessingLockSafety time.Duration
	HistoryInactivity    time.Duration
}

// Pipeline wires the ordered steps together.
type Pipeline struct {
	cfg        Config
	auctioneer Auctioneer
	filter     QualityFilter
	cache      *routing.Cache
	scorer     CandidateScorer
	validator  CacheValidator
	continuer  ContinuationHandler
	critical   CriticalCommandHandler
	archiver   Archiver

	preScreenThreshold, preScreenMax int
}

// New creates a pipeline. filter, cache, and scorer may be nil (the quality
// filter then passes everything, the cache never hits, and pre-screen never
// narrows, respectively).
func New(cfg Config, auctioneer Auctioneer, filter QualityFilter, cache *routing.Cache, scorer CandidateScorer, preScreenThreshold, preScreenMax int) *Pipeline {
	return &Pipeline{
		cfg:                cfg,
		auctioneer:         auctioneer,
		filter:             filter,
		cache:              cache,
		scorer:             scorer,
		preScreenThreshold: preScreenThreshold,
		preScreenMax:       preScreenMax,
	}
}

// SetCacheValidator installs the advisory cache-hit validation call.
func (p *Pipeline) SetCacheValidator(v CacheValidator) { p.validator = v }

// SetContinuationHandler installs the pending-input continuation hand-off.
func (p *Pipeline) SetContinuationHandler(h ContinuationHandler) { p.continuer = h }

// SetCriticalHandler installs the critical-command actuator.
func (p *Pipeline) SetCriticalHandler(h CriticalCommandHandler) { p.critical = h }

// SetArchiver installs the history archival hook.
func (p *Pipeline) SetArchiver(a Archiver) { p.archiver = a }

var criticalCommands = map[string]bool{
	"cancel": true, "stop": true, "nevermind": true, "never mind": true,
	"repeat": true, "say that again": true, "undo": true, "undo that": true,
	"take that back": true,
}

// Submit runs the ordered submission steps, short-circuiting at the first
// terminal one: empty check, dedup, processing lock, conversation append,
// pending-input routing, critical commands, quality filter, then the
// routing stages (normalize, cache, pre-screen, decompose) and finally the
// auction hand-off.
func (p *Pipeline) Submit(ctx context.Context, s *State, text string, opts Options) SubmitResult {
	// Empty/whitespace check.
	if stringutils.IsEmpty(text) {
		return SubmitResult{Outcome: OutcomeRejected, Rejected: "empty utterance"}
	}

	normalized := normalizeForDedup(text)
	criticalCmd, isCritical := isCriticalCommand(text)

	s.mu.Lock()

	// Duplicate window: exact, and one-way prefix in either direction, so a
	// partial transcript followed by its completed form counts as one.
	if p.isDuplicateLocked(s, normalized) {
		s.mu.Unlock()
		return SubmitResult{Outcome: OutcomeAlreadyProcessing}
	}
	s.recentSubmissions = append(s.recentSubmissions, recentEntry{normalized: normalized, at: time.Now()})

	// Processing lock: one submission in flight globally. Two kinds of
	// utterance pass through a held lock: an answer to a pending-input
	// question (the asking task owns the lock and the answer belongs to
	// it) and a critical command (which exists to act on the very task
	// holding the lock).
	if len(s.inFlight) > 0 && !isCritical && !p.answersPendingInputLocked(s, opts) {
		if !p.lockStaleLocked(s) {
			s.mu.Unlock()
			return SubmitResult{Outcome: OutcomeAlreadyProcessing}
		}
		// Safety valve: reclaim a stale lock.
		s.inFlight = make(map[string]time.Time)
	}
	holdsReservation := len(s.inFlight) == 0
	if holdsReservation {
		s.inFlight[lockReservation] = time.Now()
	}

	// Conversation append, after archiving a history gone inactive.
	p.maybeArchiveLocked(s)
	s.appendTurnLocked(ConversationTurn{Role: "user", Content: text, Timestamp: time.Now()})

	// Pending input routing.
	if target, pin, ok := p.pendingInputTargetLocked(s, opts); ok {
		if holdsReservation {
			delete(s.inFlight, lockReservation)
		}
		s.mu.Unlock()
		return p.routeToPendingInput(ctx, s, target, pin, text)
	}

	s.mu.Unlock()

	// Critical router: only bare or pronoun-followed commands. The handler
	// actuates the command against whatever tasks hold the processing lock
	// (cancelling them, replaying the last answer, ...).
	if isCritical {
		if p.critical != nil {
			if err := p.critical.HandleCritical(ctx, criticalCmd, p.lockHolderTasks(s)); err != nil {
				p.dropReservation(s, holdsReservation)
				return SubmitResult{Outcome: OutcomeCriticalHandled, Rejected: err.Error()}
			}
		}
		p.dropReservation(s, holdsReservation)
		return SubmitResult{Outcome: OutcomeCriticalHandled, Rejected: criticalCmd}
	}

	// Transcript quality filter.
	if !opts.SkipFilter && p.filter != nil && !p.passesFilterFailOpen(ctx, text) {
		p.dropReservation(s, holdsReservation)
		return SubmitResult{Outcome: OutcomeFilteredOut, Rejected: "didn't catch that"}
	}

	// Intent normalization.
	normalizedIntent, rawTranscript := routing.NormalizeIntent(text)

	// Routing cache fast-path: on a validated hit, route straight to the
	// cached winner; on a rejected hit, invalidate and run the auction.
	effectiveFilter := opts.AgentFilter
	if p.cache != nil {
		if entry, ok := p.cache.Get(normalizedIntent); ok && entry.WinnerID != "" {
			if p.validator == nil || p.validator.StillApplies(ctx, entry, s.History()) {
				if direct, ok := p.auctioneer.(DirectRouter); ok {
					if id, err := direct.SubmitDirect(ctx, normalizedIntent, entry.WinnerID, opts, rawTranscript); err == nil {
						p.swapReservation(s, holdsReservation, []string{id})
						return SubmitResult{Outcome: OutcomeSubmitted, TaskIDs: []string{id}}
					}
				}
				effectiveFilter = []string{entry.WinnerID}
			} else {
				p.cache.Invalidate(normalizedIntent)
			}
		}
	}

	// Pre-screen.
	if len(effectiveFilter) == 0 && p.scorer != nil {
		scores := p.scorer.Score(ctx, normalizedIntent)
		if narrowed := routing.PreScreen(scores, p.preScreenThreshold, p.preScreenMax); len(narrowed) > 0 {
			effectiveFilter = narrowed
		}
	}

	// Decomposition.
	parts := routing.Decompose(normalizedIntent)
	if parts == nil {
		parts = []string{normalizedIntent}
	}

	// Auction submit.
	taskOpts := opts
	taskOpts.AgentFilter = effectiveFilter
	var taskIDs []string
	for _, part := range parts {
		id, err := p.auctioneer.SubmitTask(ctx, part, taskOpts, rawTranscript)
		if err != nil {
			continue
		}
		taskIDs = append(taskIDs, id)
	}

	if len(taskIDs) == 0 {
		p.dropReservation(s, holdsReservation)
		return SubmitResult{Outcome: OutcomeRejected, Rejected: "no task could be submitted"}
	}

	p.swapReservation(s, holdsReservation, taskIDs)

	if len(taskIDs) > 1 {
		if n, ok := p.auctioneer.(DecompositionNotifier); ok {
			n.TaskDecomposed(taskIDs)
		}
	}
	return SubmitResult{Outcome: OutcomeSubmitted, TaskIDs: taskIDs}
}

// Release frees the processing lock share held by taskID — called by the
// exchange on task:settled, task:cancelled, and task:dead_letter. The lock
// itself is free once every task from the owning submission has terminated.
func (p *Pipeline) Release(s *State, taskID string) {
	s.mu.Lock()
	delete(s.inFlight, taskID)
	s.mu.Unlock()
}

// dropReservation clears the placeholder lock entry for a submission that
// terminated before minting any task.
func (p *Pipeline) dropReservation(s *State, held bool) {
	if !held {
		return
	}
	s.mu.Lock()
	delete(s.inFlight, lockReservation)
	s.mu.Unlock()
}

// swapReservation replaces the placeholder lock entry with the real task
// ids so Release can free the lock per terminal event.
func (p *Pipeline) swapReservation(s *State, held bool, taskIDs []string) {
	s.mu.Lock()
	if held {
		delete(s.inFlight, lockReservation)
		now := time.Now()
		for _, id := range taskIDs {
			s.inFlight[id] = now
		}
	}
	s.mu.Unlock()
}

// lockStaleLocked reports whether every current lock holder has exceeded
// the safety valve. Must hold s.mu.
func (p *Pipeline) lockStaleLocked(s *State) bool {
	if p.cfg.ProcessingLockSafety <= 0 {
		return false
	}
	cutoff := time.Now().Add(-p.cfg.ProcessingLockSafety)
	for _, at := range s.inFlight {
		if at.After(cutoff) {
			return false
		}
	}
	return true
}

// lockHolderTasks returns the real task ids holding the processing lock,
// skipping this submission's own placeholder reservation.
func (p *Pipeline) lockHolderTasks(s *State) []string {
	var out []string
	for _, id := range s.LockHolders() {
		if id != lockReservation {
			out = append(out, id)
		}
	}
	return out
}

// answersPendingInputLocked reports whether this submission will route to a
// pending-input context rather than mint a new task. Must hold s.mu.
func (p *Pipeline) answersPendingInputLocked(s *State, opts Options) bool {
	_, _, ok := p.pendingInputTargetLocked(s, opts)
	return ok
}

func (p *Pipeline) isDuplicateLocked(s *State, normalized string) bool {
	matchCutoff := time.Now().Add(-p.cfg.DedupWindow)
	// Entries linger for several windows before GC so a late duplicate of a
	// just-expired entry still has something to age out against.
	gcCutoff := time.Now().Add(-5 * p.cfg.DedupWindow)

	kept := s.recentSubmissions[:0]
	dup := false
	for _, e := range s.recentSubmissions {
		if e.at.Before(gcCutoff) {
			continue
		}
		kept = append(kept, e)
		if e.at.Before(matchCutoff) {
			continue
		}
		if e.normalized == normalized || strings.HasPrefix(normalized, e.normalized) || strings.HasPrefix(e.normalized, normalized) {
			dup = true
		}
	}
	s.recentSubmissions = kept
	return dup
}

func (p *Pipeline) pendingInputTargetLocked(s *State, opts Options) (string, PendingInput, bool) {
	if opts.TargetAgentID != "" {
		if pin, ok := s.pending[opts.TargetAgentID]; ok {
			return opts.TargetAgentID, pin, true
		}
		return "", PendingInput{}, false
	}
	if len(s.pending) == 1 {
		for agentID, pin := range s.pending {
			return agentID, pin, true
		}
	}
	return "", PendingInput{}, false
}

func (p *Pipeline) routeToPendingInput(ctx context.Context, s *State, agentID string, pin PendingInput, text string) SubmitResult {
	if p.continuer != nil {
		if err := p.continuer.Continue(ctx, agentID, pin, text); err != nil {
			return SubmitResult{Outcome: OutcomeRejected, Rejected: err.Error()}
		}
	}
	s.ClearPendingInput(agentID)
	return SubmitResult{Outcome: OutcomePendingInputRouted, TaskIDs: []string{pin.TaskID}}
}

func (p *Pipeline) passesFilterFailOpen(ctx context.Context, text string) bool {
	type result struct{ ok bool }
	ch := make(chan result, 1)
	go func() { ch <- result{ok: p.filter.Passes(ctx, text)} }()

	select {
	case r := <-ch:
		return r.ok
	case <-ctx.Done():
		return true // fail open
	}
}

// maybeArchiveLocked hands the history to the archiver and clears it when
// the inactivity window has lapsed since the last turn. Must hold s.mu.
func (p *Pipeline) maybeArchiveLocked(s *State) {
	if p.cfg.HistoryInactivity <= 0 || s.lastTurnAt.IsZero() || len(s.history) == 0 {
		return
	}
	if time.Since(s.lastTurnAt) <= p.cfg.HistoryInactivity {
		return
	}
	if p.archiver != nil {
		turns := make([]ConversationTurn, len(s.history))
		copy(turns, s.history)
		p.archiver.ArchiveHistory(turns)
	}
	s.history = nil
}

// appendTurnLocked adds a turn, enforcing the hard turn-count cap. Must
// hold s.mu.
func (s *State) appendTurnLocked(t ConversationTurn) {
	s.history = append(s.history, t)
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
	s.lastTurnAt = t.Timestamp
}

// AppendTurn records a turn from outside the submission path (the agent's
// side of the conversation).
func (s *State) AppendTurn(role, content, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendTurnLocked(ConversationTurn{Role: role, Content: content, AgentID: agentID, Timestamp: time.Now()})
}

// SetPendingInput records a continuation context for an agent. The
// processing lock is deliberately untouched: the asking task keeps it while
// it waits.
func (s *State) SetPendingInput(agentID string, pin PendingInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[agentID] = pin
}

// PendingInputFor returns agentID's continuation context, if any.
func (s *State) PendingInputFor(agentID string) (PendingInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pin, ok := s.pending[agentID]
	return pin, ok
}

// ClearPendingInput removes an agent's continuation context once answered.
func (s *State) ClearPendingInput(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, agentID)
}

// History returns a copy of the conversation turns recorded so far.
func (s *State) History() []ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConversationTurn, len(s.history))
	copy(out, s.history)
	return out
}

// HistoryForAgents returns the most recent turns that fit within budget
// characters of content — the view surfaced to agents, which is capped
// tighter than the retained ring.
func (s *State) HistoryForAgents(budget int) []ConversationTurn {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	start := len(s.history)
	for start > 0 {
		turn := s.history[start-1]
		if total+len(turn.Content) > budget {
			break
		}
		total += len(turn.Content)
		start--
	}
	out := make([]ConversationTurn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// LockHolders returns the task ids currently holding the processing lock.
func (s *State) LockHolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		out = append(out, id)
	}
	return out
}

func normalizeForDedup(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func isCriticalCommand(text string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!")
	// Only bare or pronoun-followed commands qualify: "cancel" or "cancel
	// that", not "cancel the meeting".
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return "", false
	}

	if criticalCommands[normalized] {
		return normalized, true
	}
	if len(words) == 2 && (words[1] == "that" || words[1] == "it") && criticalCommands[words[0]] {
		return normalized, true
	}
	return "", false
}
