// Package exchange is the composition root: it wires the Agent Registry,
// Auction Engine, Execution Controller, Submission Pipeline, Task Store,
// Subtask Registry, Reputation Tracker, and Event Bus together into one
// running Task Exchange, and implements the cross-cutting operations
// (submit, cancel, status, reconnect, reputation summary, shutdown) that
// internal/ingress and internal/mcpingress expose to callers.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskexchange/exchange/internal/auction"
	"github.com/taskexchange/exchange/internal/config"
	"github.com/taskexchange/exchange/internal/events"
	"github.com/taskexchange/exchange/internal/execution"
	"github.com/taskexchange/exchange/internal/persistence"
	"github.com/taskexchange/exchange/internal/pipeline"
	"github.com/taskexchange/exchange/internal/registry"
	"github.com/taskexchange/exchange/internal/reputation"
	"github.com/taskexchange/exchange/internal/routing"
	"github.com/taskexchange/exchange/internal/subtasks"
	"github.com/taskexchange/exchange/internal/tasks"
	"github.com/taskexchange/exchange/internal/transport"
	"github.com/taskexchange/exchange/internal/xerrors"
)

// historyNamespace keys the persisted conversation state for this exchange.
const historyNamespace = "agent-space"

// ackSpeechDelay is how long after assignment the spoken "working on it"
// acknowledgement fires, unless the task settles first.
const ackSpeechDelay = 2500 * time.Millisecond

// errorAgentDeadline bounds the synchronous error-responder invocation on
// dead-letter, so the exchange emits a result even if that handler hangs.
const errorAgentDeadline = 12 * time.Second

// historyInactivity is how long the conversation may idle before its
// rolling history is summarized and archived.
const historyInactivity = 5 * time.Minute

// bidCircuit is the global breaker over bid evaluation: after threshold
// consecutive failures every solicitation short-circuits to a
// zero-confidence response until the cool-down lapses. Distinct from
// per-agent reputation flagging.
type bidCircuit struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	consecutive int
	openedAt    time.Time
}

func (b *bidCircuit) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return false
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.openedAt = time.Time{}
		b.consecutive = 0
		return false
	}
	return true
}

func (b *bidCircuit) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.threshold > 0 && b.consecutive >= b.threshold && b.openedAt.IsZero() {
		b.openedAt = time.Now()
	}
}

func (b *bidCircuit) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Exchange owns every subsystem for one running task exchange.
type Exchange struct {
	cfg *config.Config

	peer       transport.Peer
	registry   *registry.Registry
	auction    *auction.Engine
	exec       *execution.Controller
	pipeline   *pipeline.Pipeline
	state      *pipeline.State
	queue      *tasks.Queue
	store      *tasks.Store
	subtasks   *subtasks.Registry
	reputation *reputation.Tracker
	bus        *events.Bus
	history    *persistence.Store
	cache      *routing.Cache
	circuit    bidCircuit

	mu          sync.Mutex
	pendingBids map[string]chan auction.Bid  // "taskID/agentID" -> bid response
	errorWaits  map[string]chan tasks.Result // taskID -> error-responder result
	ackTimers   map[string]*time.Timer       // taskID -> deferred ack speech

	errorAgentID string
	speak        func(taskID, phrase string)

	shuttingDown chan struct{}
	shutdownOnce sync.Once
}

// New creates an Exchange and wires the pipeline/auction/execution
// callbacks into each other. history may be nil to disable persisted
// conversation state.
func New(cfg *config.Config, peer transport.Peer, bus *events.Bus, history *persistence.Store) *Exchange {
	reg := registry.New(cfg.Transport.HeartbeatTimeout(), 3)

	ex := &Exchange{
		cfg:          cfg,
		peer:         peer,
		registry:     reg,
		queue:        tasks.NewQueue(),
		store:        tasks.NewStore(nil),
		subtasks:     subtasks.New(),
		reputation:   reputation.New(cfg.Reputation.Window(), cfg.Reputation.FlagThreshold),
		bus:          bus,
		history:      history,
		pendingBids:  make(map[string]chan auction.Bid),
		errorWaits:   make(map[string]chan tasks.Result),
		ackTimers:    make(map[string]*time.Timer),
		shuttingDown: make(chan struct{}),
	}
	ex.circuit.threshold = cfg.Bidder.CircuitThreshold
	ex.circuit.cooldown = cfg.Bidder.CircuitReset()

	ex.auction = auction.New(auction.Config{
		Window:              cfg.Auction.DefaultWindow(),
		MinWindow:           cfg.Auction.MinWindow(),
		MaxWindow:           cfg.Auction.MaxWindow(),
		BidTimeout:          cfg.Bidder.BidTimeout(),
		InstantWinThreshold: cfg.Auction.InstantWinThreshold,
		DominanceMargin:     cfg.Auction.DominanceMargin,
	}, ex, nil)

	ex.exec = execution.New(execution.Config{
		AckTimeout:           cfg.Auction.AckTimeout(),
		BaseExecutionTimeout: cfg.Auction.ExecutionTimeout(),
		HeartbeatExtension:   cfg.Auction.HeartbeatExtension(),
		MaxCumulativeExtend:  cfg.Auction.ExecutionTimeout(),
	}, execution.Callbacks{
		OnBust:       ex.onBust,
		OnDeadLetter: ex.onDeadLetter,
		OnSettle:     ex.onSettle,
	})

	ex.cache = routing.NewCache(cfg.Routing.CacheTTL())
	ex.pipeline = pipeline.New(pipeline.Config{
		DedupWindow:          cfg.Pipeline.DedupWindow(),
		ProcessingLockSafety: cfg.Pipeline.ProcessingLockSafety(),
		HistoryInactivity:    historyInactivity,
	}, ex, nil, ex.cache, nil, cfg.Routing.PreScreenThreshold, cfg.Routing.PreScreenMax)
	ex.pipeline.SetContinuationHandler(ex)
	ex.pipeline.SetCriticalHandler(ex)
	if history != nil {
		ex.pipeline.SetArchiver(ex)
	}
	ex.state = pipeline.NewState()

	return ex
}

// Registry exposes the agent table (internal/ingress reads it for status).
// Transports do not call it: agents register through HandleFrame's
// register frame.
func (ex *Exchange) Registry() *registry.Registry { return ex.registry }

// Pipeline exposes the submission pipeline for internal/ingress and
// internal/mcpingress, both of which call Submit directly against the
// shared State.
func (ex *Exchange) Pipeline() *pipeline.Pipeline { return ex.pipeline }

// State returns the exchange's single threaded mutable state: never create
// a second one, or dedup/processing-lock/pending-input guarantees stop
// holding across call sites.
func (ex *Exchange) State() *pipeline.State { return ex.state }

// Reputation exposes the reputation tracker for the reputation-summary
// ingress operation.
func (ex *Exchange) Reputation() *reputation.Tracker { return ex.reputation }

// SetErrorAgent names the bid-excluded agent invoked for dead-lettered
// tasks. Empty disables the error-responder hand-off.
func (ex *Exchange) SetErrorAgent(agentID string) { ex.errorAgentID = agentID }

// SetSpeaker installs the spoken-acknowledgement egress hook. Speech is an
// egress side-effect only; a nil speaker just logs.
func (ex *Exchange) SetSpeaker(speak func(taskID, phrase string)) { ex.speak = speak }

// ---- pipeline.Auctioneer / pipeline.DirectRouter ----

func (ex *Exchange) newTask(content string, opts pipeline.Options, rawTranscript string) *tasks.Task {
	task := tasks.NewTask(content, 3)
	task.SourceTool = opts.SourceTool
	task.AgentFilter = opts.AgentFilter
	task.RawTranscript = rawTranscript
	task.ScreenContext = opts.ScreenContext
	if opts.TargetAgentID != "" {
		task.RoutingMode = tasks.RoutingLocked
		task.LockedAgentID = opts.TargetAgentID
	}

	ex.queue.Add(task)
	if err := ex.store.Save(task); err != nil {
		log.Printf("[exchange] persisting task %s: %v", task.ID, err)
	}
	if ex.history != nil {
		ex.history.Append(historyNamespace, "user", content)
	}
	ex.publish(events.TaskQueued, "", task.ID, task.Priority, nil)
	return task
}

// SubmitTask creates a queued task and starts its auction asynchronously,
// satisfying pipeline.Auctioneer.
func (ex *Exchange) SubmitTask(ctx context.Context, content string, opts pipeline.Options, rawTranscript string) (string, error) {
	task := ex.newTask(content, opts, rawTranscript)
	go ex.runAuction(context.Background(), task.ID)
	return task.ID, nil
}

// SubmitDirect assigns a task straight to agentID without a bidding round —
// the routing-cache fast path. No auction events are emitted.
func (ex *Exchange) SubmitDirect(ctx context.Context, content, agentID string, opts pipeline.Options, rawTranscript string) (string, error) {
	if rec, ok := ex.registry.ByID(agentID); !ok || rec.Health != registry.HealthHealthy {
		return "", fmt.Errorf("cached agent %s is not available", agentID)
	}

	task := ex.newTask(content, opts, rawTranscript)
	task.RoutingMode = tasks.RoutingLocked
	task.LockedAgentID = agentID
	task.WinningAgentID = agentID

	// The status machine still passes through auctioning; the bidding round
	// itself is what's skipped, so no auction:started is published.
	if err := task.TransitionTo(tasks.StatusAuctioning); err != nil {
		return "", err
	}
	ex.queue.Update(task)
	go ex.assign(task, agentID)
	return task.ID, nil
}

// SubmitSubtask creates a task spawned by an executing agent. A non-empty
// lockedAgentID assigns it unconditionally to that agent with no bidding
// round; otherwise the subtask re-enters the auction like any utterance.
// Subtasks never touch the processing lock — they run under their parent's
// submission.
func (ex *Exchange) SubmitSubtask(ctx context.Context, parentID, content, lockedAgentID string) (string, error) {
	mode, agentID := subtasks.RoutingModeFor(lockedAgentID)

	task := ex.newTask(content, pipeline.Options{SourceTool: "subtask"}, "")
	task.ParentTaskID = parentID
	task.RoutingMode = mode
	task.LockedAgentID = agentID
	ex.queue.Update(task)
	ex.subtasks.Link(parentID, task.ID)

	if mode == tasks.RoutingLocked {
		if err := task.TransitionTo(tasks.StatusAuctioning); err != nil {
			return "", err
		}
		task.WinningAgentID = agentID
		ex.queue.Update(task)
		go ex.assign(task, agentID)
		return task.ID, nil
	}

	go ex.runAuction(context.Background(), task.ID)
	return task.ID, nil
}

// SubmitSubtaskAndWait submits a subtask and blocks until it reaches a
// terminal state or ctx lapses. A dead-lettered subtask returns both the
// task and an error, so the spawning agent can distinguish "failed" from
// "timed out waiting".
func (ex *Exchange) SubmitSubtaskAndWait(ctx context.Context, parentID, content, lockedAgentID string) (*tasks.Task, error) {
	id, err := ex.SubmitSubtask(ctx, parentID, content, lockedAgentID)
	if err != nil {
		return nil, err
	}
	settled, err := ex.subtasks.Await(ctx, id)
	if err != nil {
		return nil, err
	}
	if settled.Status == tasks.StatusDeadLettered {
		return settled, fmt.Errorf("subtask %s dead-lettered", id)
	}
	return settled, nil
}

// TaskDecomposed publishes the decomposition event linking the sibling
// tasks one utterance split into, satisfying pipeline.DecompositionNotifier.
func (ex *Exchange) TaskDecomposed(taskIDs []string) {
	if len(taskIDs) == 0 {
		return
	}
	ex.publish(events.TaskDecomposed, "", taskIDs[0], events.PriorityNormal,
		map[string]interface{}{"task_ids": taskIDs})
}

// cancelCommands are the critical commands that abort in-flight work; the
// rest ("repeat", "say that again") replay the last answer instead.
var cancelCommands = map[string]bool{
	"cancel": true, "stop": true, "nevermind": true, "never mind": true,
	"undo": true, "take that back": true,
}

// HandleCritical actuates an intercepted critical command, satisfying
// pipeline.CriticalCommandHandler. Cancel-style commands cancel every task
// currently holding the processing lock; repeat-style commands re-speak
// the last assistant turn.
func (ex *Exchange) HandleCritical(ctx context.Context, command string, inFlight []string) error {
	words := strings.Fields(command)
	if cancelCommands[command] || (len(words) > 0 && cancelCommands[words[0]]) {
		for _, id := range inFlight {
			if err := ex.CancelTask(id); err != nil {
				log.Printf("[exchange] %q: cancelling %s: %v", command, id, err)
			}
		}
		return nil
	}

	// repeat / say that again
	history := ex.state.History()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "assistant" {
			if ex.speak != nil {
				ex.speak("", history[i].Content)
			}
			return nil
		}
	}
	return nil
}

// Continue forwards a pending-input answer to the agent that asked,
// satisfying pipeline.ContinuationHandler.
func (ex *Exchange) Continue(ctx context.Context, agentID string, pending pipeline.PendingInput, text string) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"content":      text,
		"continuation": true,
		"field":        pending.Field,
		"partial":      pending.Partial,
	})
	if !ex.peer.Send(agentID, transport.Frame{
		Type:    transport.MsgTaskAssignment,
		AgentID: agentID,
		TaskID:  pending.TaskID,
		Payload: payload,
	}) {
		return fmt.Errorf("agent %s is not reachable for continuation", agentID)
	}
	return nil
}

// ArchiveHistory persists a lapsed conversation to the summaries file,
// satisfying pipeline.Archiver. Summarization here is mechanical; an
// LLM-backed summarizer can be layered on through the persistence store.
func (ex *Exchange) ArchiveHistory(turns []pipeline.ConversationTurn) {
	if ex.history == nil {
		return
	}
	err := ex.history.Archive(historyNamespace, func([]persistence.Turn) string {
		var b strings.Builder
		for _, t := range turns {
			fmt.Fprintf(&b, "- %s: %s\n", t.Role, t.Content)
		}
		return b.String()
	})
	if err != nil {
		log.Printf("[exchange] archiving history: %v", err)
	}
}

// runAuction transitions a task through auctioning -> assigned (or a halt)
// and starts execution tracking for the winner.
func (ex *Exchange) runAuction(ctx context.Context, taskID string) {
	task := ex.queue.GetByID(taskID)
	if task == nil {
		return
	}

	if err := task.TransitionTo(tasks.StatusAuctioning); err != nil {
		log.Printf("[exchange] %s: %v", taskID, err)
		return
	}
	ex.queue.Update(task)
	ex.publish(events.AuctionStarted, "", taskID, task.Priority, nil)

	candidates := ex.candidatesFor(task)
	outcome := ex.auction.Run(ctx, taskID, task.Content, candidates)

	if task.Status == tasks.StatusCancelled {
		return
	}

	if outcome.Halted {
		ex.haltAuction(task, outcome.HaltReason)
		return
	}

	task.WinningAgentID = outcome.WinnerID
	task.WinningConfidence = outcome.WinnerConfidence
	task.BackupRanking = outcome.BackupRanking

	if outcome.FastPathResult != nil {
		ex.settleFastPath(task, outcome)
		return
	}

	ex.assign(task, outcome.WinnerID)
}

// candidatesFor builds the solicitation pool. Unhealthy agents stay in it
// (a missed heartbeat shouldn't silence an agent that can still answer a
// bid request) until the bidder circuit opens, which narrows solicitation
// to confirmed-healthy agents.
func (ex *Exchange) candidatesFor(task *tasks.Task) []registry.Record {
	if task.RoutingMode == tasks.RoutingLocked && task.LockedAgentID != "" {
		if rec, ok := ex.registry.ByID(task.LockedAgentID); ok && !rec.BidExcluded {
			return []registry.Record{rec}
		}
		return nil
	}
	if len(task.AgentFilter) > 0 {
		return ex.registry.Filter(task.AgentFilter)
	}
	if ex.circuit.isOpen() {
		return ex.registry.Healthy()
	}
	return ex.registry.Biddable()
}

func (ex *Exchange) haltAuction(task *tasks.Task, reason auction.HaltReason) {
	task.TransitionTo(tasks.StatusDeadLettered)
	ex.queue.Update(task)
	err := xerrors.New(xerrors.ClassHalt, "exchange.runAuction", fmt.Errorf("%s", reason))
	log.Printf("[exchange] %s: %v", task.ID, err)
	ex.publish(events.ExchangeHalt, "", task.ID, task.Priority, map[string]interface{}{"reason": string(reason)})
	ex.publish(events.TaskDeadLetter, "", task.ID, task.Priority, map[string]interface{}{"reason": string(reason)})
	ex.pipeline.Release(ex.state, task.ID)
}

func (ex *Exchange) settleFastPath(task *tasks.Task, outcome auction.Outcome) {
	task.TransitionTo(tasks.StatusAssigned)
	ex.reputation.RecordBid(outcome.WinnerID, true)
	ex.publish(events.TaskAssigned, outcome.WinnerID, task.ID, task.Priority,
		map[string]interface{}{"fast_path": true})
	task.TransitionTo(tasks.StatusAcked)
	task.TransitionTo(tasks.StatusExecuting)
	ex.finishSettle(task, outcome.WinnerID, outcome.FastPathResult)
}

func (ex *Exchange) assign(task *tasks.Task, winnerID string) {
	task.TransitionTo(tasks.StatusAssigned)
	ex.queue.Update(task)
	ex.reputation.RecordBid(winnerID, true)
	ex.publish(events.TaskAssigned, winnerID, task.ID, task.Priority,
		map[string]interface{}{"attempt": task.Attempt})

	ex.exec.Start(context.Background(), task.ID, winnerID, task.Attempt)
	ex.scheduleAckSpeech(task.ID)

	payload, _ := json.Marshal(map[string]interface{}{"content": task.Content})
	ex.peer.Send(winnerID, transport.Frame{
		Type:    transport.MsgTaskAssignment,
		AgentID: winnerID,
		TaskID:  task.ID,
		Payload: payload,
	})
}

// scheduleAckSpeech arms the deferred spoken acknowledgement. The timer
// handle lives in ex.ackTimers, never inside the task, which has to stay
// JSON-serializable for transport snapshots.
func (ex *Exchange) scheduleAckSpeech(taskID string) {
	timer := time.AfterFunc(ackSpeechDelay, func() {
		ex.mu.Lock()
		delete(ex.ackTimers, taskID)
		ex.mu.Unlock()
		if ex.speak != nil {
			ex.speak(taskID, "Working on it.")
		} else {
			log.Printf("[exchange] %s: working on it", taskID)
		}
	})

	ex.mu.Lock()
	if old, ok := ex.ackTimers[taskID]; ok {
		old.Stop()
	}
	ex.ackTimers[taskID] = timer
	ex.mu.Unlock()
}

func (ex *Exchange) cancelAckSpeech(taskID string) {
	ex.mu.Lock()
	if timer, ok := ex.ackTimers[taskID]; ok {
		timer.Stop()
		delete(ex.ackTimers, taskID)
	}
	ex.mu.Unlock()
}

// ---- auction.Solicitor ----

// Solicit sends a bid_request frame to agentID and blocks for its response
// or ctx's deadline, satisfying auction.Solicitor. A send failure gets one
// immediate retry; timeouts feed the bid circuit and the agent's
// reputation.
func (ex *Exchange) Solicit(ctx context.Context, agentID, taskID, content string) auction.Bid {
	if ex.circuit.isOpen() {
		return auction.Bid{Confidence: 0}
	}

	key := taskID + "/" + agentID
	ch := make(chan auction.Bid, 1)

	ex.mu.Lock()
	ex.pendingBids[key] = ch
	ex.mu.Unlock()
	defer func() {
		ex.mu.Lock()
		delete(ex.pendingBids, key)
		ex.mu.Unlock()
	}()

	payload, _ := json.Marshal(map[string]interface{}{"content": content})
	frame := transport.Frame{Type: transport.MsgBidRequest, AgentID: agentID, TaskID: taskID, Payload: payload}
	if !ex.peer.Send(agentID, frame) && !ex.peer.Send(agentID, frame) {
		ex.circuit.recordFailure()
		return auction.Bid{Declined: true}
	}

	select {
	case bid := <-ch:
		ex.circuit.recordSuccess()
		return bid
	case <-ctx.Done():
		ex.circuit.recordFailure()
		ex.reputation.RecordBid(agentID, false)
		return auction.Bid{TimedOut: true}
	}
}

// HandleDisconnect drops a closed agent's registration and announces it on
// the bus. The transport suppresses this callback for intentional closes,
// so a deliberately-retired agent disappears silently.
func (ex *Exchange) HandleDisconnect(agentID string) {
	if ex.registry.Remove(agentID) {
		ex.publish(events.AgentDisconnected, agentID, "all", events.PriorityLow, nil)
	}
}

// ---- transport.Handler (wired by cmd/exchange into the Hub/Bridge) ----

// HandleFrame routes one inbound frame from agentID to the subsystem that
// owns its reply: bid responses go to a pending Solicit call, task
// lifecycle frames go to the Execution Controller.
func (ex *Exchange) HandleFrame(agentID string, f transport.Frame) {
	switch f.Type {
	case transport.MsgRegister:
		var reg struct {
			Capabilities []string `json:"capabilities"`
			BidExcluded  bool     `json:"bid_excluded"`
		}
		json.Unmarshal(f.Payload, &reg)
		ex.registry.Register(agentID, reg.Capabilities)
		if reg.BidExcluded {
			ex.registry.SetBidExcluded(agentID, true)
		}
		ex.publish(events.AgentConnected, agentID, "all", events.PriorityLow, nil)

	case transport.MsgBidResponse:
		var resp struct {
			Confidence        float64     `json:"confidence"`
			Declined          bool        `json:"declined"`
			Result            interface{} `json:"result,omitempty"`
			HallucinationRisk string      `json:"hallucination_risk,omitempty"`
			ExecutionType     string      `json:"execution_type,omitempty"`
		}
		json.Unmarshal(f.Payload, &resp)
		bid := auction.Bid{
			Reputation:        ex.reputation.Score(agentID).Score,
			Confidence:        resp.Confidence,
			Declined:          resp.Declined,
			Result:            resp.Result,
			HallucinationRisk: resp.HallucinationRisk,
			ExecutionType:     resp.ExecutionType,
		}
		ex.deliverBid(f.TaskID, agentID, bid)

	case transport.MsgTaskAck:
		var ack struct {
			EstimatedMs int64 `json:"estimated_ms"`
		}
		json.Unmarshal(f.Payload, &ack)
		if !ex.exec.Ack(f.TaskID, time.Duration(ack.EstimatedMs)*time.Millisecond) {
			return
		}
		if task := ex.queue.GetByID(f.TaskID); task != nil {
			task.TransitionTo(tasks.StatusAcked)
			task.TransitionTo(tasks.StatusExecuting)
			ex.queue.Update(task)
		}
		ex.publish(events.TaskExecuting, agentID, f.TaskID, events.PriorityNormal, nil)
		ex.publish(events.TaskLocked, agentID, f.TaskID, events.PriorityNormal, nil)

	case transport.MsgTaskHeartbeat:
		if ex.exec.Heartbeat(f.TaskID) {
			var hb struct {
				Progress string `json:"progress,omitempty"`
			}
			json.Unmarshal(f.Payload, &hb)
			ex.publish(events.TaskHeartbeat, agentID, f.TaskID, events.PriorityLow,
				map[string]interface{}{"progress": hb.Progress})
		}

	case transport.MsgTaskResult:
		ex.handleTaskResult(agentID, f)
	}
}

func (ex *Exchange) handleTaskResult(agentID string, f transport.Frame) {
	var result tasks.Result
	json.Unmarshal(f.Payload, &result)

	// A dead-lettered task's error-responder reply is claimed by the
	// waiting invocation, not the normal settle path.
	ex.mu.Lock()
	waiter, waiting := ex.errorWaits[f.TaskID]
	ex.mu.Unlock()
	if waiting {
		select {
		case waiter <- result:
		default:
		}
		return
	}

	if result.NeedsInput != nil {
		// The task pauses for the user's answer; the processing lock stays
		// held by it and execution tracking keeps running.
		ex.state.SetPendingInput(agentID, pipeline.PendingInput{
			TaskID:  f.TaskID,
			Field:   result.NeedsInput.Field,
			Options: result.NeedsInput.Options,
			Partial: result.NeedsInput.Partial,
		})
		ex.publish(events.TaskNeedsInput, agentID, f.TaskID, events.PriorityHigh,
			map[string]interface{}{"field": result.NeedsInput.Field})
		return
	}

	if !result.Success {
		if result.Error != "" {
			log.Printf("[exchange] %s: agent %s failed: %s", f.TaskID, agentID, result.Error)
		}
		ex.exec.Fail(f.TaskID)
		return
	}

	ex.exec.Result(f.TaskID, result, saneResult, func() {
		ex.regroundAgent(agentID, f.TaskID)
	})
}

// regroundAgent re-sends the assignment once with a grounding note after a
// failed sanity check. The next result is accepted either way.
func (ex *Exchange) regroundAgent(agentID, taskID string) {
	task := ex.queue.GetByID(taskID)
	if task == nil {
		return
	}
	now := time.Now()
	payload, _ := json.Marshal(map[string]interface{}{
		"content": task.Content,
		"grounding": fmt.Sprintf("Today is %s, %s. Re-check any dates, days, or temperatures in your answer.",
			now.Weekday(), now.Format("January 2, 2006")),
	})
	ex.peer.Send(agentID, transport.Frame{
		Type:    transport.MsgTaskAssignment,
		AgentID: agentID,
		TaskID:  taskID,
		Payload: payload,
	})
}

var (
	weekdayPattern     = regexp.MustCompile(`(?i)\btoday is (monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	datePattern        = regexp.MustCompile(`(?i)\btoday is (january|february|march|april|may|june|july|august|september|october|november|december) (\d{1,2})\b`)
	temperaturePattern = regexp.MustCompile(`(-?\d{1,3})\s*°?\s*(F|C|fahrenheit|celsius)\b`)
)

// saneResult runs cheap grounding checks on a textual result before it is
// surfaced for speech: self-reported day-of-week and date must match the
// actual ones, and temperatures must be physically plausible.
func saneResult(v interface{}) bool {
	result, ok := v.(tasks.Result)
	if !ok || result.Text == "" {
		return true
	}
	text := result.Text
	now := time.Now()

	if m := weekdayPattern.FindStringSubmatch(text); m != nil {
		if !strings.EqualFold(m[1], now.Weekday().String()) {
			return false
		}
	}

	if m := datePattern.FindStringSubmatch(text); m != nil {
		day, _ := strconv.Atoi(m[2])
		if !strings.EqualFold(m[1], now.Month().String()) || day != now.Day() {
			return false
		}
	}

	for _, m := range temperaturePattern.FindAllStringSubmatch(text, -1) {
		deg, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		unit := strings.ToUpper(m[2][:1])
		if unit == "F" && (deg < -130 || deg > 140) {
			return false
		}
		if unit == "C" && (deg < -90 || deg > 60) {
			return false
		}
	}
	return true
}

func (ex *Exchange) deliverBid(taskID, agentID string, bid auction.Bid) {
	key := taskID + "/" + agentID
	ex.mu.Lock()
	ch, ok := ex.pendingBids[key]
	ex.mu.Unlock()
	if ok {
		select {
		case ch <- bid:
		default:
		}
	}
}

// ---- execution.Callbacks ----

func (ex *Exchange) onBust(taskID, agentID string, attempt int) {
	task := ex.queue.GetByID(taskID)
	if task == nil {
		return
	}
	ex.cancelAckSpeech(taskID)
	ex.reputation.RecordAttempt(agentID, false)
	ex.registry.RecordFailure(agentID)
	ex.cache.Invalidate(task.Content)
	ex.publish(events.TaskBusted, agentID, taskID, task.Priority, map[string]interface{}{
		"reason":           "deadline_missed",
		"backupsRemaining": len(task.BackupRanking),
	})

	if err := task.TransitionTo(tasks.StatusBusted); err != nil {
		return
	}
	ex.queue.Update(task)

	if len(task.BackupRanking) == 0 {
		ex.onDeadLetter(taskID)
		return
	}

	next := task.BackupRanking[0]
	task.BackupRanking = task.BackupRanking[1:]
	task.Attempt = attempt + 1
	task.WinningAgentID = next
	task.TransitionTo(tasks.StatusAuctioning)
	ex.queue.Update(task)
	ex.assign(task, next)
}

func (ex *Exchange) onDeadLetter(taskID string) {
	task := ex.queue.GetByID(taskID)
	if task == nil {
		return
	}
	ex.cancelAckSpeech(taskID)
	if task.Status != tasks.StatusDeadLettered {
		task.TransitionTo(tasks.StatusDeadLettered)
		ex.queue.Update(task)
	}

	payload := map[string]interface{}{"reason": "backups_exhausted"}
	if result := ex.invokeErrorAgent(task); result != nil {
		task.Result = result
		ex.queue.Update(task)
		payload["result"] = result.Text
	}
	ex.publish(events.TaskDeadLetter, "", taskID, task.Priority, payload)
	ex.pipeline.Release(ex.state, taskID)

	if _, ok := ex.subtasks.Parent(taskID); ok {
		ex.subtasks.Deliver(taskID, task)
	}
}

// invokeErrorAgent hands a dead-lettered task to the bid-excluded error
// responder and waits for its output, bounded by the safety deadline so the
// exchange always produces a final result.
func (ex *Exchange) invokeErrorAgent(task *tasks.Task) *tasks.Result {
	if ex.errorAgentID == "" {
		return nil
	}
	ex.publish(events.TaskRouteToError, ex.errorAgentID, task.ID, events.PriorityHigh, nil)

	ch := make(chan tasks.Result, 1)
	ex.mu.Lock()
	ex.errorWaits[task.ID] = ch
	ex.mu.Unlock()
	defer func() {
		ex.mu.Lock()
		delete(ex.errorWaits, task.ID)
		ex.mu.Unlock()
	}()

	payload, _ := json.Marshal(map[string]interface{}{
		"content":     task.Content,
		"failed_task": true,
	})
	sent := ex.peer.Send(ex.errorAgentID, transport.Frame{
		Type:    transport.MsgTaskAssignment,
		AgentID: ex.errorAgentID,
		TaskID:  task.ID,
		Payload: payload,
	})
	if !sent {
		return &tasks.Result{Text: "Something went wrong with that request.", Error: "error responder unreachable"}
	}

	select {
	case r := <-ch:
		return &r
	case <-time.After(errorAgentDeadline):
		return &tasks.Result{Text: "Something went wrong with that request.", Error: "error responder timed out"}
	}
}

func (ex *Exchange) onSettle(taskID, agentID string, result interface{}) {
	task := ex.queue.GetByID(taskID)
	if task == nil {
		return
	}
	ex.finishSettle(task, agentID, result)
}

func (ex *Exchange) finishSettle(task *tasks.Task, agentID string, result interface{}) {
	ex.cancelAckSpeech(task.ID)

	if r, ok := result.(tasks.Result); ok {
		task.Result = &r
	} else if m, ok := result.(map[string]interface{}); ok {
		data, _ := json.Marshal(m)
		var r tasks.Result
		json.Unmarshal(data, &r)
		task.Result = &r
	}
	task.WinningAgentID = agentID
	if err := task.TransitionTo(tasks.StatusSettled); err != nil {
		log.Printf("[exchange] settling %s: %v", task.ID, err)
		return
	}
	ex.queue.Update(task)
	if err := ex.store.Save(task); err != nil {
		log.Printf("[exchange] persisting settled task %s: %v", task.ID, err)
	}
	if task.Result != nil {
		ex.state.AppendTurn("assistant", task.Result.Text, agentID)
		if ex.history != nil {
			ex.history.Append(historyNamespace, "assistant", task.Result.Text)
		}
	}
	ex.reputation.RecordAttempt(agentID, true)
	ex.registry.RecordSuccess(agentID)
	if task.RoutingMode == tasks.RoutingOpen {
		ex.cache.Put(task.Content, routing.CacheEntry{
			WinnerID:   agentID,
			Confidence: task.WinningConfidence,
		})
	}
	ex.publish(events.TaskUnlocked, agentID, task.ID, task.Priority, nil)
	ex.publish(events.TaskSettled, agentID, task.ID, task.Priority, nil)
	ex.pipeline.Release(ex.state, task.ID)

	if _, ok := ex.subtasks.Parent(task.ID); ok {
		ex.subtasks.Deliver(task.ID, task)
	}
	ex.subtasks.ReleaseParent(task.ID)
}

// ---- ingress operations ----

// CancelTask cancels an in-flight or queued task. A result arriving after
// cancellation is dropped by the Execution Controller's suppression flag.
func (ex *Exchange) CancelTask(taskID string) error {
	task := ex.queue.GetByID(taskID)
	if task == nil {
		return xerrors.New(xerrors.ClassProtocol, "exchange.CancelTask", fmt.Errorf("task %s not found", taskID))
	}
	ex.exec.Cancel(taskID)
	ex.cancelAckSpeech(taskID)
	if err := task.TransitionTo(tasks.StatusCancelled); err != nil {
		return xerrors.New(xerrors.ClassProtocol, "exchange.CancelTask", err)
	}
	ex.queue.Update(task)
	ex.publish(events.TaskCancelled, "", taskID, task.Priority, nil)
	ex.pipeline.Release(ex.state, taskID)
	if _, ok := ex.subtasks.Parent(taskID); ok {
		ex.subtasks.Deliver(taskID, task)
	}
	return nil
}

// StatusSnapshot is the exchange-wide status the status ingress operation
// returns.
type StatusSnapshot struct {
	TasksQueued   int           `json:"tasks_queued"`
	TasksInFlight int           `json:"tasks_in_flight"`
	AgentsHealthy int           `json:"agents_healthy"`
	AgentsTotal   int           `json:"agents_total"`
	Tasks         []*tasks.Task `json:"tasks"`
}

// Status reports a snapshot of the exchange's current state.
func (ex *Exchange) Status() StatusSnapshot {
	all := ex.queue.All()
	inFlight := 0
	for _, t := range all {
		if !t.IsTerminal() {
			inFlight++
		}
	}
	return StatusSnapshot{
		TasksQueued:   ex.queue.Len(),
		TasksInFlight: inFlight,
		AgentsHealthy: len(ex.registry.Healthy()),
		AgentsTotal:   ex.registry.Count(),
		Tasks:         all,
	}
}

// ReconnectSummary reports the outcome of a reconnect-agents call.
type ReconnectSummary struct {
	Reconnected      int `json:"reconnected"`
	Failed           int `json:"failed"`
	AlreadyConnected int `json:"alreadyConnected"`
}

// ReconnectAgents sweeps the registry for stale heartbeats, then checks
// each non-healthy agent against the transport layer directly: one whose
// connection is still live there just missed a heartbeat and is restored,
// one the transport also lost counts as a failure to reconnect.
func (ex *Exchange) ReconnectAgents() ReconnectSummary {
	var summary ReconnectSummary
	for _, rec := range ex.registry.All() {
		if rec.Health == registry.HealthHealthy {
			summary.AlreadyConnected++
			continue
		}
		if ex.peer.Connected(rec.ID) {
			ex.registry.Heartbeat(rec.ID)
			summary.Reconnected++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// ReputationSummary returns every tracked agent's rolling reputation
// snapshot.
func (ex *Exchange) ReputationSummary() []reputation.Snapshot {
	return ex.reputation.Summary()
}

// Shutdown halts every in-flight task and signals ShuttingDown.
func (ex *Exchange) Shutdown() {
	ex.shutdownOnce.Do(func() {
		for _, t := range ex.queue.All() {
			if !t.IsTerminal() {
				ex.exec.Cancel(t.ID)
				ex.cancelAckSpeech(t.ID)
			}
		}
		close(ex.shuttingDown)
	})
}

// ShuttingDown is closed once Shutdown has been called.
func (ex *Exchange) ShuttingDown() <-chan struct{} { return ex.shuttingDown }

func (ex *Exchange) publish(eventType events.EventType, source, target string, priority int, payload map[string]interface{}) {
	if ex.bus == nil {
		return
	}
	ex.bus.Publish(events.NewEvent(eventType, source, target, priority, payload))
}
