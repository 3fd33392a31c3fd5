// Package facade implements the Feed Facade: the single subscriber-facing
// surface the UI consumes, composing the Feed Mapper, Session Store, Hook
// Controller, and operator queues behind one API. It owns no state the
// other components don't already own — it orchestrates, wiring the
// broker's callbacks into the mapper/store pipeline and the operator's
// resolve calls back into the broker.
package facade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lespaceman/athena/internal/broker"
	"github.com/lespaceman/athena/internal/config"
	"github.com/lespaceman/athena/internal/controller"
	"github.com/lespaceman/athena/internal/feed"
	"github.com/lespaceman/athena/internal/mapper"
	"github.com/lespaceman/athena/internal/protocol"
	"github.com/lespaceman/athena/internal/queue"
	"github.com/lespaceman/athena/internal/rules"
	"github.com/lespaceman/athena/internal/store"
	"github.com/lespaceman/athena/internal/telemetry"
)

// Message is a UI-originated entry (not derived from a harness hook) that
// shares the monotonic seq ordering with FeedEvents, e.g. an operator note
// or a rendered system message.
type Message struct {
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Item is one entry in the Facade's merged, seq-ordered feed: exactly one
// of Event or Message is set.
type Item struct {
	Event   *feed.FeedEvent
	Message *Message
}

func (it Item) seq() uint64 {
	if it.Event != nil {
		return it.Event.Seq
	}
	return it.Message.Seq
}

// isMessage reports whether this item is a synthesized Message — used to
// break seq ties in favor of messages when merging with FeedEvents.
func (it Item) isMessage() bool { return it.Message != nil }

// Config wires a Facade's dependencies. Callers construct the Mapper,
// Store, rule Engine, and queues themselves so tests can substitute
// in-memory variants (":memory:" store, empty rule set).
type Config struct {
	ProjectDir  string
	RulesPath   string
	Mapper      *mapper.Mapper
	Store       *store.Store
	Rules       *rules.Engine
	Permission  *queue.PermissionQueue
	Question    *queue.QuestionQueue
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	HookLog     *telemetry.HookLogWriter
	AutoPassMs  int
	SocketPath  string
}

// Facade is the composed runtime object `athena serve` constructs once per
// process.
type Facade struct {
	cfg    Config
	ctrl   *controller.Controller
	broker *broker.Broker

	mu             sync.Mutex
	events         []*feed.FeedEvent
	messages       []Message
	postByToolUse  map[string]*feed.FeedEvent
	degraded       bool
	degradedReason string
}

// New constructs a Facade and the Broker it owns, wiring the broker's
// OnEvent/OnDecision/OnConnectionClose callbacks into the mapper, store,
// and queues.
func New(cfg Config) *Facade {
	f := &Facade{
		cfg:           cfg,
		ctrl:          controller.New(cfg.Rules, cfg.Permission, cfg.Question).WithMetrics(cfg.Metrics),
		postByToolUse: make(map[string]*feed.FeedEvent),
	}

	f.broker = broker.New(broker.Config{
		SocketPath:        cfg.SocketPath,
		AutoPassthroughMs: cfg.AutoPassMs,
		Controller:        f.ctrl,
		Logger:            cfg.Logger,
		Metrics:           cfg.Metrics,
		HookLog:           cfg.HookLog,
		OnEvent:           f.handleEvent,
		OnDecision:        f.handleDecision,
		OnConnectionClose: f.handleConnectionClose,
	})

	return f
}

// Start begins accepting harness connections.
func (f *Facade) Start() error {
	return f.broker.Start()
}

// Stop shuts down the broker and closes the store.
func (f *Facade) Stop() error {
	brokerErr := f.broker.Stop()
	var storeErr error
	if f.cfg.Store != nil {
		storeErr = f.cfg.Store.Close()
	}
	if brokerErr != nil {
		return brokerErr
	}
	return storeErr
}

// Bootstrap seeds the Facade's in-memory event cache and mapper state from
// a store snapshot, for resume.
func (f *Facade) Bootstrap(boot *store.Bootstrap) {
	if boot == nil {
		return
	}
	f.mu.Lock()
	f.events = append(f.events, boot.Events...)
	for _, e := range boot.Events {
		if e.Kind == feed.KindToolPost || e.Kind == feed.KindToolFailure {
			if e.ToolUseID != "" {
				f.postByToolUse[e.ToolUseID] = e
			}
		}
	}
	f.mu.Unlock()

	f.cfg.Mapper.Bootstrap(boot.Session, boot.Run, boot.LastSeq)
}

func (f *Facade) handleEvent(env *protocol.Envelope) {
	if env.Event.HookEventName == protocol.HookSessionStart && env.Event.SessionID != "" && f.cfg.Mapper.CurrentSession() == nil && f.cfg.Store != nil {
		if boot, err := f.cfg.Store.Restore(context.Background(), env.Event.SessionID); err == nil && boot.Session != nil {
			f.Bootstrap(boot)
		}
	}

	feedEvents := f.cfg.Mapper.MapEvent(env)
	f.persist(feedEvents)
}

func (f *Facade) handleDecision(requestID string, outcome broker.DecisionOutcome) {
	fe, err := f.cfg.Mapper.MapDecision(requestID, mapper.DecisionOutcome{
		Intent:  outcome.Intent,
		Message: outcome.Reason,
	})
	if err != nil || fe == nil {
		// No pending request for this id (already resolved, or its run was
		// closed and the correlation index cleared). Not an error condition
		// the operator needs to see.
		return
	}
	f.persist([]*feed.FeedEvent{fe})
}

func (f *Facade) handleConnectionClose(requestIDs []string) {
	f.cfg.Permission.RemoveAll(requestIDs)
	f.cfg.Question.RemoveAll(requestIDs)
	f.reportQueueDepth()
}

func (f *Facade) reportQueueDepth() {
	if f.cfg.Metrics == nil {
		return
	}
	f.cfg.Metrics.QueueDepth.WithLabelValues("permission").Set(float64(f.cfg.Permission.Count()))
	f.cfg.Metrics.QueueDepth.WithLabelValues("question").Set(float64(f.cfg.Question.Count()))
}

func (f *Facade) persist(events []*feed.FeedEvent) {
	if len(events) == 0 {
		return
	}
	if f.cfg.Store != nil {
		if err := f.cfg.Store.RecordFeedEvents(context.Background(), events); err != nil {
			f.markDegraded(fmt.Sprintf("store write failed: %v", err))
		}
		if sess := f.cfg.Mapper.CurrentSession(); sess != nil {
			_ = f.cfg.Store.RecordSession(context.Background(), sess)
		}
		if run := f.cfg.Mapper.CurrentRun(); run != nil {
			_ = f.cfg.Store.RecordRun(context.Background(), run)
		}
	}

	f.mu.Lock()
	f.events = append(f.events, events...)
	for _, e := range events {
		if (e.Kind == feed.KindToolPost || e.Kind == feed.KindToolFailure) && e.ToolUseID != "" {
			f.postByToolUse[e.ToolUseID] = e
		}
	}
	f.mu.Unlock()
}

func (f *Facade) markDegraded(reason string) {
	if f.cfg.Store != nil {
		f.cfg.Store.MarkDegraded(reason)
	}
	f.mu.Lock()
	if !f.degraded {
		f.degraded = true
		f.degradedReason = reason
	}
	f.mu.Unlock()
	if f.cfg.Metrics != nil {
		f.cfg.Metrics.StoreDegraded.Set(1)
	}
}

// IsDegraded reports whether any persistence write has ever failed.
func (f *Facade) IsDegraded() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded, f.degradedReason
}

// IsServerRunning reports whether the broker is actively listening.
func (f *Facade) IsServerRunning() bool {
	return f.broker.GetStatus().Listening
}

// Session returns the mapper's current session.
func (f *Facade) Session() *feed.Session { return f.cfg.Mapper.CurrentSession() }

// CurrentRun returns the mapper's open run, if any.
func (f *Facade) CurrentRun() *feed.Run { return f.cfg.Mapper.CurrentRun() }

// Actors returns the mapper's actor registry snapshot.
func (f *Facade) Actors() []*feed.Actor { return f.cfg.Mapper.Actors() }

// PostByToolUseID looks up the tool.post/tool.failure event correlated to a
// tool_use_id, for UI rendering of a pre/post pair without re-scanning the
// feed.
func (f *Facade) PostByToolUseID(toolUseID string) (*feed.FeedEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.postByToolUse[toolUseID]
	return e, ok
}

// Items returns the seq-ordered merge of feed events and UI messages.
func (f *Facade) Items() []Item {
	f.mu.Lock()
	defer f.mu.Unlock()

	items := make([]Item, 0, len(f.events)+len(f.messages))
	for _, e := range f.events {
		items = append(items, Item{Event: e})
	}
	for i := range f.messages {
		m := f.messages[i]
		items = append(items, Item{Message: &m})
	}
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := items[i].seq(), items[j].seq()
		if si != sj {
			return si < sj
		}
		return items[i].isMessage() && !items[j].isMessage()
	})
	return items
}

// PostMessage appends a UI-originated Message, allocating it a seq from the
// shared mapper allocator so it interleaves correctly with feed events.
func (f *Facade) PostMessage(text string) Message {
	msg := Message{Seq: f.cfg.Mapper.AllocateSeq(), Text: text, Timestamp: time.Now().UTC()}
	f.mu.Lock()
	f.messages = append(f.messages, msg)
	f.mu.Unlock()
	return msg
}

// ClearEvents drops the in-memory event/message cache (not the durable
// store) — used by the UI's "clear" action.
func (f *Facade) ClearEvents() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = nil
	f.messages = nil
	f.postByToolUse = make(map[string]*feed.FeedEvent)
}

// PrintTaskSnapshot synthesizes a Notification feed event listing every
// task.completed event seen in the current run, for an operator who wants a
// summary without scrolling the raw feed. It is a no-op (returns false) when
// the current run has completed no tasks.
func (f *Facade) PrintTaskSnapshot() (*feed.FeedEvent, bool) {
	run := f.CurrentRun()
	if run == nil {
		return nil, false
	}

	f.mu.Lock()
	var completed []string
	for _, e := range f.events {
		if e.Kind == feed.KindTaskCompleted && e.RunID == run.ID {
			completed = append(completed, e.Summary)
		}
	}
	f.mu.Unlock()

	if len(completed) == 0 {
		return nil, false
	}

	fe := feed.New(feed.KindNotification).
		WithSession(run.SessionID).WithRun(run.ID).
		WithSummary(fmt.Sprintf("%d task(s) completed this run", len(completed))).
		WithData("tasks", completed)
	fe.EventID = protocol.NewID()
	fe.Seq = f.cfg.Mapper.AllocateSeq()

	f.persist([]*feed.FeedEvent{fe})
	return fe, true
}

// Rules returns the live rule list.
func (f *Facade) Rules() []feed.HookRule { return f.cfg.Rules.List() }

// AddRule appends a rule and persists the updated list to RulesPath.
func (f *Facade) AddRule(rule feed.HookRule) error {
	f.cfg.Rules.Append(rule)
	return f.saveRules()
}

// RemoveRule deletes the rule at index and persists the updated list.
func (f *Facade) RemoveRule(index int) error {
	if !f.cfg.Rules.Remove(index) {
		return fmt.Errorf("facade: rule index %d out of range", index)
	}
	return f.saveRules()
}

func (f *Facade) saveRules() error {
	if f.cfg.RulesPath == "" {
		return nil
	}
	return config.SaveRules(f.cfg.RulesPath, f.cfg.Rules.List())
}

// CurrentPermission returns the head-of-queue permission request, if any.
func (f *Facade) CurrentPermission() (feed.PermissionQueueItem, bool) {
	return f.cfg.Permission.Current()
}

// CurrentQuestion returns the head-of-queue question, if any.
func (f *Facade) CurrentQuestion() (feed.QuestionQueueItem, bool) {
	return f.cfg.Question.Current()
}

// ResolvePermission dequeues requestID and sends the operator's decision.
// When alwaysAllow is set, an "allow" rule for the item's tool name is
// appended and persisted (S2's always-allow persistence).
func (f *Facade) ResolvePermission(requestID string, allow bool, reason string, alwaysAllow bool) error {
	item, ok := f.cfg.Permission.Dequeue(requestID)
	if !ok {
		return fmt.Errorf("facade: no pending permission request %q", requestID)
	}
	f.reportQueueDepth()

	if allow && alwaysAllow {
		if err := f.AddRule(feed.HookRule{Pattern: item.ToolName, Action: "allow", AddedBy: "permission-dialog"}); err != nil {
			return err
		}
	}

	var result protocol.HookResult
	intent := "deny"
	if allow {
		result = protocol.PermissionAllow(reason)
		intent = "allow"
	} else {
		result = protocol.PermissionDeny(reason)
	}
	return f.broker.Respond(requestID, result, broker.DecisionOutcome{Intent: intent, Source: "user", Reason: reason})
}

// ResolveQuestion dequeues requestID and answers an AskUserQuestion hook
// with the operator's answers, keyed by question text.
func (f *Facade) ResolveQuestion(requestID string, answers map[string]string) error {
	if _, ok := f.cfg.Question.Dequeue(requestID); !ok {
		return fmt.Errorf("facade: no pending question %q", requestID)
	}
	f.reportQueueDepth()
	result := protocol.QuestionAnswer(answers)
	return f.broker.Respond(requestID, result, broker.DecisionOutcome{
		Intent: "allow", Source: "user", Reason: result.AdditionalContext,
	})
}

// Status reports a combined health snapshot for `athena doctor`.
type Status struct {
	Broker         broker.Status
	Degraded       bool
	DegradedReason string
	RuleCount      int
}

// GetStatus returns the combined broker/store/rules status.
func (f *Facade) GetStatus() Status {
	degraded, reason := f.IsDegraded()
	return Status{
		Broker:         f.broker.GetStatus(),
		Degraded:       degraded,
		DegradedReason: reason,
		RuleCount:      len(f.cfg.Rules.List()),
	}
}
