// Package broker implements the Hook Broker: a Unix-domain-socket server
// that accepts concurrent harness connections, reads NDJSON hook_event
// envelopes, runs them through the Hook Controller's dispatch policy, and
// gives every request_id that no rule resolves and no operator queue claims
// a passthrough hook_result after AUTO_PASSTHROUGH_MS. Queued requests have
// no deadline: the operator or a connection close resolves them. A reader
// goroutine per connection
// dispatches into a shared, mutex-guarded pending-request map keyed by
// request id, each entry carrying a cancelable deadline timer; a closed
// connection synthesizes passthrough decisions for whatever it left
// pending.
package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lespaceman/athena/internal/controller"
	"github.com/lespaceman/athena/internal/protocol"
	"github.com/lespaceman/athena/internal/telemetry"
)

// DefaultAutoPassthroughMs is used when Config.AutoPassthroughMs is zero.
const DefaultAutoPassthroughMs = 200

// Config parameterizes a Broker instance. Every value a Broker needs is
// passed in here rather than read from a package-level default, so multiple
// Brokers with different policies can coexist in one process.
type Config struct {
	SocketPath        string
	AutoPassthroughMs int
	Controller        *controller.Controller
	Logger            *telemetry.Logger
	Metrics           *telemetry.Metrics
	HookLog           *telemetry.HookLogWriter

	// OnEvent is invoked for every structurally valid inbound envelope,
	// before the controller's dispatch decision is known. Typically wired
	// to the Feed Mapper + Session Store.
	OnEvent func(env *protocol.Envelope)

	// OnDecision is invoked once a request_id resolves, by whatever path
	// (rule, operator, timeout, or connection close).
	OnDecision func(requestID string, outcome DecisionOutcome)

	// OnConnectionClose is invoked with the request ids still pending on a
	// socket that just closed, after their synthetic passthrough decisions
	// have already fired. Wired to prune the permission/question queues.
	OnConnectionClose func(requestIDs []string)
}

// DecisionOutcome is what OnDecision receives: the resolved intent and the
// source that resolved it, mirroring RuntimeDecision's {type, source}.
type DecisionOutcome struct {
	Intent string // "allow" | "deny" | "passthrough"
	Source string // "user" | "rule" | "timeout" | "auto"
	Reason string
}

type pendingRequest struct {
	conn          net.Conn
	timer         *time.Timer
	createdAt     time.Time
	hookEventName string
}

// Broker is the UDS listener and pending-request dispatcher. One Broker
// owns exactly one socket file.
type Broker struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	pending  map[string]*pendingRequest
	byConn   map[net.Conn]map[string]struct{}
	wg       sync.WaitGroup
	stopping bool
}

// New creates a Broker for cfg. Call Start to begin accepting connections.
func New(cfg Config) *Broker {
	if cfg.AutoPassthroughMs <= 0 {
		cfg.AutoPassthroughMs = DefaultAutoPassthroughMs
	}
	return &Broker{
		cfg:     cfg,
		pending: make(map[string]*pendingRequest),
		byConn:  make(map[net.Conn]map[string]struct{}),
	}
}

// Start creates (or recreates, if stale) the UDS at cfg.SocketPath, chmods
// it to 0600, and begins accepting connections in the background.
func (b *Broker) Start() error {
	dir := filepath.Dir(b.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("broker: mkdir %s: %w", dir, err)
	}
	if err := removeStaleSocket(b.cfg.SocketPath); err != nil {
		return fmt.Errorf("broker: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", b.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("broker: listen %s: %w", b.cfg.SocketPath, err)
	}
	if err := os.Chmod(b.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("broker: chmod socket: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	b.wg.Add(1)
	go b.acceptLoop(ln)
	return nil
}

func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(path)
}

func (b *Broker) acceptLoop(ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	defer b.wg.Done()
	defer b.closeConnection(conn)

	reader := protocol.NewLineReader(conn)
	for {
		env, err := reader.Next()
		if err != nil {
			return
		}
		if err := protocol.IsValidEnvelope(env); err != nil {
			b.log().Warn(context.Background(), "broker: invalid envelope, closing connection", "error", err.Error())
			return
		}

		b.registerPending(env.RequestID, conn, string(env.Event.HookEventName))
		b.cfg.HookLog.Received(env.RequestID, string(env.Event.HookEventName))

		if b.cfg.OnEvent != nil {
			b.cfg.OnEvent(env)
		}

		if b.cfg.Controller != nil {
			ctrlDecision := b.cfg.Controller.Dispatch(env)
			switch ctrlDecision.Outcome {
			case controller.OutcomeImmediate:
				_ = b.Respond(env.RequestID, ctrlDecision.Result, DecisionOutcome{
					Intent: ctrlDecision.Intent,
					Source: "rule",
					Reason: ctrlDecision.Reason,
				})
				continue
			case controller.OutcomeEnqueued:
				// No timer: the operator (or a connection close) resolves this.
				continue
			}
		}
		b.armTimeout(env.RequestID)
	}
}

func (b *Broker) registerPending(requestID string, conn net.Conn, hookEventName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[requestID] = &pendingRequest{conn: conn, createdAt: time.Now(), hookEventName: hookEventName}
	if b.byConn[conn] == nil {
		b.byConn[conn] = make(map[string]struct{})
	}
	b.byConn[conn][requestID] = struct{}{}
}

func (b *Broker) armTimeout(requestID string) {
	b.mu.Lock()
	pr, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return
	}
	deadline := time.Duration(b.cfg.AutoPassthroughMs) * time.Millisecond
	pr.timer = time.AfterFunc(deadline, func() {
		_ = b.Respond(requestID, protocol.Passthrough(), DecisionOutcome{Intent: "passthrough", Source: "timeout"})
	})
	b.mu.Unlock()
}

// Respond resolves requestID with result, notifying OnDecision. It is
// idempotent: a request_id no longer pending (already responded to, or
// pruned by a connection close) is a silent no-op, matching the broker's
// double-decision tolerance.
func (b *Broker) Respond(requestID string, result protocol.HookResult, outcome DecisionOutcome) error {
	b.mu.Lock()
	pr, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	delete(b.pending, requestID)
	if reqs := b.byConn[pr.conn]; reqs != nil {
		delete(reqs, requestID)
		if len(reqs) == 0 {
			delete(b.byConn, pr.conn)
		}
	}
	b.mu.Unlock()

	writeErr := protocol.WriteResult(pr.conn, requestID, result)
	if writeErr != nil {
		b.log().Warn(context.Background(), "broker: write result failed", "request_id", requestID, "error", writeErr.Error())
	}

	if b.cfg.Metrics != nil {
		b.cfg.Metrics.DispatchDuration.WithLabelValues(pr.hookEventName).Observe(time.Since(pr.createdAt).Seconds())
		b.cfg.Metrics.DecisionsTotal.WithLabelValues(outcome.Intent, outcome.Source).Inc()
	}
	b.cfg.HookLog.Responded(requestID, outcome.Intent, outcome.Source)

	if b.cfg.OnDecision != nil {
		b.cfg.OnDecision(requestID, outcome)
	}
	return writeErr
}

// closeConnection runs when a connection's read loop ends: every request
// still pending on it resolves as a synthetic auto-passthrough, then the
// caller is told which request ids to prune from the operator queues.
func (b *Broker) closeConnection(conn net.Conn) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byConn[conn]))
	for id := range b.byConn[conn] {
		ids = append(ids, id)
	}
	delete(b.byConn, conn)
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Respond(id, protocol.Passthrough(), DecisionOutcome{Intent: "passthrough", Source: "auto"})
	}

	conn.Close()

	if len(ids) > 0 && b.cfg.OnConnectionClose != nil {
		b.cfg.OnConnectionClose(ids)
	}
}

// Status reports the broker's live state for `athena doctor`.
type Status struct {
	SocketPath   string
	Listening    bool
	PendingCount int
}

// GetStatus returns the broker's current status snapshot.
func (b *Broker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		SocketPath:   b.cfg.SocketPath,
		Listening:    b.listener != nil && !b.stopping,
		PendingCount: len(b.pending),
	}
}

// Stop closes the listener, cancels every pending timer, emits a synthetic
// passthrough decision for every still-pending request (so the harness, if
// still reachable, unblocks), and waits for in-flight connection handlers
// to exit.
func (b *Broker) Stop() error {
	b.mu.Lock()
	b.stopping = true
	ln := b.listener
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var closeErr error
	if ln != nil {
		closeErr = ln.Close()
	}

	for _, id := range ids {
		_ = b.Respond(id, protocol.Passthrough(), DecisionOutcome{Intent: "passthrough", Source: "auto"})
	}

	b.wg.Wait()
	return closeErr
}

func (b *Broker) log() *telemetry.Logger {
	if b.cfg.Logger == nil {
		return telemetry.NewLogger(telemetry.LogConfig{}).Component("broker")
	}
	return b.cfg.Logger
}
