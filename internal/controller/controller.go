// Package controller implements the Hook Controller: the fast-path dispatch
// policy applied before an inbound hook event reaches the operator. A rule
// match on PreToolUse resolves immediately; a PermissionRequest or
// AskUserQuestion tool call that expects a decision is queued for the
// operator; everything else is left for the broker's auto-passthrough
// timer.
package controller

import (
	"encoding/json"
	"fmt"

	"github.com/lespaceman/athena/internal/feed"
	"github.com/lespaceman/athena/internal/protocol"
	"github.com/lespaceman/athena/internal/queue"
	"github.com/lespaceman/athena/internal/rules"
	"github.com/lespaceman/athena/internal/telemetry"
)

// askUserQuestionTool is the tool name whose PreToolUse hook is routed to
// the question queue instead of the permission queue.
const askUserQuestionTool = "AskUserQuestion"

// Outcome classifies how the controller disposed of one inbound event.
type Outcome int

const (
	// OutcomeImmediate means Result is ready to send back synchronously;
	// the broker should call respond() without starting a timer.
	OutcomeImmediate Outcome = iota
	// OutcomeEnqueued means the event was queued for operator resolution;
	// the broker must NOT start the auto-passthrough timer.
	OutcomeEnqueued
	// OutcomeDeferred means neither a rule nor a queue claimed the event;
	// the broker arms the auto-passthrough timer.
	OutcomeDeferred
)

// Decision is what Dispatch returns for one inbound envelope.
type Decision struct {
	Outcome Outcome
	Result  protocol.HookResult // valid when Outcome == OutcomeImmediate
	Intent  string              // "allow" | "deny", for the mapper's decision event
	Reason  string
}

// Controller holds the shared rule engine and operator queues it dispatches
// into. It has no state of its own beyond those references.
type Controller struct {
	Rules      *rules.Engine
	Permission *queue.PermissionQueue
	Question   *queue.QuestionQueue
	Metrics    *telemetry.Metrics
}

// New creates a Controller wired to the given rule engine and queues.
func New(ruleEngine *rules.Engine, permission *queue.PermissionQueue, question *queue.QuestionQueue) *Controller {
	return &Controller{Rules: ruleEngine, Permission: permission, Question: question}
}

// WithMetrics attaches a metrics sink whose queue-depth gauges are updated
// on every enqueue this controller performs.
func (c *Controller) WithMetrics(m *telemetry.Metrics) *Controller {
	c.Metrics = m
	return c
}

// Dispatch applies the controller's immediate/enqueue/defer policy to one
// inbound envelope.
func (c *Controller) Dispatch(env *protocol.Envelope) Decision {
	ev := env.Event

	if ev.HookEventName == protocol.HookPreToolUse && ev.ToolName != "" && ev.ToolName != askUserQuestionTool {
		if d := c.Rules.Decide(ev.ToolName); d.Matched {
			switch d.Action {
			case rules.ActionDeny:
				addedBy := d.Rule.AddedBy
				if addedBy == "" {
					addedBy = d.Rule.Pattern
				}
				reason := fmt.Sprintf("Blocked by rule: %s", addedBy)
				return Decision{
					Outcome: OutcomeImmediate,
					Result:  protocol.PreToolDeny(reason),
					Intent:  "deny",
					Reason:  reason,
				}
			case rules.ActionAllow:
				return Decision{
					Outcome: OutcomeImmediate,
					Result:  protocol.PreToolAllow(),
					Intent:  "allow",
				}
			}
		}
	}

	if ev.HookEventName == protocol.HookPermissionRequest {
		c.Permission.Enqueue(feed.PermissionQueueItem{
			RequestID: env.RequestID,
			ToolName:  ev.ToolName,
			SessionID: ev.SessionID,
			ToolInput: decodeToolInput(ev),
		})
		c.reportQueueDepth()
		return Decision{Outcome: OutcomeEnqueued}
	}

	if ev.HookEventName == protocol.HookPreToolUse && ev.ToolName == askUserQuestionTool {
		c.Question.Enqueue(feed.QuestionQueueItem{
			RequestID: env.RequestID,
			SessionID: ev.SessionID,
		})
		c.reportQueueDepth()
		return Decision{Outcome: OutcomeEnqueued}
	}

	return Decision{Outcome: OutcomeDeferred}
}

func (c *Controller) reportQueueDepth() {
	if c.Metrics == nil {
		return
	}
	c.Metrics.QueueDepth.WithLabelValues("permission").Set(float64(c.Permission.Count()))
	c.Metrics.QueueDepth.WithLabelValues("question").Set(float64(c.Question.Count()))
}

func decodeToolInput(ev protocol.HookEvent) map[string]any {
	if len(ev.ToolInput) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(ev.ToolInput, &m); err != nil {
		return nil
	}
	return m
}
