// Package rules implements the ordered tool-name rule engine the Hook
// Controller consults before deciding whether a PreToolUse/PermissionRequest
// needs operator attention at all. Rules match by exact tool name or a
// trailing-"*" prefix wildcard; a matching deny always wins over a matching
// allow, whatever their order in the list.
package rules

import (
	"strings"
	"sync"

	"github.com/lespaceman/athena/internal/feed"
)

// Action is the outcome a matched rule carries.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Engine holds an ordered, operator-editable rule list and resolves a tool
// name against it. Per spec, deny has precedence: the first matching deny
// rule wins regardless of position; only if no deny matches does the first
// matching allow rule apply.
type Engine struct {
	mu    sync.RWMutex
	rules []feed.HookRule
}

// NewEngine creates a rule engine seeded with an initial ordered rule list
// (e.g. loaded from config at startup).
func NewEngine(initial []feed.HookRule) *Engine {
	e := &Engine{}
	e.rules = append(e.rules, initial...)
	return e
}

// Decision is the result of matching a tool name against the rule set.
type Decision struct {
	Matched bool
	Action  Action
	Rule    feed.HookRule
}

// Decide evaluates toolName against the current rule list.
func (e *Engine) Decide(toolName string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if r.Action == string(ActionDeny) && matchPattern(r.Pattern, toolName) {
			return Decision{Matched: true, Action: ActionDeny, Rule: r}
		}
	}
	for _, r := range e.rules {
		if r.Action == string(ActionAllow) && matchPattern(r.Pattern, toolName) {
			return Decision{Matched: true, Action: ActionAllow, Rule: r}
		}
	}
	return Decision{Matched: false}
}

// Append adds a new rule to the end of the list (e.g. an operator's
// "always allow" choice from a resolved permission request).
func (e *Engine) Append(rule feed.HookRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// Remove deletes the rule at the given index. Returns false if out of range.
func (e *Engine) Remove(index int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.rules) {
		return false
	}
	e.rules = append(e.rules[:index], e.rules[index+1:]...)
	return true
}

// List returns a snapshot copy of the current ordered rule list.
func (e *Engine) List() []feed.HookRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]feed.HookRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Replace swaps the entire rule list, used when reloading from disk.
func (e *Engine) Replace(rules []feed.HookRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append([]feed.HookRule(nil), rules...)
}

// matchPattern supports an exact match or a trailing-"*" prefix wildcard,
// e.g. "mcp:github.*" matches "mcp:github.create_issue"; "*" matches
// anything.
func matchPattern(pattern, toolName string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}
