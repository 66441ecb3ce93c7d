// Package permission decides how the client answers tool-permission requests
// from the server.
package permission

import (
	"context"
	"time"

	"github.com/opencode-ai/opencode-client/internal/logging"
)

// Action is a permission decision.
type Action string

const (
	ActionOnce   Action = "once"
	ActionAlways Action = "always"
	ActionReject Action = "reject"
)

// Valid reports whether the action is one of the recognized decisions.
func (a Action) Valid() bool {
	switch a {
	case ActionOnce, ActionAlways, ActionReject:
		return true
	}
	return false
}

// Approval translates the decision to the wire approval vocabulary used by
// the permission reply endpoint.
func (a Action) Approval() string {
	switch a {
	case ActionOnce:
		return "allow"
	case ActionAlways:
		return "always"
	default:
		return "deny"
	}
}

// Request describes a tool-permission request awaiting a decision.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID,omitempty"`
	ToolName  string         `json:"toolName"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Pattern   []string       `json:"pattern,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Rule maps tool names matching a glob pattern to an action. An optional
// predicate further narrows the match.
type Rule struct {
	Pattern   string
	Action    Action
	Predicate func(Request) bool
}

// Decision is what a callback returns: either an immediate action or a
// channel that will deliver one later.
type Decision struct {
	action   Action
	deferred <-chan Action
}

// Immediate wraps an action decided synchronously.
func Immediate(a Action) Decision {
	return Decision{action: a}
}

// Deferred wraps a channel that will deliver the action once the user (or
// whatever is behind the callback) answers.
func Deferred(ch <-chan Action) Decision {
	return Decision{deferred: ch}
}

// Callback is a user-supplied decision hook.
type Callback func(ctx context.Context, req Request) (Decision, error)

// Strategy selects the fallback behavior when no rule matches.
type Strategy string

const (
	// StrategyReject denies unmatched requests. This is the default.
	StrategyReject Strategy = "reject"
	// StrategyAutoApprove grants unmatched requests once.
	StrategyAutoApprove Strategy = "auto-approve"
	// StrategyCallback delegates unmatched requests to the callback.
	StrategyCallback Strategy = "callback"
)

// DefaultCallbackTimeout bounds how long a deferred callback decision may
// take before the request is rejected.
const DefaultCallbackTimeout = 60 * time.Second

// Config configures an Arbiter.
type Config struct {
	Rules           []Rule
	Strategy        Strategy
	Callback        Callback
	CallbackTimeout time.Duration
}

// Arbiter resolves permission requests against configured rules and a
// fallback strategy. It is stateless across calls and safe for concurrent use.
type Arbiter struct {
	rules           []Rule
	strategy        Strategy
	callback        Callback
	callbackTimeout time.Duration
}

// NewArbiter creates an arbiter from the given configuration.
func NewArbiter(cfg Config) *Arbiter {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyReject
	}
	timeout := cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	return &Arbiter{
		rules:           cfg.Rules,
		strategy:        strategy,
		callback:        cfg.Callback,
		callbackTimeout: timeout,
	}
}

// SafeDefaults returns a configuration that allows read-only tools
// permanently, grants mutating tools one call at a time, and rejects
// everything else through the callback fallback.
func SafeDefaults() Config {
	rules := make([]Rule, 0, 11)
	for _, name := range []string{"read", "glob", "grep", "list", "todoread"} {
		rules = append(rules, Rule{Pattern: name, Action: ActionAlways})
	}
	for _, name := range []string{"bash", "edit", "write", "todowrite", "webfetch", "task"} {
		rules = append(rules, Rule{Pattern: name, Action: ActionOnce})
	}
	return Config{
		Rules:    rules,
		Strategy: StrategyCallback,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			return Immediate(ActionReject), nil
		},
	}
}

// Resolve decides the action for a request. The result is always delivered on
// the returned channel, never synchronously, so callers have a uniform
// contract whether the decision came from a rule, a strategy, or a callback.
// The channel receives exactly one action.
func (a *Arbiter) Resolve(ctx context.Context, req Request) <-chan Action {
	result := make(chan Action, 1)

	if action, ok := a.matchRules(req); ok {
		result <- action
		return result
	}

	switch a.strategy {
	case StrategyAutoApprove:
		result <- ActionOnce
	case StrategyCallback:
		if a.callback == nil {
			result <- ActionReject
			break
		}
		go a.resolveCallback(ctx, req, result)
	default:
		result <- ActionReject
	}

	return result
}

// matchRules scans rules in declaration order; the first whose pattern
// matches the tool name and whose predicate passes wins.
func (a *Arbiter) matchRules(req Request) (Action, bool) {
	for _, rule := range a.rules {
		if !MatchGlob(rule.Pattern, req.ToolName) {
			continue
		}
		if rule.Predicate != nil && !rule.Predicate(req) {
			continue
		}
		return rule.Action, true
	}
	return "", false
}

// resolveCallback runs the callback and delivers its decision, downgrading
// every failure mode to reject so a decision is always made.
func (a *Arbiter) resolveCallback(ctx context.Context, req Request, result chan<- Action) {
	log := logging.For("permission")

	action := ActionReject
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("tool", req.ToolName).
				Msg("permission callback panicked, rejecting")
			action = ActionReject
		}
		result <- action
	}()

	ctx, cancel := context.WithTimeout(ctx, a.callbackTimeout)
	defer cancel()

	decision, err := a.callback(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("tool", req.ToolName).
			Msg("permission callback failed, rejecting")
		return
	}

	got := decision.action
	if decision.deferred != nil {
		select {
		case got = <-decision.deferred:
		case <-ctx.Done():
			log.Warn().Str("tool", req.ToolName).
				Msg("permission callback timed out, rejecting")
			return
		}
	}

	if !got.Valid() {
		log.Warn().Str("tool", req.ToolName).Str("action", string(got)).
			Msg("permission callback returned unrecognized action, rejecting")
		return
	}
	action = got
}
