package permission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func resolve(t *testing.T, a *Arbiter, req Request) Action {
	t.Helper()
	select {
	case action := <-a.Resolve(context.Background(), req):
		return action
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for arbitration")
		return ""
	}
}

func TestResolve_RuleOrder(t *testing.T) {
	a := NewArbiter(Config{
		Rules: []Rule{
			{Pattern: "read", Action: ActionAlways},
			{Pattern: "bash", Action: ActionOnce},
		},
	})

	assert.Equal(t, ActionOnce, resolve(t, a, Request{ToolName: "bash"}))
	assert.Equal(t, ActionAlways, resolve(t, a, Request{ToolName: "read"}))
}

func TestResolve_FirstMatchWins(t *testing.T) {
	a := NewArbiter(Config{
		Rules: []Rule{
			{Pattern: "b*", Action: ActionReject},
			{Pattern: "bash", Action: ActionOnce},
		},
	})

	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "bash"}))
}

func TestResolve_Predicate(t *testing.T) {
	a := NewArbiter(Config{
		Rules: []Rule{
			{
				Pattern: "bash",
				Action:  ActionAlways,
				Predicate: func(req Request) bool {
					return req.Title == "ls"
				},
			},
			{Pattern: "bash", Action: ActionOnce},
		},
	})

	assert.Equal(t, ActionAlways, resolve(t, a, Request{ToolName: "bash", Title: "ls"}))
	assert.Equal(t, ActionOnce, resolve(t, a, Request{ToolName: "bash", Title: "rm -rf"}))
}

func TestResolve_NoConfigRejects(t *testing.T) {
	a := NewArbiter(Config{})
	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "bash"}))
}

func TestResolve_AutoApprove(t *testing.T) {
	a := NewArbiter(Config{Strategy: StrategyAutoApprove})
	assert.Equal(t, ActionOnce, resolve(t, a, Request{ToolName: "unknown"}))
}

func TestResolve_CallbackImmediate(t *testing.T) {
	a := NewArbiter(Config{
		Strategy: StrategyCallback,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			return Immediate(ActionAlways), nil
		},
	})
	assert.Equal(t, ActionAlways, resolve(t, a, Request{ToolName: "bash"}))
}

func TestResolve_CallbackDeferred(t *testing.T) {
	answer := make(chan Action, 1)
	a := NewArbiter(Config{
		Strategy: StrategyCallback,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			return Deferred(answer), nil
		},
	})

	result := a.Resolve(context.Background(), Request{ToolName: "bash"})
	answer <- ActionOnce

	select {
	case action := <-result:
		assert.Equal(t, ActionOnce, action)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for deferred decision")
	}
}

func TestResolve_CallbackErrorRejects(t *testing.T) {
	a := NewArbiter(Config{
		Strategy: StrategyCallback,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			return Decision{}, errors.New("ui unavailable")
		},
	})
	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "bash"}))
}

func TestResolve_CallbackPanicRejects(t *testing.T) {
	a := NewArbiter(Config{
		Strategy: StrategyCallback,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			panic("callback bug")
		},
	})
	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "bash"}))
}

func TestResolve_CallbackTimeoutRejects(t *testing.T) {
	a := NewArbiter(Config{
		Strategy:        StrategyCallback,
		CallbackTimeout: 20 * time.Millisecond,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			return Deferred(make(chan Action)), nil // never answered
		},
	})
	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "bash"}))
}

func TestResolve_CallbackUnrecognizedActionRejects(t *testing.T) {
	a := NewArbiter(Config{
		Strategy: StrategyCallback,
		Callback: func(ctx context.Context, req Request) (Decision, error) {
			return Immediate(Action("maybe")), nil
		},
	})
	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "bash"}))
}

func TestSafeDefaults(t *testing.T) {
	a := NewArbiter(SafeDefaults())

	readonly := []string{"read", "glob", "grep", "list", "todoread"}
	for _, name := range readonly {
		assert.Equal(t, ActionAlways, resolve(t, a, Request{ToolName: name}), name)
	}

	mutating := []string{"bash", "edit", "write", "todowrite", "webfetch", "task"}
	for _, name := range mutating {
		assert.Equal(t, ActionOnce, resolve(t, a, Request{ToolName: name}), name)
	}

	assert.Equal(t, ActionReject, resolve(t, a, Request{ToolName: "dangerous-custom-tool"}))
}

func TestAction_Approval(t *testing.T) {
	assert.Equal(t, "allow", ActionOnce.Approval())
	assert.Equal(t, "always", ActionAlways.Approval())
	assert.Equal(t, "deny", ActionReject.Approval())
	assert.Equal(t, "deny", Action("junk").Approval())
}
