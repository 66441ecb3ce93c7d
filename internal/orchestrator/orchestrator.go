// Package orchestrator wires the client together: session creation and
// caching, prompt assembly, and per-call construction of streaming or
// single-shot exchanges.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/opencode-client/internal/api"
	"github.com/opencode-ai/opencode-client/internal/chat"
	"github.com/opencode-ai/opencode-client/internal/config"
	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/internal/logging"
	"github.com/opencode-ai/opencode-client/internal/permission"
	"github.com/opencode-ai/opencode-client/internal/prompt"
	"github.com/opencode-ai/opencode-client/internal/retry"
	"github.com/opencode-ai/opencode-client/internal/stream"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// Options overrides the collaborators built from config. Zero fields get
// defaults; tests inject fakes here.
type Options struct {
	Bus     *event.Bus
	Client  api.Client
	Arbiter *permission.Arbiter
	Prompts *prompt.Builder
	// PermissionCallback handles requests no config rule matched. Ignored
	// when Arbiter is set.
	PermissionCallback permission.Callback
}

// Orchestrator owns the session cache and builds one exchange per call.
type Orchestrator struct {
	cfg     *config.Config
	bus     *event.Bus
	client  api.Client
	arbiter *permission.Arbiter
	prompts *prompt.Builder
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*types.Session
}

func New(cfg *config.Config, opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		bus:      opts.Bus,
		client:   opts.Client,
		arbiter:  opts.Arbiter,
		prompts:  opts.Prompts,
		log:      logging.For("orchestrator"),
		sessions: make(map[string]*types.Session),
	}
	if o.bus == nil {
		o.bus = event.NewBus()
	}
	if o.client == nil {
		o.client = api.NewHTTPClient(cfg.ServerURL, api.WithRetryPolicy(retryPolicy(cfg.Retry)))
	}
	if o.arbiter == nil {
		o.arbiter = arbiterFromConfig(cfg, opts.PermissionCallback)
	}
	if o.prompts == nil {
		o.prompts = prompt.NewBuilder(cfg.Directory)
	}
	return o
}

// Bus exposes the event bus so an event pump can feed it.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// Session returns the cached session for id, fetching it from the server on
// first use. An empty id creates a new session.
func (o *Orchestrator) Session(ctx context.Context, id string) (*types.Session, error) {
	if id == "" {
		session, err := o.client.CreateSession(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		o.mu.Lock()
		o.sessions[session.ID] = session
		o.mu.Unlock()
		o.log.Debug().Str("session", session.ID).Msg("session created")
		return session, nil
	}

	o.mu.Lock()
	if session, ok := o.sessions[id]; ok {
		o.mu.Unlock()
		return session, nil
	}
	o.mu.Unlock()

	session, err := o.client.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.sessions[session.ID] = session
	o.mu.Unlock()
	return session, nil
}

// Stream starts a streaming exchange and returns its handle. The handle is
// usable immediately: abort before the send completes is honored, and the
// accessors return innocuous defaults until the session is live.
func (o *Orchestrator) Stream(ctx context.Context, sessionID string, in prompt.Input, callbacks stream.Callbacks) (*stream.Handle, error) {
	session, err := o.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err := o.prompts.Build(in)
	if err != nil {
		return nil, err
	}
	payload := o.payload(parts)

	// No shared scheduler: the session owns one and closes it on its
	// terminal transition; the handle only needs its pre-bind fallback.
	// Bind runs off this goroutine so the caller holds the handle while the
	// send is still in flight and can abort it.
	handle := stream.NewHandle(callbacks, nil)
	go handle.Bind(session.ID, func() (*stream.Session, error) {
		ss := stream.NewSession(stream.Config{
			SessionID: session.ID,
			Bus:       o.bus,
			Client:    o.client,
			Callbacks: callbacks,
			Arbiter:   o.arbiter,
		})
		if err := o.client.CreateMessage(ctx, session.ID, payload); err != nil {
			ss.Fail(fmt.Errorf("send message: %w", err))
			return nil, err
		}
		return ss, nil
	})
	return handle, nil
}

// Chat runs a single-shot exchange and blocks for the final message.
func (o *Orchestrator) Chat(ctx context.Context, sessionID string, in prompt.Input) (*chat.Response, error) {
	session, err := o.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	parts, err := o.prompts.Build(in)
	if err != nil {
		return nil, err
	}
	corr := chat.NewCorrelator(chat.Config{
		SessionID: session.ID,
		Bus:       o.bus,
		Client:    o.client,
		Timeout:   o.cfg.ExchangeTimeout(),
	})
	return corr.Exchange(ctx, o.payload(parts))
}

// Batch runs the prompts as independent single-shot exchanges, each in its
// own fresh session.
func (o *Orchestrator) Batch(ctx context.Context, inputs []prompt.Input, cfg chat.BatchConfig) ([]chat.BatchResult, error) {
	return chat.RunBatch(ctx, len(inputs), cfg, func(ctx context.Context, i int) (*chat.Response, error) {
		return o.Chat(ctx, "", inputs[i])
	})
}

func (o *Orchestrator) payload(parts []types.PromptPart) api.MessagePayload {
	payload := api.MessagePayload{Parts: parts, Agent: o.cfg.Agent}
	if model := parseModel(o.cfg.Model); model != nil {
		payload.Model = model
	}
	return payload
}

// parseModel splits "providerID/modelID"; anything else means server default.
func parseModel(s string) *api.ModelRef {
	provider, model, ok := strings.Cut(s, "/")
	if !ok || provider == "" || model == "" {
		return nil
	}
	return &api.ModelRef{ProviderID: provider, ModelID: model}
}

func retryPolicy(rc *config.RetryConfig) retry.Policy {
	policy := retry.Default()
	if rc == nil {
		return policy
	}
	if rc.MaxAttempts > 0 {
		policy.MaxAttempts = rc.MaxAttempts
	}
	if d, err := time.ParseDuration(rc.InitialDelay); err == nil && d > 0 {
		policy.InitialDelay = d
	}
	if d, err := time.ParseDuration(rc.MaxDelay); err == nil && d > 0 {
		policy.MaxDelay = d
	}
	if rc.Strategy == string(retry.Linear) {
		policy.Strategy = retry.Linear
	}
	return policy
}

func arbiterFromConfig(cfg *config.Config, callback permission.Callback) *permission.Arbiter {
	if cfg.AutoApprove {
		return permission.NewArbiter(permission.Config{Strategy: permission.StrategyAutoApprove})
	}
	rules := make([]permission.Rule, 0, len(cfg.Permissions))
	for _, rule := range cfg.Permissions {
		rules = append(rules, permission.Rule{
			Pattern: rule.Pattern,
			Action:  permission.Action(rule.Action),
		})
	}
	if callback != nil {
		return permission.NewArbiter(permission.Config{
			Rules:    rules,
			Strategy: permission.StrategyCallback,
			Callback: callback,
		})
	}
	if len(rules) == 0 {
		return permission.NewArbiter(permission.SafeDefaults())
	}
	return permission.NewArbiter(permission.Config{Rules: rules})
}
