// Package chat implements single-shot request/response exchanges against a
// session, and batch execution of many such exchanges. It is the
// non-streaming counterpart of internal/stream: instead of delivering deltas
// through callbacks, an exchange blocks until the session goes idle and then
// returns the fully assembled assistant message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/opencode-client/internal/api"
	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/internal/logging"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// DefaultTimeout bounds an exchange that never sees a terminal event.
const DefaultTimeout = 2 * time.Minute

// ErrNoResponse is returned when the session went idle without an assistant
// message ever being observed.
var ErrNoResponse = errors.New("no assistant response received")

// TimeoutError is returned when no terminal event arrived within the window.
type TimeoutError struct {
	SessionID string
	Window    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("exchange timed out after %s (session %s)", e.Window, e.SessionID)
}

// Response is the outcome of a successful exchange.
type Response struct {
	Text      string
	Message   *types.MessageWithParts
	SessionID string
}

// Config configures a Correlator.
type Config struct {
	SessionID string
	Bus       *event.Bus
	Client    api.Client
	// Timeout bounds the whole exchange. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Correlator sends one message into a session and resolves exactly once:
// with the final assistant message on session.idle, or with an error on
// session.error, timeout, or context cancellation.
type Correlator struct {
	sessionID string
	bus       *event.Bus
	client    api.Client
	timeout   time.Duration
	log       zerolog.Logger
}

func NewCorrelator(cfg Config) *Correlator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		sessionID: cfg.SessionID,
		bus:       cfg.Bus,
		client:    cfg.Client,
		timeout:   timeout,
		log:       logging.For("chat"),
	}
}

type outcome struct {
	resp *Response
	err  error
}

// Exchange sends payload and blocks until the exchange reaches a terminal
// condition. Subscriptions are registered before the send so a fast server
// cannot complete the exchange unobserved.
func (c *Correlator) Exchange(ctx context.Context, payload api.MessagePayload) (*Response, error) {
	var (
		mu        sync.Mutex
		messageID string
		once      sync.Once
	)
	results := make(chan outcome, 1)
	resolve := func(resp *Response, err error) {
		once.Do(func() { results <- outcome{resp: resp, err: err} })
	}

	var unsubs []func()
	unsubscribe := func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}

	unsubs = append(unsubs, c.bus.Subscribe(event.MessageUpdated, func(e event.Event) {
		data, ok := e.Data.(event.MessageUpdatedData)
		if !ok || data.Info == nil {
			return
		}
		if data.Info.SessionID != c.sessionID || data.Info.Role != "assistant" {
			return
		}
		mu.Lock()
		if messageID == "" {
			messageID = data.Info.ID
		}
		mu.Unlock()
	}))

	unsubs = append(unsubs, c.bus.Subscribe(event.SessionIdle, func(e event.Event) {
		data, ok := e.Data.(event.SessionIdleData)
		if !ok || data.SessionID != c.sessionID {
			return
		}
		mu.Lock()
		id := messageID
		mu.Unlock()
		if id == "" {
			resolve(nil, ErrNoResponse)
			return
		}
		// The fetch must not block bus dispatch.
		go func() {
			msg, err := c.client.GetMessage(context.Background(), c.sessionID, id)
			if err != nil {
				resolve(nil, fmt.Errorf("fetch final message: %w", err))
				return
			}
			resolve(&Response{Text: msg.Text(), Message: msg, SessionID: c.sessionID}, nil)
		}()
	}))

	unsubs = append(unsubs, c.bus.Subscribe(event.SessionError, func(e event.Event) {
		data, ok := e.Data.(event.SessionErrorData)
		if !ok || data.SessionID != c.sessionID {
			return
		}
		var err error = data.Error
		if data.Error == nil {
			err = errors.New("unknown error")
		}
		resolve(nil, err)
	}))
	defer unsubscribe()

	if err := c.client.CreateMessage(ctx, c.sessionID, payload); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case out := <-results:
		if out.err != nil {
			c.log.Debug().Str("session", c.sessionID).Err(out.err).Msg("exchange failed")
		}
		return out.resp, out.err
	case <-timer.C:
		resolve(nil, nil) // claim the slot so a late handler cannot leak a goroutine
		return nil, &TimeoutError{SessionID: c.sessionID, Window: c.timeout}
	case <-ctx.Done():
		resolve(nil, nil)
		return nil, ctx.Err()
	}
}
