package stream

import (
	"sync"

	"github.com/opencode-ai/opencode-client/pkg/types"
)

// handleState tags the Handle variant explicitly instead of forwarding
// through dynamic dispatch.
type handleState int

const (
	handleNotReady handleState = iota
	handleReady
	handleCancelled
)

// Handle is the caller-visible streaming handle. Session creation is itself
// asynchronous, so the Handle exists before the underlying Session does: it
// answers with innocuous defaults until bound, remembers an early abort, and
// forwards everything to the real session once ready.
type Handle struct {
	mu           sync.Mutex
	state        handleState
	session      *Session
	pendingAbort bool

	callbacks Callbacks
	scheduler Scheduler
}

// NewHandle creates an unbound handle. The callbacks and scheduler are used
// only for the early-abort short circuit; once bound, the session owns
// callback delivery.
func NewHandle(callbacks Callbacks, scheduler Scheduler) *Handle {
	return &Handle{
		callbacks: callbacks,
		scheduler: scheduler,
	}
}

// Bind starts the exchange through start, unless the caller already aborted.
// In that case the exchange never starts and OnDone receives an empty result.
// start runs outside the handle lock and may block on the network.
func (h *Handle) Bind(sessionID string, start func() (*Session, error)) {
	h.mu.Lock()
	if h.pendingAbort {
		h.state = handleCancelled
		h.mu.Unlock()
		if h.callbacks.OnDone != nil {
			empty := &types.MessageWithParts{
				Info: types.Message{SessionID: sessionID, Role: "assistant"},
			}
			if h.scheduler != nil {
				h.scheduler.Defer(func() { h.callbacks.OnDone(empty) })
			} else {
				go h.callbacks.OnDone(empty)
			}
		}
		return
	}
	h.mu.Unlock()

	session, err := start()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		// start reported the failure through the callbacks already; the
		// handle just stays unbound and done.
		h.state = handleCancelled
		return
	}
	h.session = session
	h.state = handleReady

	if h.pendingAbort {
		// Abort raced with a successful start; honor it.
		session.Abort()
	}
}

// Abort cancels the exchange. Before the session exists the intent is
// remembered and the exchange is never started. Returns false only if the
// exchange is already finished or abort was already requested.
func (h *Handle) Abort() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case handleReady:
		return h.session.Abort()
	case handleCancelled:
		return false
	default:
		if h.pendingAbort {
			return false
		}
		h.pendingAbort = true
		return true
	}
}

// IsReady reports whether the underlying session exists.
func (h *Handle) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleReady
}

// IsDone reports whether the exchange has finished (or was cancelled before
// it started).
func (h *Handle) IsDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case handleReady:
		return h.session.IsDone()
	case handleCancelled:
		return true
	default:
		return false
	}
}

// PartialText returns the accumulated text, or "" before the session exists.
func (h *Handle) PartialText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == handleReady {
		return h.session.PartialText()
	}
	return ""
}

// ToolCalls returns the reconstructed tool calls, or an empty map before the
// session exists.
func (h *Handle) ToolCalls() map[string]ToolCallInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == handleReady {
		return h.session.ToolCalls()
	}
	return map[string]ToolCallInfo{}
}

// Session returns the bound session, or nil before ready.
func (h *Handle) Session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}
