// Package stream reconciles the server's asynchronous event stream into a
// single coherent, incrementally-delivered exchange result.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/opencode-client/internal/api"
	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/internal/logging"
	"github.com/opencode-ai/opencode-client/internal/permission"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// State is the lifecycle state of a streaming exchange.
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

// Terminal reports whether no further events will be processed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultPartID is used for text parts that carry no id of their own.
const defaultPartID = "part_0"

// DataEvent is delivered to OnData for each new chunk of text.
type DataEvent struct {
	Type string     // always "text"
	Text string     // the delta, not the accumulated content
	Part types.Part // the raw part that produced the delta
}

// ToolCallInfo is the reconstructed state of one tool invocation.
type ToolCallInfo struct {
	ID     string
	Name   string
	Status string // "pending" | "running" | "completed" | "error" | "unknown"
	Input  map[string]any
	Output string
	Error  string
}

// Callbacks are the user-visible hooks of a streaming exchange. All of them
// are optional and all are invoked on the scheduler, never from a bus
// handler.
type Callbacks struct {
	OnData       func(DataEvent)
	OnToolCall   func(ToolCallInfo)
	OnPermission func(permission.Request)
	OnDone       func(*types.MessageWithParts)
	OnError      func(error)
}

// Config wires a Session to its collaborators.
type Config struct {
	SessionID string
	Bus       *event.Bus
	Client    api.Client
	Callbacks Callbacks
	// Arbiter, when set, answers permission requests automatically.
	Arbiter *permission.Arbiter
	// Scheduler defaults to a private TickScheduler closed on termination.
	Scheduler Scheduler
}

// Session correlates bus events for one streaming exchange on one session.
// It reaches exactly one terminal state; after that all events are ignored
// and exactly one of OnDone/OnError has been called.
type Session struct {
	sessionID    string
	bus          *event.Bus
	client       api.Client
	callbacks    Callbacks
	arbiter      *permission.Arbiter
	scheduler    Scheduler
	ownScheduler bool
	log          zerolog.Logger

	mu           sync.Mutex
	state        State
	messageID    string
	textParts    map[string]string
	textOrder    []string
	accumulated  string
	toolCalls    map[string]ToolCallInfo
	pendingPerms map[string]struct{}
	buffered     []event.MessagePartUpdatedData
	unsubs       []func()
	unsubscribed bool
}

// NewSession creates a streaming exchange bound to sessionID and subscribes
// to its bus topics. Subscribe before sending the prompt so no event is
// missed.
func NewSession(cfg Config) *Session {
	s := &Session{
		sessionID:    cfg.SessionID,
		bus:          cfg.Bus,
		client:       cfg.Client,
		callbacks:    cfg.Callbacks,
		arbiter:      cfg.Arbiter,
		scheduler:    cfg.Scheduler,
		log:          logging.For("stream").With().Str("sessionID", cfg.SessionID).Logger(),
		textParts:    make(map[string]string),
		toolCalls:    make(map[string]ToolCallInfo),
		pendingPerms: make(map[string]struct{}),
	}
	if s.scheduler == nil {
		s.scheduler = NewScheduler()
		s.ownScheduler = true
	}

	s.unsubs = []func(){
		s.bus.Subscribe(event.MessageUpdated, s.onMessageUpdated),
		s.bus.Subscribe(event.MessagePartUpdated, s.onPartUpdated),
		s.bus.Subscribe(event.PermissionUpdated, s.onPermissionUpdated),
		s.bus.Subscribe(event.PermissionReplied, s.onPermissionReplied),
		s.bus.Subscribe(event.SessionIdle, s.onSessionIdle),
		s.bus.Subscribe(event.SessionError, s.onSessionError),
	}
	return s
}

// SessionID returns the session this exchange is bound to.
func (s *Session) SessionID() string {
	return s.sessionID
}

// MessageID returns the assistant message id, or "" if not yet resolved.
func (s *Session) MessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDone reports whether the exchange has reached a terminal state.
func (s *Session) IsDone() bool {
	return s.State().Terminal()
}

// IsReady always reports true for a bound session; the deferred Handle
// reports false until its session exists.
func (s *Session) IsReady() bool {
	return true
}

// PartialText returns the text accumulated so far, concatenated in
// first-seen part order.
func (s *Session) PartialText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated
}

// ToolCalls returns a copy of the reconstructed tool-call state.
func (s *Session) ToolCalls() map[string]ToolCallInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make(map[string]ToolCallInfo, len(s.toolCalls))
	for id, info := range s.toolCalls {
		calls[id] = info
	}
	return calls
}

// PendingPermissions returns the ids of permission requests awaiting a reply.
func (s *Session) PendingPermissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.pendingPerms))
	for id := range s.pendingPerms {
		ids = append(ids, id)
	}
	return ids
}

// Abort transitions to Aborted and asks the server to stop. Returns false if
// the exchange was already terminal. The network abort is best-effort: local
// state has already been released, so its failure is swallowed.
func (s *Session) Abort() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = StateAborted
	s.releaseLocked()
	s.mu.Unlock()

	s.log.Debug().Msg("exchange aborted")
	go func() {
		if err := s.client.AbortSession(context.Background(), s.sessionID); err != nil {
			s.log.Warn().Err(err).Msg("server abort failed after local cleanup")
		}
		s.closeOwnedScheduler()
	}()
	return true
}

// Fail terminates the exchange locally with err. Used when the prompt send
// itself fails before any event arrives.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.releaseLocked()
	s.mu.Unlock()

	s.deliverError(err)
}

// --- event handlers (run on the bus dispatch goroutine) ---

func (s *Session) onMessageUpdated(e event.Event) {
	data, ok := e.Data.(event.MessageUpdatedData)
	if !ok || data.Info == nil {
		return
	}
	if data.Info.SessionID != s.sessionID || data.Info.Role != "assistant" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.messageID != "" {
		return
	}
	s.resolveMessageIDLocked(data.Info.ID)
}

func (s *Session) onPartUpdated(e event.Event) {
	data, ok := e.Data.(event.MessagePartUpdatedData)
	if !ok || data.Part == nil {
		return
	}
	partSessionID, partMessageID := partIdentity(data.Part)
	if partSessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}

	if s.messageID == "" {
		if partMessageID != "" {
			// Fallback identity inference: the first part carrying a message
			// id names the exchange. Buffer, resolve, replay.
			s.buffered = append(s.buffered, data)
			s.resolveMessageIDLocked(partMessageID)
			return
		}
		// Pre-identity part without a message id. Processed immediately for
		// compatibility with servers that omit the field; if two assistant
		// turns overlap on one session such an event can be misattributed.
		s.processPartLocked(data)
		return
	}

	if partMessageID != "" && partMessageID != s.messageID {
		// Belongs to a different exchange sharing the session.
		return
	}
	s.processPartLocked(data)
}

// resolveMessageIDLocked assigns the exchange identity exactly once and
// replays buffered part events that match it (or carry no id).
func (s *Session) resolveMessageIDLocked(messageID string) {
	s.messageID = messageID
	if s.state == StatePending {
		s.state = StateStreaming
	}
	s.log.Debug().Str("messageID", messageID).Msg("resolved assistant message")

	buffered := s.buffered
	s.buffered = nil
	for _, data := range buffered {
		_, partMessageID := partIdentity(data.Part)
		if partMessageID != "" && partMessageID != messageID {
			continue
		}
		s.processPartLocked(data)
	}
}

// processPartLocked folds one part event into the reconstructed state.
func (s *Session) processPartLocked(data event.MessagePartUpdatedData) {
	if s.state == StatePending {
		s.state = StateStreaming
	}

	switch part := data.Part.(type) {
	case *types.TextPart:
		s.processTextLocked(part)
	case *types.ToolPart:
		s.processToolLocked(part)
	}
}

func (s *Session) processTextLocked(part *types.TextPart) {
	partID := part.ID
	if partID == "" {
		partID = defaultPartID
	}

	prev, seen := s.textParts[partID]
	s.textParts[partID] = part.Text
	if !seen {
		// Concatenation order is fixed by first sight of the part id, even
		// when the part arrives with empty content.
		s.textOrder = append(s.textOrder, partID)
	}

	// Incremental growth yields the suffix; replacement, shrink, or
	// divergent content yields the whole new text.
	delta := part.Text
	if len(part.Text) > len(prev) && strings.HasPrefix(part.Text, prev) {
		delta = part.Text[len(prev):]
	}

	var acc strings.Builder
	for _, id := range s.textOrder {
		acc.WriteString(s.textParts[id])
	}
	s.accumulated = acc.String()

	if delta != "" && s.callbacks.OnData != nil {
		evt := DataEvent{Type: "text", Text: delta, Part: part}
		s.scheduler.Defer(func() { s.callbacks.OnData(evt) })
	}
}

func (s *Session) processToolLocked(part *types.ToolPart) {
	id := part.CallID
	if id == "" {
		id = part.ID
	}

	info := ToolCallInfo{
		ID:     id,
		Name:   part.Tool,
		Status: part.State.Status,
		Input:  part.State.Input,
		Output: part.State.Output,
		Error:  part.State.Error,
	}
	if info.Status == "" {
		info.Status = "unknown"
	}
	if info.Input == nil {
		info.Input = map[string]any{}
	}
	s.toolCalls[id] = info

	if s.callbacks.OnToolCall != nil {
		s.scheduler.Defer(func() { s.callbacks.OnToolCall(info) })
	}
}

func (s *Session) onPermissionUpdated(e event.Event) {
	data, ok := e.Data.(event.PermissionUpdatedData)
	if !ok || data.SessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.pendingPerms[data.ID] = struct{}{}
	s.mu.Unlock()

	req := permission.Request{
		ID:        data.ID,
		SessionID: data.SessionID,
		MessageID: data.MessageID,
		ToolName:  data.PermissionType,
		Type:      data.PermissionType,
		Title:     data.Title,
		Pattern:   data.Pattern,
	}

	if s.callbacks.OnPermission != nil {
		s.scheduler.Defer(func() { s.callbacks.OnPermission(req) })
	}
	if s.arbiter != nil {
		go s.arbitrate(req)
	}
}

// arbitrate resolves one permission request and sends the reply. The reply
// is fire-and-forget: a transport failure is logged, never retried, and the
// id is cleared either way.
func (s *Session) arbitrate(req permission.Request) {
	action := <-s.arbiter.Resolve(context.Background(), req)

	reply := api.PermissionReply{Approval: action.Approval()}
	if err := s.client.RespondToPermission(context.Background(), s.sessionID, req.ID, reply); err != nil {
		s.log.Warn().Err(err).Str("permissionID", req.ID).Msg("permission reply failed")
	}

	s.mu.Lock()
	delete(s.pendingPerms, req.ID)
	s.mu.Unlock()
}

func (s *Session) onPermissionReplied(e event.Event) {
	data, ok := e.Data.(event.PermissionRepliedData)
	if !ok || data.SessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	delete(s.pendingPerms, data.PermissionID)
	s.mu.Unlock()
}

func (s *Session) onSessionIdle(e event.Event) {
	data, ok := e.Data.(event.SessionIdleData)
	if !ok || data.SessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	s.releaseLocked()
	messageID := s.messageID
	s.mu.Unlock()

	if messageID == "" {
		// The exchange produced nothing we could identify; still complete it.
		s.deliverDone(&types.MessageWithParts{
			Info: types.Message{SessionID: s.sessionID, Role: "assistant"},
		})
		return
	}

	go func() {
		msg, err := s.client.GetMessage(context.Background(), s.sessionID, messageID)
		if err != nil {
			s.deliverError(fmt.Errorf("failed to fetch final message: %w", err))
			return
		}
		s.deliverDone(msg)
	}()
}

func (s *Session) onSessionError(e event.Event) {
	data, ok := e.Data.(event.SessionErrorData)
	if !ok || data.SessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.releaseLocked()
	s.mu.Unlock()

	var err error = data.Error
	if data.Error == nil {
		err = errors.New("unknown error")
	}
	s.deliverError(err)
}

// releaseLocked unsubscribes from every bus topic. Runs at most once, on the
// first transition into any terminal state.
func (s *Session) releaseLocked() {
	if s.unsubscribed {
		return
	}
	s.unsubscribed = true
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *Session) deliverDone(msg *types.MessageWithParts) {
	if s.callbacks.OnDone != nil {
		s.scheduler.Defer(func() { s.callbacks.OnDone(msg) })
	}
	s.closeOwnedScheduler()
}

func (s *Session) deliverError(err error) {
	s.log.Debug().Err(err).Msg("exchange failed")
	if s.callbacks.OnError != nil {
		s.scheduler.Defer(func() { s.callbacks.OnError(err) })
	}
	s.closeOwnedScheduler()
}

func (s *Session) closeOwnedScheduler() {
	if s.ownScheduler {
		if tick, ok := s.scheduler.(*TickScheduler); ok {
			tick.Close()
		}
	}
}

// partIdentity extracts the session and message ids a part belongs to.
func partIdentity(p types.Part) (sessionID, messageID string) {
	switch part := p.(type) {
	case *types.TextPart:
		return part.SessionID, part.MessageID
	case *types.ReasoningPart:
		return part.SessionID, part.MessageID
	case *types.ToolPart:
		return part.SessionID, part.MessageID
	case *types.FilePart:
		return part.SessionID, part.MessageID
	default:
		return "", ""
	}
}
