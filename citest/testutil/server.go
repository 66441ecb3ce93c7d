// Package testutil provides a fake OpenCode server for integration tests:
// the REST surface the client calls plus the /event SSE stream it listens on.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// FakeServer emulates the server endpoints the client touches. A Script
// function, invoked whenever a message arrives, drives the SSE side.
type FakeServer struct {
	srv *httptest.Server

	mu          sync.Mutex
	nextSession int
	sessions    map[string]*types.Session
	messages    map[string]*types.MessageWithParts // sessionID+"/"+messageID
	permissions map[string]string                  // permissionID -> approval
	aborted     []string
	subscribers map[chan []byte]struct{}

	// Script runs in its own goroutine after a message is accepted.
	Script func(s *FakeServer, sessionID string, payload map[string]any)
}

func NewFakeServer() *FakeServer {
	s := &FakeServer{
		sessions:    make(map[string]*types.Session),
		messages:    make(map[string]*types.MessageWithParts),
		permissions: make(map[string]string),
		subscribers: make(map[chan []byte]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/event", s.handleEvents)
	r.Post("/session", s.handleCreateSession)
	r.Get("/session/{id}", s.handleGetSession)
	r.Post("/session/{id}/message", s.handleCreateMessage)
	r.Get("/session/{id}/message/{messageID}", s.handleGetMessage)
	r.Post("/session/{id}/abort", s.handleAbort)
	r.Post("/session/{id}/permissions/{permissionID}", s.handlePermission)

	s.srv = httptest.NewServer(r)
	return s
}

func (s *FakeServer) URL() string {
	return s.srv.URL
}

func (s *FakeServer) Close() {
	// Drop the long-lived SSE connections first; Close waits on them.
	s.srv.CloseClientConnections()
	s.srv.Close()
}

// SetMessage registers the message returned by the get-message endpoint.
func (s *FakeServer) SetMessage(sessionID string, msg *types.MessageWithParts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[sessionID+"/"+msg.Info.ID] = msg
}

// PermissionReply returns the recorded approval for a permission id.
func (s *FakeServer) PermissionReply(permissionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approval, ok := s.permissions[permissionID]
	return approval, ok
}

// Aborted returns the session ids the client asked to abort.
func (s *FakeServer) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

// WaitForSubscriber blocks until an SSE client is connected, so a test can
// emit events without racing the stream setup.
func (s *FakeServer) WaitForSubscriber(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.subscribers)
		s.mu.Unlock()
		if n > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Emit sends one event to every connected SSE subscriber.
func (s *FakeServer) Emit(eventType event.EventType, properties any) {
	payload, err := json.Marshal(map[string]any{
		"type":       eventType,
		"properties": properties,
	})
	if err != nil {
		panic(fmt.Sprintf("testutil: cannot marshal event: %v", err))
	}
	frame := []byte("event: message\ndata: " + string(payload) + "\n\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- frame:
		default:
		}
	}
}

// EmitAssistantTurn plays the standard happy path: assistant message, one
// text part, idle. The final message becomes fetchable first.
func (s *FakeServer) EmitAssistantTurn(sessionID, messageID, text string) {
	s.SetMessage(sessionID, &types.MessageWithParts{
		Info: types.Message{ID: messageID, SessionID: sessionID, Role: "assistant"},
		Parts: []types.Part{
			&types.TextPart{ID: "prt_1", SessionID: sessionID, MessageID: messageID, Type: "text", Text: text},
		},
	})
	s.Emit(event.MessageUpdated, map[string]any{
		"info": map[string]any{"id": messageID, "sessionID": sessionID, "role": "assistant"},
	})
	s.Emit(event.MessagePartUpdated, map[string]any{
		"part": map[string]any{
			"id": "prt_1", "sessionID": sessionID, "messageID": messageID,
			"type": "text", "text": text,
		},
	})
	s.Emit(event.SessionIdle, map[string]any{"sessionID": sessionID})
}

func (s *FakeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan []byte, 100)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *FakeServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.nextSession++
	session := &types.Session{ID: fmt.Sprintf("ses_%d", s.nextSession), Title: body.Title}
	s.sessions[session.ID] = session
	s.mu.Unlock()

	writeJSON(w, session)
}

func (s *FakeServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	session, ok := s.sessions[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, session)
}

func (s *FakeServer) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.sessions[sessionID]
	script := s.Script
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if script != nil {
		go script(s, sessionID, payload)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *FakeServer) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "id") + "/" + chi.URLParam(r, "messageID")
	s.mu.Lock()
	msg, ok := s.messages[key]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, msg)
}

func (s *FakeServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.aborted = append(s.aborted, chi.URLParam(r, "id"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *FakeServer) handlePermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approval string `json:"approval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	permissionID := chi.URLParam(r, "permissionID")
	s.mu.Lock()
	s.permissions[permissionID] = body.Approval
	s.mu.Unlock()

	s.Emit(event.PermissionReplied, map[string]any{
		"sessionID":    chi.URLParam(r, "id"),
		"permissionID": permissionID,
		"response":     body.Approval,
	})
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
