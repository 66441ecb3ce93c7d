// Package api provides the client for the OpenCode server's REST and event
// endpoints.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencode-ai/opencode-client/pkg/types"
)

// ErrSessionNotFound is returned when the server has no session for an id.
var ErrSessionNotFound = errors.New("session not found")

// ModelRef selects a provider/model pair for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// MessagePayload is the body of a create-message call.
type MessagePayload struct {
	Parts []types.PromptPart `json:"parts"`
	Model *ModelRef          `json:"model,omitempty"`
	Agent string             `json:"agent,omitempty"`
}

// PermissionReply is the body of a permission response call.
type PermissionReply struct {
	Approval string `json:"approval"` // "allow" | "always" | "deny"
}

// Client is the remote API surface the orchestration core depends on.
// All calls are blocking and may fail independently of bus events.
type Client interface {
	CreateSession(ctx context.Context, title string) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	CreateMessage(ctx context.Context, sessionID string, payload MessagePayload) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*types.MessageWithParts, error)
	AbortSession(ctx context.Context, sessionID string) error
	RespondToPermission(ctx context.Context, sessionID, permissionID string, reply PermissionReply) error
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Status)
}
