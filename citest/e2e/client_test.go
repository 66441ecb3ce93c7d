package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/opencode-client/citest/testutil"
	"github.com/opencode-ai/opencode-client/internal/api"
	"github.com/opencode-ai/opencode-client/internal/chat"
	"github.com/opencode-ai/opencode-client/internal/config"
	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/internal/orchestrator"
	"github.com/opencode-ai/opencode-client/internal/permission"
	"github.com/opencode-ai/opencode-client/internal/prompt"
	"github.com/opencode-ai/opencode-client/internal/stream"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// startClient wires a real orchestrator, HTTP client, and event pump against
// the fake server.
func startClient(t *testing.T, srv *testutil.FakeServer, opts orchestrator.Options) *orchestrator.Orchestrator {
	t.Helper()

	cfg := &config.Config{
		ServerURL: srv.URL(),
		Directory: t.TempDir(),
		Timeout:   "5s",
	}
	o := orchestrator.New(cfg, opts)
	t.Cleanup(func() { _ = o.Bus().Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pump := api.NewEventPump(srv.URL(), o.Bus())
	go func() { _ = pump.Run(ctx) }()
	require.True(t, srv.WaitForSubscriber(2*time.Second), "event stream never connected")

	return o
}

func TestChatRoundTrip(t *testing.T) {
	srv := testutil.NewFakeServer()
	defer srv.Close()
	srv.Script = func(s *testutil.FakeServer, sessionID string, payload map[string]any) {
		s.EmitAssistantTurn(sessionID, "msg_1", "the answer")
	}

	o := startClient(t, srv, orchestrator.Options{})

	resp, err := o.Chat(context.Background(), "", prompt.Input{Text: "question"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", resp.Text)
	assert.Equal(t, "ses_1", resp.SessionID)
}

func TestStreamingDeltas(t *testing.T) {
	srv := testutil.NewFakeServer()
	defer srv.Close()
	srv.Script = func(s *testutil.FakeServer, sessionID string, payload map[string]any) {
		s.Emit(event.MessageUpdated, map[string]any{
			"info": map[string]any{"id": "msg_1", "sessionID": sessionID, "role": "assistant"},
		})
		for _, text := range []string{"Hel", "Hello"} {
			s.Emit(event.MessagePartUpdated, map[string]any{
				"part": map[string]any{
					"id": "p1", "sessionID": sessionID, "messageID": "msg_1",
					"type": "text", "text": text,
				},
			})
		}
		s.SetMessage(sessionID, &types.MessageWithParts{
			Info: types.Message{ID: "msg_1", SessionID: sessionID, Role: "assistant"},
			Parts: []types.Part{
				&types.TextPart{ID: "p1", SessionID: sessionID, MessageID: "msg_1", Type: "text", Text: "Hello"},
			},
		})
		s.Emit(event.SessionIdle, map[string]any{"sessionID": sessionID})
	}

	o := startClient(t, srv, orchestrator.Options{})

	deltas := make(chan string, 8)
	done := make(chan *types.MessageWithParts, 1)
	handle, err := o.Stream(context.Background(), "", prompt.Input{Text: "go"}, stream.Callbacks{
		OnData: func(e stream.DataEvent) { deltas <- e.Text },
		OnDone: func(msg *types.MessageWithParts) { done <- msg },
		OnError: func(err error) {
			t.Errorf("Unexpected stream error: %v", err)
		},
	})
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		select {
		case d := <-deltas:
			got = append(got, d)
		case <-time.After(3 * time.Second):
			t.Fatalf("Timed out waiting for deltas, have %v", got)
		}
	}
	assert.Equal(t, []string{"Hel", "lo"}, got)

	select {
	case msg := <-done:
		assert.Equal(t, "Hello", msg.Text())
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for completion")
	}
	assert.Equal(t, "Hello", handle.PartialText())
	assert.True(t, handle.IsDone())
}

func TestPermissionAutoReply(t *testing.T) {
	srv := testutil.NewFakeServer()
	defer srv.Close()
	srv.Script = func(s *testutil.FakeServer, sessionID string, payload map[string]any) {
		s.Emit(event.MessageUpdated, map[string]any{
			"info": map[string]any{"id": "msg_1", "sessionID": sessionID, "role": "assistant"},
		})
		s.Emit(event.PermissionUpdated, map[string]any{
			"id": "perm_1", "sessionID": sessionID,
			"permissionType": "read", "title": "read main.go",
		})
	}

	o := startClient(t, srv, orchestrator.Options{})

	perms := make(chan permission.Request, 1)
	_, err := o.Stream(context.Background(), "", prompt.Input{Text: "inspect"}, stream.Callbacks{
		OnPermission: func(req permission.Request) { perms <- req },
	})
	require.NoError(t, err)

	select {
	case req := <-perms:
		assert.Equal(t, "read", req.ToolName)
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for permission callback")
	}

	// The default safe rules answer "read" with always; the reply must reach
	// the server's permission endpoint.
	assert.Eventually(t, func() bool {
		approval, ok := srv.PermissionReply("perm_1")
		return ok && approval == "always"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBatchAcrossSessions(t *testing.T) {
	srv := testutil.NewFakeServer()
	defer srv.Close()
	srv.Script = func(s *testutil.FakeServer, sessionID string, payload map[string]any) {
		s.EmitAssistantTurn(sessionID, "msg_"+sessionID, "answer for "+sessionID)
	}

	o := startClient(t, srv, orchestrator.Options{})

	inputs := []prompt.Input{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	results, err := o.Batch(context.Background(), inputs, chat.BatchConfig{Concurrency: 2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	seen := make(map[string]bool)
	for i, r := range results {
		require.NoError(t, r.Err, "request %d", i)
		seen[r.Response.SessionID] = true
	}
	assert.Len(t, seen, 3, "each request runs in its own session")
}
