package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/opencode-client/internal/api"
	"github.com/opencode-ai/opencode-client/internal/chat"
	"github.com/opencode-ai/opencode-client/internal/config"
	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/internal/prompt"
	"github.com/opencode-ai/opencode-client/internal/stream"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

type fakeClient struct {
	mu          sync.Mutex
	bus         *event.Bus
	created     int
	getSessions []string
	sent        map[string][]api.MessagePayload
	getErr      error
	// respond drives bus events after a message is accepted.
	respond func(sessionID string)
}

func newFakeClient(bus *event.Bus) *fakeClient {
	return &fakeClient{bus: bus, sent: make(map[string][]api.MessagePayload)}
}

func (c *fakeClient) CreateSession(ctx context.Context, title string) (*types.Session, error) {
	c.mu.Lock()
	c.created++
	id := fmt.Sprintf("ses_%d", c.created)
	c.mu.Unlock()
	return &types.Session{ID: id, Title: title}, nil
}

func (c *fakeClient) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	c.mu.Lock()
	c.getSessions = append(c.getSessions, sessionID)
	err := c.getErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &types.Session{ID: sessionID}, nil
}

func (c *fakeClient) CreateMessage(ctx context.Context, sessionID string, payload api.MessagePayload) error {
	c.mu.Lock()
	c.sent[sessionID] = append(c.sent[sessionID], payload)
	respond := c.respond
	c.mu.Unlock()
	if respond != nil {
		go respond(sessionID)
	}
	return nil
}

func (c *fakeClient) GetMessage(ctx context.Context, sessionID, messageID string) (*types.MessageWithParts, error) {
	return &types.MessageWithParts{
		Info: types.Message{ID: messageID, SessionID: sessionID, Role: "assistant"},
		Parts: []types.Part{
			&types.TextPart{ID: "p1", Type: "text", Text: "answer for " + sessionID},
		},
	}, nil
}

func (c *fakeClient) AbortSession(ctx context.Context, sessionID string) error {
	return nil
}

func (c *fakeClient) RespondToPermission(ctx context.Context, sessionID, permissionID string, reply api.PermissionReply) error {
	return nil
}

// complete publishes an assistant message followed by idle for sessionID.
func (c *fakeClient) complete(sessionID string) {
	c.bus.PublishSync(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{
			Info: &types.Message{ID: "msg_" + sessionID, SessionID: sessionID, Role: "assistant"},
		},
	})
	c.bus.PublishSync(event.Event{
		Type: event.SessionIdle,
		Data: event.SessionIdleData{SessionID: sessionID},
	})
}

func newOrchestrator(t *testing.T) (*Orchestrator, *fakeClient) {
	t.Helper()
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	client := newFakeClient(bus)
	o := New(&config.Config{ServerURL: "http://localhost:4096", Directory: t.TempDir()}, Options{
		Bus:    bus,
		Client: client,
	})
	return o, client
}

func TestSession_GetOrCreate(t *testing.T) {
	o, client := newOrchestrator(t)
	ctx := context.Background()

	created, err := o.Session(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "ses_1", created.ID)

	// Cached: repeated lookups never hit the server.
	fetched, err := o.Session(ctx, "ses_1")
	require.NoError(t, err)
	assert.Same(t, created, fetched)
	assert.Empty(t, client.getSessions)

	// Unknown id goes to the server once, then caches.
	_, err = o.Session(ctx, "ses_x")
	require.NoError(t, err)
	_, err = o.Session(ctx, "ses_x")
	require.NoError(t, err)
	assert.Equal(t, []string{"ses_x"}, client.getSessions)
}

func TestSession_FetchFailure(t *testing.T) {
	o, client := newOrchestrator(t)
	client.getErr = api.ErrSessionNotFound

	_, err := o.Session(context.Background(), "ses_missing")
	assert.ErrorIs(t, err, api.ErrSessionNotFound)
}

func TestChat_RoundTrip(t *testing.T) {
	o, client := newOrchestrator(t)
	client.respond = client.complete

	resp, err := o.Chat(context.Background(), "", prompt.Input{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "answer for ses_1", resp.Text)

	require.Len(t, client.sent["ses_1"], 1)
	parts := client.sent["ses_1"][0].Parts
	require.Len(t, parts, 1)
	assert.Equal(t, "hi", parts[0].Text)
}

func TestChat_ModelAndAgentForwarded(t *testing.T) {
	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })
	client := newFakeClient(bus)
	client.respond = client.complete

	o := New(&config.Config{
		ServerURL: "http://localhost:4096",
		Directory: t.TempDir(),
		Model:     "anthropic/claude-sonnet-4",
		Agent:     "plan",
	}, Options{Bus: bus, Client: client})

	_, err := o.Chat(context.Background(), "", prompt.Input{Text: "hi"})
	require.NoError(t, err)

	payload := client.sent["ses_1"][0]
	require.NotNil(t, payload.Model)
	assert.Equal(t, "anthropic", payload.Model.ProviderID)
	assert.Equal(t, "claude-sonnet-4", payload.Model.ModelID)
	assert.Equal(t, "plan", payload.Agent)
}

func TestStream_DeliversDeltas(t *testing.T) {
	o, client := newOrchestrator(t)
	client.respond = func(sessionID string) {
		client.bus.PublishSync(event.Event{
			Type: event.MessageUpdated,
			Data: event.MessageUpdatedData{
				Info: &types.Message{ID: "msg_1", SessionID: sessionID, Role: "assistant"},
			},
		})
		client.bus.PublishSync(event.Event{
			Type: event.MessagePartUpdated,
			Data: event.MessagePartUpdatedData{
				Part: &types.TextPart{ID: "p1", SessionID: sessionID, MessageID: "msg_1", Type: "text", Text: "chunk"},
			},
		})
		client.bus.PublishSync(event.Event{
			Type: event.SessionIdle,
			Data: event.SessionIdleData{SessionID: sessionID},
		})
	}

	deltas := make(chan string, 8)
	done := make(chan *types.MessageWithParts, 1)
	handle, err := o.Stream(context.Background(), "", prompt.Input{Text: "go"}, stream.Callbacks{
		OnData: func(e stream.DataEvent) { deltas <- e.Text },
		OnDone: func(msg *types.MessageWithParts) { done <- msg },
	})
	require.NoError(t, err)

	select {
	case d := <-deltas:
		assert.Equal(t, "chunk", d)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delta")
	}
	select {
	case msg := <-done:
		assert.Equal(t, "msg_1", msg.Info.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for done")
	}
	assert.True(t, handle.IsDone())
}

func TestStream_BadPrompt(t *testing.T) {
	o, _ := newOrchestrator(t)

	_, err := o.Stream(context.Background(), "", prompt.Input{}, stream.Callbacks{})
	assert.Error(t, err)
}

func TestBatch_FreshSessionPerRequest(t *testing.T) {
	o, client := newOrchestrator(t)
	client.respond = client.complete

	inputs := []prompt.Input{{Text: "a"}, {Text: "b"}, {Text: "c"}}
	results, err := o.Batch(context.Background(), inputs, chat.BatchConfig{Concurrency: 1})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err, "request %d", i)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 3, client.created)
	assert.Len(t, client.sent, 3)
}

func TestParseModel(t *testing.T) {
	assert.Nil(t, parseModel(""))
	assert.Nil(t, parseModel("justmodel"))
	assert.Nil(t, parseModel("/model"))

	ref := parseModel("openai/gpt-5")
	require.NotNil(t, ref)
	assert.Equal(t, "openai", ref.ProviderID)
	assert.Equal(t, "gpt-5", ref.ModelID)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	policy := retryPolicy(&config.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: "250ms",
		Strategy:     "linear",
	})
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.InitialDelay)
}
