package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opencode-ai/opencode-client/internal/event"
	"github.com/opencode-ai/opencode-client/internal/logging"
	"github.com/opencode-ai/opencode-client/pkg/types"
)

// wireEvent is the JSON payload inside an SSE data line.
// Server format: {"type": "...", "properties": {...}}
type wireEvent struct {
	Type       event.EventType `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// EventPump consumes the server's /event SSE stream and republishes each
// event onto a local bus. It reconnects with exponential backoff until its
// context is cancelled.
type EventPump struct {
	baseURL string
	bus     *event.Bus
	http    *http.Client
	headers map[string]string
}

// NewEventPump creates a pump that feeds bus from the server at baseURL.
func NewEventPump(baseURL string, bus *event.Bus) *EventPump {
	return &EventPump{
		baseURL: strings.TrimRight(baseURL, "/"),
		bus:     bus,
		// No timeout: the stream stays open for the life of the client.
		http:    &http.Client{},
		headers: make(map[string]string),
	}
}

// SetHeader adds a header sent with the stream request.
func (p *EventPump) SetHeader(key, value string) {
	p.headers[key] = value
}

// Run connects and pumps events until ctx is cancelled. Each dropped
// connection is retried with backoff; a successful connection resets it.
func (p *EventPump) Run(ctx context.Context) error {
	log := logging.For("sse")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever

	operation := func() error {
		if err := p.stream(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn().Err(err).Msg("event stream dropped, reconnecting")
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// stream opens one SSE connection and pumps it until it breaks.
func (p *EventPump) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/event", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return fmt.Errorf("unexpected content type: %s", ct)
	}

	return p.readEvents(resp.Body)
}

// readEvents parses the SSE frame stream and publishes each decoded event.
func (p *EventPump) readEvents(body io.Reader) error {
	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("stream closed")
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")

		// Empty line terminates a frame.
		if line == "" {
			if data.Len() > 0 {
				p.publish([]byte(data.String()))
				data.Reset()
			}
			continue
		}

		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		// "event:" and comment lines carry no routing information here; the
		// event type lives inside the JSON payload.
	}
}

// publish decodes one wire event into its typed payload and puts it on the bus.
func (p *EventPump) publish(raw []byte) {
	log := logging.For("sse")

	var wire wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		log.Debug().Err(err).Msg("skipping undecodable event")
		return
	}

	data, err := decodeProperties(wire.Type, wire.Properties)
	if err != nil {
		log.Debug().Err(err).Str("type", string(wire.Type)).
			Msg("skipping event with undecodable properties")
		return
	}
	if data == nil {
		// Unknown event type; not for us.
		return
	}

	p.bus.Publish(event.Event{Type: wire.Type, Data: data})
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeProperties(eventType event.EventType, raw json.RawMessage) (any, error) {
	switch eventType {
	case event.MessageUpdated:
		return decodeAs[event.MessageUpdatedData](raw)
	case event.MessagePartUpdated:
		var aux struct {
			Part  json.RawMessage `json:"part"`
			Delta string          `json:"delta,omitempty"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, err
		}
		part, err := types.UnmarshalPart(aux.Part)
		if err != nil {
			return nil, err
		}
		return event.MessagePartUpdatedData{Part: part, Delta: aux.Delta}, nil
	case event.PermissionUpdated:
		return decodeAs[event.PermissionUpdatedData](raw)
	case event.PermissionReplied:
		return decodeAs[event.PermissionRepliedData](raw)
	case event.SessionIdle:
		return decodeAs[event.SessionIdleData](raw)
	case event.SessionError:
		return decodeAs[event.SessionErrorData](raw)
	default:
		return nil, nil
	}
}
