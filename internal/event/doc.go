/*
Package event provides a pub/sub event bus for the events the OpenCode server
emits to clients.

The bus decouples the transport that produces events (an SSE pump against a
remote server, or a local publisher in tests) from the components that consume
them (stream sessions, correlators, CLI printers).

# Event Types

  - message.updated: message created or modified
  - message.part.updated: message part updated (streaming)
  - permission.updated: permission request created
  - permission.replied: permission request responded to
  - session.idle: session became idle (exchange finished)
  - session.error: session error occurred

# Ordering

Publish enqueues the event and returns; a single dispatch goroutine per bus
delivers queued events to subscribers one at a time, so subscribers observe
events in publish order. PublishSync delivers in the caller's goroutine and is
intended for tests that need deterministic interleaving.

# Basic Usage

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionIdle, func(e event.Event) {
		data := e.Data.(event.SessionIdleData)
		log.Info().Str("sessionID", data.SessionID).Msg("idle")
	})
	defer unsubscribe()

	bus.Publish(event.Event{Type: event.SessionIdle, Data: event.SessionIdleData{SessionID: id}})

# Subscriber Safety Guidelines

Subscribers run on the bus dispatch goroutine and MUST:

  - Complete quickly (avoid long-running operations)
  - Never call Publish and block on the result from within a subscriber
  - Defer user-visible work to another goroutine rather than doing it inline

# Integration with Watermill

The package uses watermill's gochannel internally; PubSub exposes the
underlying infrastructure so the bus can later be bridged to a distributed
broker without changing the subscriber API.
*/
package event
