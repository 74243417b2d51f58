package logstream

import (
	"context"
	"fmt"
	"time"

	"sirpi/internal/metrics"
)

// EventType classifies an [Event].
type EventType string

const (
	EventConnected EventType = "connected"
	EventLog       EventType = "log"
	EventComplete  EventType = "complete"
	EventTimeout   EventType = "timeout"
	EventError     EventType = "error"
)

// Event is one message delivered to a subscriber.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

// Messages carried by control events.
const (
	MessageConnected = "Log stream connected"
	MessageComplete  = "Stream complete"
	MessageTimeout   = "Stream timeout"
	MessageNotFound  = "Deployment not found"
)

// Sink is the transport side of a stream.
type Sink interface {
	// Send delivers one event.
	Send(ev Event) error

	// KeepAlive tells the transport the stream is idle but alive.
	KeepAlive() error
}

// HistoryFunc returns durably stored lines for opID, oldest first. They are
// replayed before live lines.
type HistoryFunc func(ctx context.Context, opID string) ([]string, error)

// StreamOptions tunes [Hub.Stream].
type StreamOptions struct {
	// RegistrationAttempts and RegistrationInterval bound the wait for the
	// producer to register the operation.
	RegistrationAttempts int
	RegistrationInterval time.Duration

	// PollInterval is how long the stream waits for a line before sending a
	// keepalive.
	PollInterval time.Duration

	// MaxIdlePolls ends the stream with a timeout event once exceeded.
	MaxIdlePolls int
}

// DefaultStreamOptions waits about 5 seconds for registration and keeps an
// idle stream open for about 10 minutes.
func DefaultStreamOptions() StreamOptions {
	return StreamOptions{
		RegistrationAttempts: 50,
		RegistrationInterval: 100 * time.Millisecond,
		PollInterval:         time.Second,
		MaxIdlePolls:         600,
	}
}

// Stream forwards opID's lines to sink until the operation completes, the
// idle ceiling is reached, sending fails or ctx is cancelled. The queue the
// stream attached to is unregistered on every exit path; a newer queue
// registered under the same opID meanwhile is left alone.
//
// While the operation is live its queue is read directly. Otherwise the
// lines returned by history are replayed and followed by a complete event,
// so a subscriber reconnecting after the queue is gone still sees the log.
// When history is nil or empty, Stream waits for the operation to register.
//
// A cancelled ctx is returned as ctx.Err(). Sink failures are returned
// wrapped; every other outcome is reported to the subscriber as an event
// and Stream returns nil.
func (h *Hub) Stream(ctx context.Context, opID string, history HistoryFunc, sink Sink, opts StreamOptions) error {
	metrics.StreamOpened()
	defer metrics.StreamClosed()

	if q := h.lookup(opID); (q == nil || q.isCompleted()) && history != nil {
		lines, err := history(ctx, opID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Error("failed to load log history", "operation", opID, "error", err)
			return send(sink, Event{Type: EventError, Message: err.Error()})
		}
		if len(lines) > 0 {
			if q != nil {
				// Stored before completion, so the history already holds its lines.
				h.unregisterQueue(opID, q)
			}
			return replay(sink, lines)
		}
	}

	q, err := h.awaitRegistration(ctx, opID, opts)
	if err != nil {
		return err
	}
	if q == nil {
		return send(sink, Event{Type: EventError, Message: MessageNotFound})
	}
	defer h.unregisterQueue(opID, q)

	if err := send(sink, Event{Type: EventConnected, Message: MessageConnected}); err != nil {
		return err
	}

	idle := 0
	timer := time.NewTimer(opts.PollInterval)
	defer timer.Stop()

	for {
		if line, ok := q.pop(); ok {
			if line == CompleteSentinel {
				return send(sink, Event{Type: EventComplete, Message: MessageComplete})
			}
			if err := send(sink, Event{Type: EventLog, Message: line}); err != nil {
				return err
			}
			idle = 0
			continue
		}

		resetTimer(timer, opts.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		case <-timer.C:
			if err := sink.KeepAlive(); err != nil {
				return fmt.Errorf("keepalive failed: %w", err)
			}
			idle++
			if idle > opts.MaxIdlePolls {
				return send(sink, Event{Type: EventTimeout, Message: MessageTimeout})
			}
		}
	}
}

func replay(sink Sink, lines []string) error {
	if err := send(sink, Event{Type: EventConnected, Message: MessageConnected}); err != nil {
		return err
	}
	for _, line := range lines {
		if err := send(sink, Event{Type: EventLog, Message: line}); err != nil {
			return err
		}
	}
	return send(sink, Event{Type: EventComplete, Message: MessageComplete})
}

func (h *Hub) awaitRegistration(ctx context.Context, opID string, opts StreamOptions) (*queue, error) {
	attempts := opts.RegistrationAttempts
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if q := h.lookup(opID); q != nil {
			return q, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RegistrationInterval):
		}
	}
	return nil, nil
}

func send(sink Sink, ev Event) error {
	if err := sink.Send(ev); err != nil {
		return fmt.Errorf("failed to send %s event: %w", ev.Type, err)
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
