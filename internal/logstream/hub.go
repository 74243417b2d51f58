// Package logstream delivers live operation log lines to a single
// subscriber, typically a server-sent-events connection.
//
// Key types:
//   - [Hub] owns one FIFO queue per registered operation
//   - [Sink] is the transport a stream writes events to
//   - [Event] is one frame sent to the subscriber
//
// Publishing never blocks and never fails: lines for operations nobody
// registered are dropped.
package logstream

import (
	"log/slog"
	"sync"
	"time"
)

// CompleteSentinel marks the end of an operation's stream.
const CompleteSentinel = "__STREAM_COMPLETE__"

// queue is an unbounded FIFO with a wakeup signal for its consumer.
type queue struct {
	mu        sync.Mutex
	items     []string
	completed bool
	notify    chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(line string) {
	q.mu.Lock()
	q.items = append(q.items, line)
	if line == CompleteSentinel {
		q.completed = true
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) isCompleted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

func (q *queue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	line := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return line, true
}

// Hub is the registry of active operation queues. The zero value is not
// usable; construct with [NewHub] and share the instance.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	queues map[string]*queue
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, queues: make(map[string]*queue)}
}

// Register creates the queue for opID. Registering twice keeps the
// existing queue and its pending lines, unless that queue was already
// completed: a new run of the operation then starts a fresh queue, and a
// stream still reading the old one finishes it undisturbed.
func (h *Hub) Register(opID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[opID]; ok && !q.isCompleted() {
		return
	}
	h.queues[opID] = newQueue()
	h.logger.Debug("registered log stream", "operation", opID)
}

// Unregister drops the queue for opID along with any unread lines.
func (h *Hub) Unregister(opID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.queues[opID]; !ok {
		return
	}
	delete(h.queues, opID)
	h.logger.Debug("unregistered log stream", "operation", opID)
}

// unregisterQueue drops q if it is still the queue registered for opID.
func (h *Hub) unregisterQueue(opID string, q *queue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queues[opID] != q {
		return
	}
	delete(h.queues, opID)
	h.logger.Debug("unregistered log stream", "operation", opID)
}

// Expire unregisters opID after d unless a stream has already done so. A
// stream that attached before then keeps reading its queue to the end.
func (h *Hub) Expire(opID string, d time.Duration) {
	q := h.lookup(opID)
	if q == nil {
		return
	}
	time.AfterFunc(d, func() { h.unregisterQueue(opID, q) })
}

// IsRegistered reports whether opID has a queue.
func (h *Hub) IsRegistered(opID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.queues[opID]
	return ok
}

// Publish appends line to opID's queue. It is a no-op when opID is not
// registered.
func (h *Hub) Publish(opID, line string) {
	if q := h.lookup(opID); q != nil {
		q.push(line)
	}
}

// Complete ends opID's stream once the subscriber has read every line
// published before it.
func (h *Hub) Complete(opID string) {
	h.Publish(opID, CompleteSentinel)
}

// Callback returns a function that publishes each line to opID, suitable
// for a sandbox log callback.
func (h *Hub) Callback(opID string) func(line string) {
	return func(line string) { h.Publish(opID, line) }
}

func (h *Hub) lookup(opID string) *queue {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.queues[opID]
}
