package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatgate/chatgate/internal/invoker"
	"github.com/chatgate/chatgate/internal/logger"
	"github.com/chatgate/chatgate/internal/metrics"
	"github.com/chatgate/chatgate/internal/store"
)

// defaultIdleTimeout is how long an empty user queue lingers before its
// worker exits and the registry entry is removed.
const defaultIdleTimeout = 2 * time.Minute

var (
	// ErrQueueFull is returned when a user's pending queue is at capacity
	ErrQueueFull = errors.New("too many pending requests")
	// ErrShuttingDown is returned for enqueues after Shutdown has begun
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// Backend runs one generation request to completion
type Backend interface {
	Invoke(ctx context.Context, message, contextPayload string) *invoker.Outcome
}

// Recorder persists transcript records
type Recorder interface {
	AppendTranscript(userID, sender, content string, metadata map[string]interface{}) (*store.TranscriptRecord, error)
}

// DeliverFunc pushes a finished result toward the user's live connections.
// Delivery is best-effort; implementations must not block.
type DeliverFunc func(userID string, result *Result)

// Entry is one pending chat request
type Entry struct {
	ID         string
	UserID     string
	Content    string
	Metadata   map[string]interface{}
	ConnID     string
	EnqueuedAt time.Time
}

// Result is the outcome of one entry, ready for delivery
type Result struct {
	EntryID  string
	UserID   string
	Content  string // backend reply, empty on failure
	Err      string // user-facing error, empty on success
	Metadata map[string]interface{}
}

// Dispatcher serializes backend invocations per user. Each user gets a
// lazily created queue with a single worker goroutine, so at most one
// invocation is ever in flight per user while different users proceed in
// parallel. Workers retire once their queue has been empty for a while.
type Dispatcher struct {
	backend  Backend
	recorder Recorder
	deliver  DeliverFunc

	maxDepth    int
	idleTimeout time.Duration

	mu     sync.Mutex
	queues map[string]*userQueue
	closed bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// userQueue is the bounded FIFO for one user. The pending channel's capacity
// is the queue depth bound; its single reader is the worker goroutine, which
// makes the at-most-one-invocation invariant structural.
type userQueue struct {
	userID  string
	pending chan *Entry
}

// New creates a Dispatcher. maxDepth bounds each user's pending queue;
// requests past the bound are rejected with ErrQueueFull.
func New(backend Backend, recorder Recorder, deliver DeliverFunc, maxDepth int) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		backend:     backend,
		recorder:    recorder,
		deliver:     deliver,
		maxDepth:    maxDepth,
		idleTimeout: defaultIdleTimeout,
		queues:      make(map[string]*userQueue),
		rootCtx:     ctx,
		cancel:      cancel,
	}
}

// SetIdleTimeout adjusts how long idle user queues are kept around
func (d *Dispatcher) SetIdleTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleTimeout = timeout
}

// Enqueue appends an entry to its user's queue, creating the queue and its
// worker on first use. The entry is rejected with ErrQueueFull when the
// user already has maxDepth pending requests.
func (d *Dispatcher) Enqueue(entry *Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrShuttingDown
	}

	q, ok := d.queues[entry.UserID]
	if !ok {
		q = &userQueue{
			userID:  entry.UserID,
			pending: make(chan *Entry, d.maxDepth),
		}
		d.queues[entry.UserID] = q
		d.wg.Add(1)
		go d.runQueue(q)
		logger.Debug("queue: created queue for user %s", entry.UserID)
	}

	select {
	case q.pending <- entry:
		metrics.QueueDepth.Inc()
		return nil
	default:
		metrics.QueueRejections.Inc()
		return ErrQueueFull
	}
}

// ActiveQueues returns the number of live user queues
func (d *Dispatcher) ActiveQueues() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Shutdown stops accepting entries, cancels in-flight invocations and waits
// for workers to exit or ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("queue: all user queues drained")
	case <-ctx.Done():
		logger.Warn("queue: shutdown timed out waiting for workers")
	}
}

// runQueue is the single worker for one user's queue. It processes entries
// strictly in order and exits after the queue has been idle for a while.
func (d *Dispatcher) runQueue(q *userQueue) {
	defer d.wg.Done()

	d.mu.Lock()
	idleTimeout := d.idleTimeout
	d.mu.Unlock()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case entry := <-q.pending:
			metrics.QueueDepth.Dec()
			d.process(entry)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

		case <-idle.C:
			if d.tryRetire(q) {
				logger.Debug("queue: retired idle queue for user %s", q.userID)
				return
			}
			idle.Reset(idleTimeout)

		case <-d.rootCtx.Done():
			d.discardPending(q)
			return
		}
	}
}

// process runs one entry to completion: transcript of the user message,
// backend invocation, transcript of the reply or error, then delivery.
// Every path falls through to delivery and returns so the queue always
// advances; a failed invocation never stalls the user's queue.
func (d *Dispatcher) process(entry *Entry) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("queue: panic processing entry %s for user %s: %v", entry.ID, entry.UserID, r)
		}
	}()

	if _, err := d.recorder.AppendTranscript(entry.UserID, store.SenderUser, entry.Content, entry.Metadata); err != nil {
		logger.Error("queue: failed to record user message for %s: %v", entry.UserID, err)
	}

	outcome := d.backend.Invoke(d.rootCtx, entry.Content, contextPayload(entry.Metadata))

	result := &Result{
		EntryID:  entry.ID,
		UserID:   entry.UserID,
		Metadata: entry.Metadata,
	}

	if outcome.State == invoker.StateSucceeded {
		result.Content = outcome.Text
		if _, err := d.recorder.AppendTranscript(entry.UserID, store.SenderAssistant, outcome.Text, nil); err != nil {
			logger.Error("queue: failed to record reply for %s: %v", entry.UserID, err)
		}
	} else {
		result.Err = userFacingError(outcome)
		meta := map[string]interface{}{"error": true, "outcome": outcome.State.String()}
		if _, err := d.recorder.AppendTranscript(entry.UserID, store.SenderAssistant, result.Err, meta); err != nil {
			logger.Error("queue: failed to record error reply for %s: %v", entry.UserID, err)
		}
		logger.Warn("queue: invocation for user %s ended %s: %s", entry.UserID, outcome.State, outcome.Reason)
	}

	if d.deliver != nil {
		d.deliver(entry.UserID, result)
	}
}

// tryRetire removes q from the registry if nothing is pending. Runs under
// the dispatcher lock so it cannot race a concurrent Enqueue.
func (d *Dispatcher) tryRetire(q *userQueue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(q.pending) > 0 {
		return false
	}
	delete(d.queues, q.userID)
	return true
}

// discardPending drains entries left behind at shutdown
func (d *Dispatcher) discardPending(q *userQueue) {
	for {
		select {
		case <-q.pending:
			metrics.QueueDepth.Dec()
		default:
			return
		}
	}
}

// contextPayload serializes the optional context object carried in the chat
// event metadata. The payload is prefixed to the message on the backend's
// stdin.
func contextPayload(metadata map[string]interface{}) string {
	if metadata == nil {
		return ""
	}
	raw, ok := metadata["context"]
	if !ok || raw == nil {
		return ""
	}
	data, err := json.Marshal(raw)
	if err != nil {
		logger.Warn("queue: failed to serialize context payload: %v", err)
		return ""
	}
	return string(data)
}

// userFacingError maps an invocation outcome to the message shown to the user
func userFacingError(outcome *invoker.Outcome) string {
	switch outcome.State {
	case invoker.StateTimedOut:
		return "generation timed out"
	default:
		return "generation failed: " + outcome.Reason
	}
}
