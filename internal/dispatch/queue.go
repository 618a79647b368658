// Package dispatch implements the bounded work queue that decouples webhook
// ingestion from downstream event processing.
//
// The queue delivers at-least-once: a claimed entry stays tracked until the
// consumer acknowledges it, unacknowledged entries are redelivered via Nack.
// Entries for the same pull request are delivered in submission order, an
// entry whose pull request has an unacknowledged in-flight entry is not
// handed to a second consumer.
package dispatch

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// DefCapacity is the default maximum count of pending queue entries.
const DefCapacity = 512

// DefEnqueueTimeout is the default duration an Enqueue with the Block
// policy waits for free capacity before signalling backpressure.
const DefEnqueueTimeout = 5 * time.Second

var (
	// ErrFull is returned by Enqueue when the queue is at capacity and
	// the caller must signal backpressure to the provider.
	ErrFull = errors.New("dispatch queue is full")
	// ErrClosed is returned when the queue was stopped.
	ErrClosed = errors.New("dispatch queue is closed")
	// ErrNotFound is returned by Ack and Nack for unknown delivery IDs.
	ErrNotFound = errors.New("no in-flight entry with this delivery id")
)

// FullPolicy defines how Enqueue behaves when the queue is at capacity.
type FullPolicy int8

const (
	// FullPolicyReject fails the Enqueue call immediately with ErrFull.
	FullPolicyReject FullPolicy = iota
	// FullPolicyBlock lets the Enqueue call wait for free capacity, up
	// to the configured enqueue timeout.
	FullPolicyBlock
)

func (p FullPolicy) String() string {
	switch p {
	case FullPolicyReject:
		return "reject"
	case FullPolicyBlock:
		return "block"
	default:
		return "undefined"
	}
}

// Queue is a bounded FIFO work queue with acknowledgment based redelivery.
// It is safe for concurrent use by multiple producers and consumers.
type Queue struct {
	mu       sync.Mutex
	pending  *list.List // *Entry, front is delivered first
	inflight map[string]*Entry
	// inflightKeys contains the pull-request keys of in-flight entries.
	// Pending entries for these keys are withheld from Dequeue to
	// preserve per-pull-request submission order.
	inflightKeys map[string]struct{}
	closed       bool

	// deliverablec and freedc are broadcast channels in the
	// close-and-recreate style, they wake waiting consumers respectively
	// producers after a state change. Both are closed permanently when
	// the queue is closed.
	deliverablec chan struct{}
	freedc       chan struct{}

	capacity       int
	policy         FullPolicy
	enqueueTimeout time.Duration

	logger *zap.Logger
}

type Option func(*Queue)

// WithCapacity sets the maximum count of pending entries.
func WithCapacity(capacity int) Option {
	return func(q *Queue) {
		q.capacity = capacity
	}
}

// WithFullPolicy sets the behavior of Enqueue when the queue is full.
func WithFullPolicy(policy FullPolicy, enqueueTimeout time.Duration) Option {
	return func(q *Queue) {
		q.policy = policy
		if enqueueTimeout > 0 {
			q.enqueueTimeout = enqueueTimeout
		}
	}
}

func New(opts ...Option) *Queue {
	q := Queue{
		pending:        list.New(),
		inflight:       map[string]*Entry{},
		inflightKeys:   map[string]struct{}{},
		deliverablec:   make(chan struct{}),
		freedc:         make(chan struct{}),
		capacity:       DefCapacity,
		policy:         FullPolicyReject,
		enqueueTimeout: DefEnqueueTimeout,
		logger:         zap.L().Named("dispatch-queue"),
	}

	for _, opt := range opts {
		opt(&q)
	}

	return &q
}

// Enqueue appends entry to the queue.
// When the queue is at capacity, the call fails with ErrFull immediately
// (FullPolicyReject) or after waiting up to the enqueue timeout for free
// capacity (FullPolicyBlock). The caller serves a live HTTP request, it is
// never blocked indefinitely.
func (q *Queue) Enqueue(ctx context.Context, entry *Entry) error {
	var timeout <-chan time.Time

	q.mu.Lock()

	for {
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		if q.pending.Len() < q.capacity {
			q.pending.PushBack(entry)
			q.signalDeliverable()
			q.mu.Unlock()

			metrics.opsInc(operationLabelEnqueueVal)
			metrics.queueDepth.Inc()

			q.logger.Debug(
				"entry enqueued",
				append(entry.LogFields(), logfields.Event("entry_enqueued"))...,
			)

			return nil
		}

		if q.policy == FullPolicyReject {
			q.mu.Unlock()
			metrics.rejectedFull.Inc()
			return ErrFull
		}

		if timeout == nil {
			timer := time.NewTimer(q.enqueueTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		freed := q.freedc
		q.mu.Unlock()

		select {
		case <-freed:
		case <-timeout:
			metrics.rejectedFull.Inc()
			return ErrFull
		case <-ctx.Done():
			return ctx.Err()
		}

		q.mu.Lock()
	}
}

// Dequeue blocks until an entry is deliverable and claims it.
// The claimed entry must be finalized with Ack or Nack.
// When the queue is closed and no entry is deliverable, ErrClosed is
// returned.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	q.mu.Lock()

	for {
		if entry := q.claimLocked(); entry != nil {
			q.mu.Unlock()

			metrics.opsInc(operationLabelDequeueVal)
			metrics.queueDepth.Dec()
			metrics.inflight.Inc()

			return entry, nil
		}

		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		deliverable := q.deliverablec
		q.mu.Unlock()

		select {
		case <-deliverable:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		q.mu.Lock()
	}
}

// claimLocked removes the first pending entry whose pull-request key has no
// in-flight entry and marks it in-flight.
// It returns nil when no entry is deliverable.
func (q *Queue) claimLocked() *Entry {
	for e := q.pending.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*Entry)

		if _, exist := q.inflightKeys[entry.Key()]; exist {
			continue
		}

		q.pending.Remove(e)
		entry.Attempts++
		q.inflight[entry.DeliveryID] = entry
		q.inflightKeys[entry.Key()] = struct{}{}
		q.signalFreed()

		return entry
	}

	return nil
}

// Ack acknowledges successful processing of a claimed entry.
// The entry is removed and withheld entries for the same pull request
// become deliverable.
func (q *Queue) Ack(deliveryID string) error {
	q.mu.Lock()

	entry, exist := q.inflight[deliveryID]
	if !exist {
		q.mu.Unlock()
		return ErrNotFound
	}

	delete(q.inflight, deliveryID)
	delete(q.inflightKeys, entry.Key())
	q.signalDeliverable()
	q.mu.Unlock()

	metrics.opsInc(operationLabelAckVal)
	metrics.inflight.Dec()

	return nil
}

// Nack returns a claimed entry to the head of the queue for redelivery.
// Because later entries for the same pull request are withheld while an
// entry is in-flight, redelivering at the head preserves per-pull-request
// submission order.
func (q *Queue) Nack(deliveryID string) error {
	q.mu.Lock()

	entry, exist := q.inflight[deliveryID]
	if !exist {
		q.mu.Unlock()
		return ErrNotFound
	}

	delete(q.inflight, deliveryID)
	delete(q.inflightKeys, entry.Key())
	// redelivered entries may exceed the capacity temporarily, their
	// count is bounded by the count of in-flight entries
	q.pending.PushFront(entry)
	q.signalDeliverable()
	q.mu.Unlock()

	metrics.opsInc(operationLabelRedeliverVal)
	metrics.inflight.Dec()
	metrics.queueDepth.Inc()

	q.logger.Debug(
		"entry returned to queue for redelivery",
		append(entry.LogFields(), logfields.Event("entry_redelivery_scheduled"))...,
	)

	return nil
}

// Stats describes the current queue state.
type Stats struct {
	Pending  int
	Inflight int
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:  q.pending.Len(),
		Inflight: len(q.inflight),
	}
}

// Close stops the queue.
// Waiting producers and consumers are woken and return ErrClosed, pending
// entries are discarded. The provider redelivers the discarded deliveries,
// their dedup records die with the process.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.deliverablec)
	close(q.freedc)

	if q.pending.Len() > 0 {
		q.logger.Info(
			"queue closed with pending entries, they will be redelivered by the provider",
			logfields.Event("queue_closed_with_pending_entries"),
			zap.Int("queue.pending", q.pending.Len()),
		)
	}
}

// signalDeliverable wakes consumers waiting in Dequeue.
// Must be called with q.mu held, never after close.
func (q *Queue) signalDeliverable() {
	if q.closed {
		return
	}

	close(q.deliverablec)
	q.deliverablec = make(chan struct{})
}

// signalFreed wakes producers waiting in Enqueue for free capacity.
// Must be called with q.mu held, never after close.
func (q *Queue) signalFreed() {
	if q.closed {
		return
	}

	close(q.freedc)
	q.freedc = make(chan struct{})
}
