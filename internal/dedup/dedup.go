// Package dedup tracks webhook delivery IDs to guarantee that each unique
// delivery is accepted for processing at most once.
package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// DefRetentionWindow is the default duration for that delivery records are
// kept. GitHub redelivers webhook events within a bounded time, records
// older than the window are evicted.
const DefRetentionWindow = 48 * time.Hour

// DefMaxEntries bounds the number of tracked delivery records.
const DefMaxEntries = 65536

// Result of a CheckAndMark call.
type Result int8

const (
	// Fresh is returned for the single caller that first marked the
	// delivery ID, the delivery must be processed.
	Fresh Result = iota
	// DuplicateInFlight is returned when processing of the delivery was
	// started but did not reach a terminal state yet.
	DuplicateInFlight
	// DuplicateAccepted is returned when the delivery was processed
	// successfully before, the caller responds success without
	// reprocessing.
	DuplicateAccepted
	// DuplicateRejected is returned when the delivery was rejected
	// before, the caller repeats the original rejection.
	DuplicateRejected
)

func (r Result) String() string {
	switch r {
	case Fresh:
		return "fresh"
	case DuplicateInFlight:
		return "duplicate-inflight"
	case DuplicateAccepted:
		return "duplicate-accepted"
	case DuplicateRejected:
		return "duplicate-rejected"
	default:
		return "undefined"
	}
}

type state int8

const (
	stateInFlight state = iota
	stateAccepted
	stateRejected
)

type record struct {
	state     state
	firstSeen time.Time
	// rejectReason is only set for rejected records, it is replayed to
	// the provider when the same delivery is received again.
	rejectReason string
}

// Store is a concurrency-safe delivery-record store with bounded size and
// time based eviction.
// CheckAndMark is atomic, for concurrent calls with the same delivery ID
// exactly one caller observes Fresh.
type Store struct {
	mu      sync.Mutex
	records *expirable.LRU[string, *record]
	logger  *zap.Logger
}

type Option func(*Store)

func New(retention time.Duration, maxEntries int, opts ...Option) *Store {
	if retention <= 0 {
		retention = DefRetentionWindow
	}

	if maxEntries <= 0 {
		maxEntries = DefMaxEntries
	}

	s := Store{
		records: expirable.NewLRU[string, *record](maxEntries, nil, retention),
		logger:  zap.L().Named("dedup-store"),
	}

	for _, opt := range opts {
		opt(&s)
	}

	return &s
}

// CheckAndMark atomically checks whether deliveryID was seen before.
// If not, the delivery is recorded as in-flight and Fresh is returned.
// For rejected duplicates the reason of the original rejection is returned
// additionally.
func (s *Store) CheckAndMark(deliveryID string) (Result, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, exist := s.records.Get(deliveryID); exist {
		switch rec.state {
		case stateAccepted:
			return DuplicateAccepted, ""
		case stateRejected:
			return DuplicateRejected, rec.rejectReason
		default:
			return DuplicateInFlight, ""
		}
	}

	s.records.Add(deliveryID, &record{
		state:     stateInFlight,
		firstSeen: time.Now(),
	})

	return Fresh, ""
}

// MarkAccepted transitions the delivery record to its accepted terminal
// state.
func (s *Store) MarkAccepted(deliveryID string) {
	s.transition(deliveryID, stateAccepted, "")
}

// MarkRejected transitions the delivery record to its rejected terminal
// state. reason is replayed on redeliveries of the same delivery ID.
func (s *Store) MarkRejected(deliveryID, reason string) {
	s.transition(deliveryID, stateRejected, reason)
}

func (s *Store) transition(deliveryID string, to state, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exist := s.records.Get(deliveryID)
	if !exist {
		// the record was evicted while the delivery was processed,
		// recreate it, losing it would allow a redelivery to be
		// processed twice within the retention window
		s.logger.Debug(
			"delivery record missing on state transition, recreating it",
			logfields.DeliveryID(deliveryID),
		)

		s.records.Add(deliveryID, &record{
			state:        to,
			firstSeen:    time.Now(),
			rejectReason: reason,
		})

		return
	}

	if rec.state != stateInFlight {
		s.logger.Warn(
			"delivery record was already in a terminal state",
			logfields.DeliveryID(deliveryID),
		)
	}

	rec.state = to
	rec.rejectReason = reason
}

// Rollback removes the record of an in-flight delivery.
// It is called when processing failed temporarily, e.g. on queue
// backpressure, so that a redelivery of the same delivery ID is processed
// fresh instead of being deduplicated away.
func (s *Store) Rollback(deliveryID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records.Remove(deliveryID)
}

// Len returns the number of tracked delivery records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.records.Len()
}
