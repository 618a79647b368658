package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// Entry wraps a normalized event for queue transport.
// An Entry is owned exclusively by the queue until a consumer claims it via
// Dequeue and remains tracked until it is acknowledged.
type Entry struct {
	Event      *event.PullRequestEvent
	DeliveryID string
	EnqueuedAt time.Time

	// Attempts counts how often the entry was claimed by a consumer.
	// It is >1 after redeliveries.
	Attempts int
}

func NewEntry(ev *event.PullRequestEvent, deliveryID string) *Entry {
	return &Entry{
		Event:      ev,
		DeliveryID: deliveryID,
		EnqueuedAt: time.Now(),
	}
}

// Key identifies the pull request the entry belongs to.
// Entries with the same key are delivered in submission order.
func (e *Entry) Key() string {
	return e.Event.Key()
}

func (e *Entry) LogFields() []zap.Field {
	return append(
		e.Event.LogFields(),
		logfields.DeliveryID(e.DeliveryID),
		zap.Int("queue.attempts", e.Attempts),
	)
}
