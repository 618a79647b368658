// Package provider defines the contract between the ingestion pipeline and
// the hosting-provider specific webhook implementations.
package provider

import (
	"time"

	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// RawRequest is the immutable capture of one inbound webhook call.
// Body contains the untouched request bytes, signatures are always computed
// over it, never over a re-serialized form.
type RawRequest struct {
	EventType  string
	DeliveryID string
	Signature  string
	Body       []byte
	ReceivedAt time.Time
}

func (r *RawRequest) LogFields() []zap.Field {
	fields := make([]zap.Field, 0, 2)

	if r.DeliveryID != "" {
		fields = append(fields, logfields.DeliveryID(r.DeliveryID))
	}

	if r.EventType != "" {
		fields = append(fields, logfields.EventType(r.EventType))
	}

	return fields
}

// Normalizer converts a provider specific webhook payload into the internal
// event model.
// Adding support for another hosting provider means adding another
// Normalizer implementation, the rest of the pipeline is provider agnostic.
type Normalizer interface {
	// Normalize parses rawJSON and returns a fully populated event.
	// If a required field is missing or malformed a *ValidationError
	// naming the first offending field is returned and no event.
	Normalize(eventType string, rawJSON []byte) (*event.PullRequestEvent, error)
}

// ValidationError reports the first required field that was missing or
// malformed in a webhook payload.
type ValidationError struct {
	// Field is the path of the offending field in provider notation,
	// e.g. "pull_request.head.sha".
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return "invalid payload: " + e.Field + ": " + e.Err.Error()
	}

	return "invalid payload: " + e.Field
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
