// Package router classifies inbound webhook events and decides whether they
// are processed, acknowledged or ignored.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// Event types, values of the provider's event-type header.
const (
	EventTypePing        = "ping"
	EventTypePullRequest = "pull_request"
)

// Outcome is the classification of an (eventType, action) pair.
// The classification is total, every pair maps to exactly one Outcome.
type Outcome int8

const (
	// OutcomeProcess enqueues the event for downstream processing.
	OutcomeProcess Outcome = iota
	// OutcomeAcknowledge confirms receipt without an entity to process,
	// it is the response to provider connectivity checks.
	OutcomeAcknowledge
	// OutcomeIgnore acknowledges receipt of a recognized event that does
	// not lead to processing.
	OutcomeIgnore
	// OutcomeUnhandled acknowledges receipt of an event type that the
	// service does not handle. It is reported distinctly so operators
	// can observe event-type coverage gaps.
	OutcomeUnhandled
	// OutcomeFiltered acknowledges receipt of an actionable event that
	// was discarded by the configured filter query.
	OutcomeFiltered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcess:
		return "process"
	case OutcomeAcknowledge:
		return "acknowledge"
	case OutcomeIgnore:
		return "ignore"
	case OutcomeUnhandled:
		return "unhandled"
	case OutcomeFiltered:
		return "filtered"
	default:
		return "undefined"
	}
}

// DefActionableActions are the pull_request actions that are processed when
// no allowlist is configured.
var DefActionableActions = []string{
	event.ActionOpened,
	event.ActionSynchronize,
	event.ActionReopened,
}

// Router maps (eventType, action) pairs to Outcomes.
// An optional jq filter query is evaluated against the raw payload of
// actionable events, events for that the query does not return true are
// filtered.
type Router struct {
	actionable  map[string]struct{}
	filterQuery *gojq.Query
	logger      *zap.Logger
}

type Option func(*Router)

// WithActionableActions replaces the default allowlist of pull_request
// actions that are processed.
func WithActionableActions(actions []string) Option {
	return func(r *Router) {
		r.actionable = make(map[string]struct{}, len(actions))
		for _, action := range actions {
			r.actionable[action] = struct{}{}
		}
	}
}

// WithFilterQuery sets a jq query that is evaluated against the raw payload
// of actionable events. The query must return a single boolean.
func WithFilterQuery(query string) (Option, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing filter query failed: %w", err)
	}

	return func(r *Router) {
		r.filterQuery = parsed
	}, nil
}

func New(opts ...Option) *Router {
	r := Router{
		logger: zap.L().Named("event-router"),
	}

	for _, opt := range opts {
		opt(&r)
	}

	if r.actionable == nil {
		WithActionableActions(DefActionableActions)(&r)
	}

	return &r
}

// Classify returns the Outcome for the (eventType, action) pair.
// rawJSON is only consulted when a filter query is configured and the pair
// is actionable. The returned error is non-nil only when evaluating the
// filter query failed, the classification itself cannot fail.
func (r *Router) Classify(ctx context.Context, eventType, action string, rawJSON []byte) (Outcome, error) {
	switch eventType {
	case EventTypePing:
		return OutcomeAcknowledge, nil

	case EventTypePullRequest:
		if _, exist := r.actionable[action]; !exist {
			return OutcomeIgnore, nil
		}

		return r.applyFilter(ctx, rawJSON)

	default:
		r.logger.Info(
			"received unhandled event type",
			logfields.Event("unhandled_event_type_received"),
			logfields.EventType(eventType),
		)

		return OutcomeUnhandled, nil
	}
}

func (r *Router) applyFilter(ctx context.Context, rawJSON []byte) (Outcome, error) {
	if r.filterQuery == nil {
		return OutcomeProcess, nil
	}

	var payload any
	if err := json.Unmarshal(rawJSON, &payload); err != nil {
		return OutcomeProcess, fmt.Errorf("unmarshalling payload for filter query failed: %w", err)
	}

	iter := r.filterQuery.RunWithContext(ctx, payload)

	res, ok := iter.Next()
	if !ok {
		return OutcomeProcess, fmt.Errorf("filter query returned no result, query: %q", r.filterQuery.String())
	}

	if _, hasMore := iter.Next(); hasMore {
		return OutcomeProcess, fmt.Errorf("filter query returned multiple results, expected 1, query: %q", r.filterQuery.String())
	}

	switch val := res.(type) {
	case error:
		return OutcomeProcess, fmt.Errorf("filter query failed: %w", val)

	case bool:
		if val {
			return OutcomeProcess, nil
		}

		return OutcomeFiltered, nil

	default:
		return OutcomeProcess, fmt.Errorf(
			"filter query returned non-bool result: %+v (%T), query: %q",
			val, val, r.filterQuery.String(),
		)
	}
}
