// Package ingest orchestrates the webhook ingestion pipeline: signature
// verification, delivery deduplication, payload normalization, routing and
// hand-off to the dispatch queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/dedup"
	"github.com/aicodereviewer/webhookd/internal/dispatch"
	"github.com/aicodereviewer/webhookd/internal/logfields"
	"github.com/aicodereviewer/webhookd/internal/provider"
	"github.com/aicodereviewer/webhookd/internal/router"
)

// Status is the machine-readable category of an ingestion Result.
type Status string

const (
	StatusOK      Status = "ok"
	StatusIgnored Status = "ignored"
	StatusRetry   Status = "retry"
	StatusError   Status = "error"
)

// Result is the outcome of ingesting one webhook request.
// Reason is a short human-readable explanation, it never echoes payload
// content.
type Result struct {
	HTTPStatus int
	Status     Status
	Reason     string
}

// Verifier authenticates the raw payload of a webhook request.
type Verifier interface {
	// Verify returns nil when signatureHeader matches body.
	Verify(body []byte, signatureHeader string) error
}

// Service runs the ingestion pipeline in strict order, short-circuiting on
// the first rejection: verify -> dedupe -> normalize -> route -> enqueue.
type Service struct {
	verifier   Verifier
	dedup      *dedup.Store
	normalizer provider.Normalizer
	router     *router.Router
	queue      *dispatch.Queue
	logger     *zap.Logger
}

func NewService(
	verifier Verifier,
	dedupStore *dedup.Store,
	normalizer provider.Normalizer,
	rtr *router.Router,
	queue *dispatch.Queue,
) *Service {
	return &Service{
		verifier:   verifier,
		dedup:      dedupStore,
		normalizer: normalizer,
		router:     rtr,
		queue:      queue,
		logger:     zap.L().Named("ingest-service"),
	}
}

// Ingest processes one captured webhook request and returns the response
// contract for the transport layer.
// It never panics, unexpected faults are converted into an internal-error
// Result, the delivery record is then left in-flight so a redelivery is not
// falsely deduplicated away.
func (s *Service) Ingest(ctx context.Context, req *provider.RawRequest) (result *Result) {
	logger := s.logger.With(req.LogFields()...)

	defer func() {
		if r := recover(); r != nil {
			logger.Error(
				"panic during ingestion",
				logfields.Event("ingestion_panic"),
				zap.String("panic", fmt.Sprintf("%v", r)),
				zap.StackSkip("stacktrace", 1),
			)

			metrics.resultInc(resultLabelInternalErrorVal)
			result = &Result{http.StatusInternalServerError, StatusError, "internal error"}
		}
	}()

	if err := s.verifier.Verify(req.Body, req.Signature); err != nil {
		logger.Info(
			"rejecting request, signature verification failed",
			logfields.Event("signature_verification_failed"),
			zap.Error(err),
		)

		metrics.resultInc(resultLabelAuthErrorVal)
		return &Result{http.StatusBadRequest, StatusError, "signature verification failed"}
	}

	dedupResult, rejectReason := s.dedup.CheckAndMark(req.DeliveryID)
	switch dedupResult {
	case dedup.DuplicateAccepted:
		logger.Debug(
			"acknowledging duplicate of an accepted delivery",
			logfields.Event("duplicate_delivery_received"),
		)

		metrics.resultInc(resultLabelDuplicateVal)
		return &Result{http.StatusOK, StatusOK, "duplicate delivery"}

	case dedup.DuplicateRejected:
		if rejectReason == "" {
			rejectReason = "delivery was rejected"
		}

		metrics.resultInc(resultLabelDuplicateVal)
		return &Result{http.StatusBadRequest, StatusError, rejectReason}

	case dedup.DuplicateInFlight:
		// the delivery did not reach a terminal state yet, let the
		// provider redeliver instead of processing it twice
		metrics.resultInc(resultLabelDuplicateVal)
		return &Result{http.StatusServiceUnavailable, StatusRetry, "delivery is being processed"}

	case dedup.Fresh:
	}

	// The delivery is marked in-flight now. Processing must run to
	// completion even when the client connection is dropped, otherwise
	// the record would never reach a terminal state.
	ctx = context.WithoutCancel(ctx)

	if req.EventType != router.EventTypePullRequest {
		outcome, _ := s.router.Classify(ctx, req.EventType, "", nil)
		return s.finishWithoutEntity(logger, req, outcome)
	}

	ev, err := s.normalizer.Normalize(req.EventType, req.Body)
	if err != nil {
		reason := "invalid payload"

		var validationErr *provider.ValidationError
		if errors.As(err, &validationErr) {
			reason = "invalid payload: " + validationErr.Field
		}

		// redeliveries of the same malformed payload fail fast
		s.dedup.MarkRejected(req.DeliveryID, reason)

		logger.Info(
			"rejecting request, payload validation failed",
			logfields.Event("payload_validation_failed"),
			zap.Error(err),
		)

		metrics.resultInc(resultLabelValidationErrorVal)
		return &Result{http.StatusBadRequest, StatusError, reason}
	}

	logger = logger.With(ev.LogFields()...)

	outcome, err := s.router.Classify(ctx, req.EventType, ev.Action, req.Body)
	if err != nil {
		logger.Error(
			"classifying event failed",
			logfields.Event("event_classification_failed"),
			zap.Error(err),
		)

		// record stays in-flight, see Ingest doc comment
		metrics.resultInc(resultLabelInternalErrorVal)
		return &Result{http.StatusInternalServerError, StatusError, "internal error"}
	}

	if outcome != router.OutcomeProcess {
		return s.finishWithoutEntity(logger, req, outcome)
	}

	if err := s.queue.Enqueue(ctx, dispatch.NewEntry(ev, req.DeliveryID)); err != nil {
		// allow a genuine retry: without a record a redelivery of this
		// delivery ID is processed fresh
		s.dedup.Rollback(req.DeliveryID)

		if errors.Is(err, dispatch.ErrFull) || errors.Is(err, dispatch.ErrClosed) {
			logger.Warn(
				"rejecting request, dispatch queue signalled backpressure",
				logfields.Event("enqueue_backpressure"),
				zap.Error(err),
			)

			metrics.resultInc(resultLabelBackpressureVal)
			return &Result{http.StatusServiceUnavailable, StatusRetry, "queue full"}
		}

		logger.Error(
			"enqueueing entry failed",
			logfields.Event("enqueue_failed"),
			zap.Error(err),
		)

		metrics.resultInc(resultLabelInternalErrorVal)
		return &Result{http.StatusInternalServerError, StatusError, "internal error"}
	}

	s.dedup.MarkAccepted(req.DeliveryID)

	logger.Info(
		"event accepted for processing",
		logfields.Event("event_enqueued"),
	)

	metrics.resultInc(resultLabelEnqueuedVal)
	return &Result{http.StatusOK, StatusOK, "enqueued"}
}

// finishWithoutEntity terminates the pipeline for deliveries that are
// acknowledged without enqueueing an entry.
func (s *Service) finishWithoutEntity(logger *zap.Logger, req *provider.RawRequest, outcome router.Outcome) *Result {
	s.dedup.MarkAccepted(req.DeliveryID)

	switch outcome {
	case router.OutcomeAcknowledge:
		logger.Debug("acknowledging provider connectivity check", logfields.Event("ping_received"))

		metrics.resultInc(resultLabelAcknowledgedVal)
		return &Result{http.StatusOK, StatusOK, "pong"}

	case router.OutcomeIgnore:
		logger.Debug(
			"ignoring event, action is not actionable",
			logfields.Event("event_ignored"),
		)

		metrics.resultInc(resultLabelIgnoredVal)
		return &Result{http.StatusAccepted, StatusIgnored, "action not actionable"}

	case router.OutcomeFiltered:
		logger.Debug(
			"ignoring event, discarded by filter query",
			logfields.Event("event_filtered"),
		)

		metrics.resultInc(resultLabelFilteredVal)
		return &Result{http.StatusAccepted, StatusIgnored, "filtered"}

	default:
		metrics.resultInc(resultLabelUnhandledVal)
		return &Result{http.StatusAccepted, StatusIgnored, "unhandled event type"}
	}
}
