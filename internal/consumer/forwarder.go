package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/dispatch"
	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/hookerr"
	"github.com/aicodereviewer/webhookd/internal/logfields"
)

const defForwardTimeout = time.Minute

// breakerCooldown is the duration the circuit breaker stays open after it
// tripped, requests in that period fail fast without reaching the review
// engine.
const breakerCooldown = 30 * time.Second

const maxErrRespBodySize = 4096

// Forwarder hands normalized events off to the review engine by sending
// them as HTTP POST requests.
// A circuit breaker protects the engine from request storms when it is
// unhealthy, forwards failing fast while the breaker is open are retryable.
type Forwarder struct {
	url     string
	clt     *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewForwarder(url string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = defForwardTimeout
	}

	logger := zap.L().Named("review-forwarder")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "review-engine",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Info(
				"circuit breaker state changed",
				logfields.Event("circuit_breaker_state_changed"),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Forwarder{
		url:     url,
		clt:     &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// forwardPayload is the request body sent to the review engine.
type forwardPayload struct {
	DeliveryID string                  `json:"delivery_id"`
	EnqueuedAt time.Time               `json:"enqueued_at"`
	Event      *event.PullRequestEvent `json:"event"`
}

// Forward sends the entry to the review engine.
// Temporary failures (network errors, 5xx responses, open circuit breaker)
// are returned as hookerr.RetryableError, other failures are permanent.
func (f *Forwarder) Forward(ctx context.Context, entry *dispatch.Entry) error {
	body, err := json.Marshal(&forwardPayload{
		DeliveryID: entry.DeliveryID,
		EnqueuedAt: entry.EnqueuedAt,
		Event:      entry.Event,
	})
	if err != nil {
		return fmt.Errorf("marshalling forward payload failed: %w", err)
	}

	_, err = f.breaker.Execute(func() (any, error) {
		return nil, f.post(ctx, body)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return hookerr.NewRetryableError(err, time.Now().Add(breakerCooldown))
	}

	return err
}

func (f *Forwarder) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := f.clt.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}

		return hookerr.NewRetryableAnytimeError(err)
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrRespBodySize))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	statusErr := fmt.Errorf("review engine returned status %d", resp.StatusCode)

	if resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500 {
		if after := retryAfter(resp); !after.IsZero() {
			return hookerr.NewRetryableError(statusErr, after)
		}

		return hookerr.NewRetryableAnytimeError(statusErr)
	}

	return statusErr
}

// retryAfter returns the earliest retry time from a Retry-After response
// header, the zero time when the header is absent or not in seconds format.
func retryAfter(resp *http.Response) time.Time {
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return time.Time{}
	}

	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		return time.Time{}
	}

	return time.Now().Add(time.Duration(secs) * time.Second)
}
