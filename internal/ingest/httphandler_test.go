package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gogithub "github.com/google/go-github/v43/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aicodereviewer/webhookd/internal/dedup"
	"github.com/aicodereviewer/webhookd/internal/dispatch"
	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/provider/github"
	"github.com/aicodereviewer/webhookd/internal/router"
)

const (
	testSecret     = "hunter2"
	testDeliveryID = "72d3162e-cc78-11e3-81ab-4c9367dc0958"
)

type testPipeline struct {
	handler *HTTPHandler
	queue   *dispatch.Queue
}

func newTestPipeline(t *testing.T, verifier Verifier, queueOpts []dispatch.Option, handlerOpts ...HandlerOption) *testPipeline {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	queue := dispatch.New(queueOpts...)
	t.Cleanup(queue.Close)

	service := NewService(
		verifier,
		dedup.New(0, 0),
		github.NewNormalizer(),
		router.New(),
		queue,
	)

	return &testPipeline{
		handler: NewHTTPHandler(service, handlerOpts...),
		queue:   queue,
	}
}

func newSignedPipeline(t *testing.T, queueOpts ...dispatch.Option) *testPipeline {
	return newTestPipeline(t, github.NewVerifier(testSecret), queueOpts)
}

// prPayload returns a complete pull_request payload for the given action.
func prPayload(t *testing.T, action string, prNumber int) []byte {
	t.Helper()

	data, err := json.Marshal(map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number":   prNumber,
			"title":    "Add retry handling",
			"html_url": fmt.Sprintf("https://github.com/acme/billing/pull/%d", prNumber),
			"head":     map[string]any{"sha": "8ad9dec4298f6b8f020997373cf4fe22005f2c06"},
			"base":     map[string]any{"sha": "58e7c410c97fd1749264b3f7bcb91b6ff16c8a6c"},
			"user":     map[string]any{"login": "jdoe"},
		},
		"repository": map[string]any{
			"name":      "billing",
			"full_name": "acme/billing",
			"html_url":  "https://github.com/acme/billing",
			"clone_url": "https://github.com/acme/billing.git",
		},
	})
	require.NoError(t, err)

	return data
}

type webhookRequest struct {
	eventType  string
	deliveryID string
	body       []byte
	signed     bool
}

func (p *testPipeline) send(t *testing.T, hr *webhookRequest) (*httptest.ResponseRecorder, *responseBody) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github/events", bytes.NewReader(hr.body))
	req.Header.Set("Content-Type", "application/json")

	if hr.eventType != "" {
		req.Header.Set(gogithub.EventTypeHeader, hr.eventType)
	}

	if hr.deliveryID != "" {
		req.Header.Set(gogithub.DeliveryIDHeader, hr.deliveryID)
	}

	if hr.signed {
		req.Header.Set(gogithub.SHA256SignatureHeader, github.Sign(hr.body, []byte(testSecret)))
	}

	recorder := httptest.NewRecorder()
	p.handler.Handle(recorder, req)

	var respBody responseBody
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&respBody))

	return recorder, &respBody
}

func TestPingIsAcknowledged(t *testing.T) {
	pipeline := newTestPipeline(t, github.NewVerifier("", github.WithAllowUnsigned()), nil)

	recorder, respBody := pipeline.send(t, &webhookRequest{
		eventType:  "ping",
		deliveryID: testDeliveryID,
		body:       []byte(`{"zen": "Design for failure."}`),
	})

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "pong", respBody.Reason)
	assert.Equal(t, dispatch.Stats{}, pipeline.queue.Stats())
}

func TestActionableEventIsEnqueued(t *testing.T) {
	pipeline := newSignedPipeline(t)

	recorder, respBody := pipeline.send(t, &webhookRequest{
		eventType:  "pull_request",
		deliveryID: testDeliveryID,
		body:       prPayload(t, event.ActionOpened, 7),
		signed:     true,
	})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "enqueued", respBody.Reason)
	require.Equal(t, dispatch.Stats{Pending: 1}, pipeline.queue.Stats())

	entry, err := pipeline.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testDeliveryID, entry.DeliveryID)
	assert.Equal(t, event.ActionOpened, entry.Event.Action)
	assert.Equal(t, 7, entry.Event.PullRequest.Number)
	assert.Equal(t, "acme/billing", entry.Event.Repository.FullName)
	assert.Equal(t, "8ad9dec4298f6b8f020997373cf4fe22005f2c06", entry.Event.PullRequest.HeadSHA)
}

func TestDuplicateDeliveryIsNotEnqueuedTwice(t *testing.T) {
	pipeline := newSignedPipeline(t)

	hr := &webhookRequest{
		eventType:  "pull_request",
		deliveryID: testDeliveryID,
		body:       prPayload(t, event.ActionOpened, 7),
		signed:     true,
	}

	recorder, _ := pipeline.send(t, hr)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder, respBody := pipeline.send(t, hr)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "duplicate delivery", respBody.Reason)

	assert.Equal(t, dispatch.Stats{Pending: 1}, pipeline.queue.Stats())
}

func TestNonActionableActionIsIgnored(t *testing.T) {
	pipeline := newSignedPipeline(t)

	recorder, respBody := pipeline.send(t, &webhookRequest{
		eventType:  "pull_request",
		deliveryID: testDeliveryID,
		body:       prPayload(t, event.ActionClosed, 7),
		signed:     true,
	})

	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, string(StatusIgnored), respBody.Status)
	assert.Equal(t, dispatch.Stats{}, pipeline.queue.Stats())
}

func TestUnhandledEventTypeIsAcknowledged(t *testing.T) {
	pipeline := newSignedPipeline(t)

	body := []byte(`{"ref": "refs/heads/main"}`)

	recorder, respBody := pipeline.send(t, &webhookRequest{
		eventType:  "push",
		deliveryID: testDeliveryID,
		body:       body,
		signed:     true,
	})

	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, "unhandled event type", respBody.Reason)
	assert.Equal(t, dispatch.Stats{}, pipeline.queue.Stats())
}

func TestInvalidSignatureLeavesDeliveryEligible(t *testing.T) {
	pipeline := newSignedPipeline(t)

	hr := &webhookRequest{
		eventType:  "pull_request",
		deliveryID: testDeliveryID,
		body:       prPayload(t, event.ActionOpened, 7),
	}

	recorder, respBody := pipeline.send(t, hr)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "signature verification failed", respBody.Reason)
	assert.Equal(t, dispatch.Stats{}, pipeline.queue.Stats())

	// the rejected request must not have consumed the delivery ID, a
	// correctly signed redelivery is processed
	hr.signed = true
	recorder, respBody = pipeline.send(t, hr)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "enqueued", respBody.Reason)
	assert.Equal(t, dispatch.Stats{Pending: 1}, pipeline.queue.Stats())
}

func TestInvalidPayloadRejectionIsReplayed(t *testing.T) {
	pipeline := newSignedPipeline(t)

	payload := map[string]any{
		"action": event.ActionOpened,
		"pull_request": map[string]any{
			"number":   7,
			"title":    "Add retry handling",
			"html_url": "https://github.com/acme/billing/pull/7",
			"base":     map[string]any{"sha": "58e7c410c97fd1749264b3f7bcb91b6ff16c8a6c"},
			"user":     map[string]any{"login": "jdoe"},
		},
		"repository": map[string]any{
			"name":      "billing",
			"full_name": "acme/billing",
			"html_url":  "https://github.com/acme/billing",
			"clone_url": "https://github.com/acme/billing.git",
		},
	}

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	hr := &webhookRequest{
		eventType:  "pull_request",
		deliveryID: testDeliveryID,
		body:       body,
		signed:     true,
	}

	recorder, respBody := pipeline.send(t, hr)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "invalid payload: pull_request.head.sha", respBody.Reason)

	// a redelivery of the rejected payload fails fast with the original
	// rejection reason
	recorder, respBody = pipeline.send(t, hr)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "invalid payload: pull_request.head.sha", respBody.Reason)

	assert.Equal(t, dispatch.Stats{}, pipeline.queue.Stats())
}

func TestBackpressureLeavesDeliveryEligible(t *testing.T) {
	pipeline := newSignedPipeline(t, dispatch.WithCapacity(1))

	recorder, _ := pipeline.send(t, &webhookRequest{
		eventType:  "pull_request",
		deliveryID: "delivery-1",
		body:       prPayload(t, event.ActionOpened, 1),
		signed:     true,
	})
	require.Equal(t, http.StatusOK, recorder.Code)

	hr := &webhookRequest{
		eventType:  "pull_request",
		deliveryID: "delivery-2",
		body:       prPayload(t, event.ActionOpened, 2),
		signed:     true,
	}

	recorder, respBody := pipeline.send(t, hr)
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, string(StatusRetry), respBody.Status)
	assert.Equal(t, "queue full", respBody.Reason)
	assert.NotEmpty(t, recorder.Header().Get("Retry-After"))

	// drain the queue, the redelivery of the rejected delivery must then
	// be processed fresh
	entry, err := pipeline.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, pipeline.queue.Ack(entry.DeliveryID))

	recorder, respBody = pipeline.send(t, hr)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "enqueued", respBody.Reason)
}

func TestMissingHeadersAreRejected(t *testing.T) {
	pipeline := newSignedPipeline(t)

	body := prPayload(t, event.ActionOpened, 7)

	recorder, _ := pipeline.send(t, &webhookRequest{
		deliveryID: testDeliveryID,
		body:       body,
		signed:     true,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = pipeline.send(t, &webhookRequest{
		eventType: "pull_request",
		body:      body,
		signed:    true,
	})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestNonPostMethodIsRejected(t *testing.T) {
	pipeline := newSignedPipeline(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/github/events", nil)
	recorder := httptest.NewRecorder()

	pipeline.handler.Handle(recorder, req)

	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	pipeline := newTestPipeline(
		t,
		github.NewVerifier(testSecret),
		nil,
		WithMaxBodySize(64),
	)

	recorder, _ := pipeline.send(t, &webhookRequest{
		eventType:  "pull_request",
		deliveryID: testDeliveryID,
		body:       prPayload(t, event.ActionOpened, 7),
		signed:     true,
	})

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, dispatch.Stats{}, pipeline.queue.Stats())
}

func TestRateLimitExceeded(t *testing.T) {
	pipeline := newTestPipeline(
		t,
		github.NewVerifier("", github.WithAllowUnsigned()),
		nil,
		WithRateLimit(1),
	)

	hr := &webhookRequest{
		eventType:  "ping",
		deliveryID: testDeliveryID,
		body:       []byte(`{}`),
	}

	recorder, _ := pipeline.send(t, hr)
	require.Equal(t, http.StatusOK, recorder.Code)

	hr.deliveryID = "another-delivery"
	recorder, respBody := pipeline.send(t, hr)
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, string(StatusRetry), respBody.Status)
	assert.NotEmpty(t, recorder.Header().Get("Retry-After"))
}

func TestProcessingCompletesWhenClientDisconnects(t *testing.T) {
	pipeline := newSignedPipeline(t)

	body := prPayload(t, event.ActionOpened, 7)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github/events", bytes.NewReader(body))
	req.Header.Set(gogithub.EventTypeHeader, "pull_request")
	req.Header.Set(gogithub.DeliveryIDHeader, testDeliveryID)
	req.Header.Set(gogithub.SHA256SignatureHeader, github.Sign(body, []byte(testSecret)))

	// simulate a client that disconnected before the pipeline ran
	ctx, cancelFunc := context.WithCancel(context.Background())
	cancelFunc()
	req = req.WithContext(ctx)

	recorder := httptest.NewRecorder()
	pipeline.handler.Handle(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, dispatch.Stats{Pending: 1}, pipeline.queue.Stats())
}
