package ingest

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v43/github"
	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/logfields"
	"github.com/aicodereviewer/webhookd/internal/provider"
)

// DefMaxBodySize is the default maximum accepted request body size.
// GitHub caps webhook payloads below this limit.
const DefMaxBodySize = 10 << 20

const retryAfterHeaderVal = "60"

// HTTPHandler exposes the ingestion pipeline as the webhook HTTP endpoint.
type HTTPHandler struct {
	service     *Service
	limiter     *rateLimiter
	maxBodySize int64
	logger      *zap.Logger
}

type HandlerOption func(*HTTPHandler)

// WithRateLimit enables per-source rate limiting with the given count of
// requests per minute.
func WithRateLimit(perMin int) HandlerOption {
	return func(h *HTTPHandler) {
		if perMin > 0 {
			h.limiter = newRateLimiter(perMin)
		}
	}
}

func WithMaxBodySize(size int64) HandlerOption {
	return func(h *HTTPHandler) {
		if size > 0 {
			h.maxBodySize = size
		}
	}
}

func NewHTTPHandler(service *Service, opts ...HandlerOption) *HTTPHandler {
	h := HTTPHandler{
		service:     service,
		maxBodySize: DefMaxBodySize,
		logger:      zap.L().Named("webhook-http-handler"),
	}

	for _, opt := range opts {
		opt(&h)
	}

	return &h
}

// Handle processes one webhook request.
// It captures the raw request, runs the ingestion pipeline and writes the
// resulting status.
func (h *HTTPHandler) Handle(resp http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		h.writeResult(resp, &Result{http.StatusMethodNotAllowed, StatusError, "method not allowed"})
		return
	}

	if h.limiter != nil && !h.limiter.Allow(sourceIP(req)) {
		h.logger.Info(
			"rejecting request, rate limit exceeded",
			logfields.Event("rate_limit_exceeded"),
			zap.String("source", sourceIP(req)),
		)

		metrics.resultInc(resultLabelRateLimitedVal)
		resp.Header().Set("Retry-After", retryAfterHeaderVal)
		h.writeResult(resp, &Result{http.StatusTooManyRequests, StatusRetry, "rate limit exceeded"})
		return
	}

	eventType := github.WebHookType(req)
	if eventType == "" {
		h.writeResult(resp, &Result{http.StatusBadRequest, StatusError, "missing event type header"})
		return
	}

	deliveryID := github.DeliveryID(req)
	if deliveryID == "" {
		h.writeResult(resp, &Result{http.StatusBadRequest, StatusError, "missing delivery id header"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(resp, req.Body, h.maxBodySize))
	if err != nil {
		h.logger.Info(
			"reading request body failed",
			logfields.Event("reading_request_body_failed"),
			logfields.DeliveryID(deliveryID),
			zap.Error(err),
		)

		h.writeResult(resp, &Result{http.StatusBadRequest, StatusError, "reading request body failed"})
		return
	}

	result := h.service.Ingest(req.Context(), &provider.RawRequest{
		EventType:  eventType,
		DeliveryID: deliveryID,
		Signature:  req.Header.Get(github.SHA256SignatureHeader),
		Body:       body,
		ReceivedAt: time.Now(),
	})

	if result.HTTPStatus == http.StatusServiceUnavailable {
		resp.Header().Set("Retry-After", retryAfterHeaderVal)
	}

	h.writeResult(resp, result)
}

type responseBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *HTTPHandler) writeResult(resp http.ResponseWriter, result *Result) {
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(result.HTTPStatus)

	err := json.NewEncoder(resp).Encode(&responseBody{
		Status: string(result.Status),
		Reason: result.Reason,
	})
	if err != nil {
		h.logger.Debug("writing response body failed", zap.Error(err))
	}
}
