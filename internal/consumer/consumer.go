// Package consumer pulls entries from the dispatch queue and forwards them
// to the downstream review engine.
package consumer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/dispatch"
	"github.com/aicodereviewer/webhookd/internal/logfields"
	"github.com/aicodereviewer/webhookd/internal/routines"
)

// Target receives dequeued entries.
type Target interface {
	// Forward hands the entry to the downstream system.
	// Temporary failures must wrap hookerr.RetryableError, any other
	// error is treated as permanent.
	Forward(ctx context.Context, entry *dispatch.Entry) error
}

// Consumer runs a pool of workers that dequeue entries, forward them to the
// Target and acknowledge them.
// Entries whose forwarding failed temporarily are returned to the queue for
// redelivery, entries the Target rejected permanently are acknowledged and
// dropped.
type Consumer struct {
	queue      *dispatch.Queue
	target     Target
	retryer    *Retryer
	pool       *routines.Pool
	workers    int
	logger     *zap.Logger
	cancelFunc context.CancelFunc
}

type Option func(*Consumer)

// WithWorkers sets the count of concurrent consumer workers.
func WithWorkers(count int) Option {
	return func(c *Consumer) {
		if count > 0 {
			c.workers = count
		}
	}
}

func New(queue *dispatch.Queue, target Target, opts ...Option) *Consumer {
	c := Consumer{
		queue:   queue,
		target:  target,
		retryer: NewRetryer(),
		workers: 1,
		logger:  zap.L().Named("consumer"),
	}

	for _, opt := range opts {
		opt(&c)
	}

	c.pool = routines.NewPool(c.workers)

	return &c
}

// Start launches the consumer workers.
func (c *Consumer) Start() {
	ctx, cancelFunc := context.WithCancel(context.Background())
	c.cancelFunc = cancelFunc

	for i := 0; i < c.workers; i++ {
		c.pool.Queue(func() {
			c.workerLoop(ctx)
		})
	}

	c.logger.Info(
		"consumer started",
		logfields.Event("consumer_started"),
		zap.Int("worker_count", c.workers),
	)
}

func (c *Consumer) workerLoop(ctx context.Context) {
	for {
		entry, err := c.queue.Dequeue(ctx)
		if err != nil {
			// the queue was closed or the consumer was stopped
			return
		}

		c.process(ctx, entry)
	}
}

func (c *Consumer) process(ctx context.Context, entry *dispatch.Entry) {
	logger := c.logger.With(entry.LogFields()...)

	err := c.retryer.Run(ctx, func(ctx context.Context) error {
		return c.target.Forward(ctx, entry)
	}, entry.LogFields())

	if err == nil {
		if err := c.queue.Ack(entry.DeliveryID); err != nil {
			logger.Error(
				"acknowledging entry failed",
				logfields.Event("entry_ack_failed"),
				zap.Error(err),
			)

			return
		}

		logger.Info(
			"event forwarded to review engine",
			logfields.Event("event_forwarded"),
		)

		return
	}

	if errors.Is(err, ErrStopped) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		// temporary give-up, return the entry for redelivery
		if err := c.queue.Nack(entry.DeliveryID); err != nil {
			logger.Error(
				"returning entry for redelivery failed",
				logfields.Event("entry_nack_failed"),
				zap.Error(err),
			)

			return
		}

		logger.Warn(
			"forwarding aborted, entry returned for redelivery",
			logfields.Event("entry_redelivery_scheduled"),
			zap.Error(err),
		)

		return
	}

	// permanent failure, the entry cannot be processed, acknowledging it
	// prevents an endless redelivery loop
	if ackErr := c.queue.Ack(entry.DeliveryID); ackErr != nil {
		logger.Error(
			"acknowledging permanently failed entry failed",
			logfields.Event("entry_ack_failed"),
			zap.Error(ackErr),
		)
	}

	logger.Error(
		"event dropped, review engine rejected it permanently",
		logfields.Event("event_dropped"),
		zap.Error(err),
	)
}

// Stop terminates the workers and waits until they returned.
// The entry a worker is currently processing is returned to the queue for
// redelivery.
func (c *Consumer) Stop() {
	c.logger.Debug("consumer terminating", logfields.Event("consumer_terminating"))

	if c.cancelFunc != nil {
		c.cancelFunc()
	}

	c.retryer.Stop()
	c.pool.Wait()

	c.logger.Info("consumer terminated", logfields.Event("consumer_terminated"))
}
