package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/aicodereviewer/webhookd/internal/hookerr"
	"github.com/aicodereviewer/webhookd/internal/logfields"
)

// DefRetryTimeout is the default maximum duration for which an operation is
// retried.
const DefRetryTimeout = 2 * time.Hour

const defBackoffInitialInterval = 5 * time.Second

// ErrStopped is returned by Retryer.Run when the Retryer was stopped before
// the operation succeeded.
var ErrStopped = errors.New("retryer stopped")

// Retryer executes a function repeatedly until it was successful or a
// cancel condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
	stopOnce                   sync.Once
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 DefRetryTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap hookerr.RetryableError, the context expired or the Retryer was
// stopped.
// When ctx carries no deadline, the default retry timeout applies.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancelFunc context.CancelFunc
		ctx, cancelFunc = context.WithTimeout(ctx, r.defTimeout)
		defer cancelFunc()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	var tryCnt uint

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(
				"operation cancelled",
				append(logF, logfields.Event("retried_operation_cancelled"), zap.Uint("try_count", tryCnt))...,
			)

			return ctx.Err()

		case <-r.shutdownChan:
			r.logger.Info(
				"retryer terminating, operation not retried",
				append(logF, logfields.Event("retried_operation_aborted"), zap.Uint("try_count", tryCnt))...,
			)

			return ErrStopped

		case <-retryTimer.C:
			tryCnt++
			logger := r.logger.With(append(logF, zap.Uint("try_count", tryCnt))...)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"operation executed successfully",
					logfields.Event("retried_operation_succeeded"),
				)

				return nil
			}

			if errors.Is(err, context.Canceled) {
				logger.Info(
					"operation cancelled",
					logfields.Event("retried_operation_cancelled"),
					zap.Error(err),
				)

				return err
			}

			var retryErr *hookerr.RetryableError
			if !errors.As(err, &retryErr) {
				logger.Warn(
					"operation failed, not retryable",
					logfields.Event("retried_operation_failed"),
					zap.Error(err),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if !retryErr.After.IsZero() {
				if until := time.Until(retryErr.After); until > retryIn {
					retryIn = until
				}
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("retried_operation_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Duration("age", bo.GetElapsedTime()),
				zap.Error(err),
			)
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdownChan)
	})
}
