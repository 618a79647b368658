package consumer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/aicodereviewer/webhookd/internal/dispatch"
	"github.com/aicodereviewer/webhookd/internal/event"
	"github.com/aicodereviewer/webhookd/internal/hookerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEntry(deliveryID string, prNumber int) *dispatch.Entry {
	return dispatch.NewEntry(&event.PullRequestEvent{
		Action: event.ActionOpened,
		PullRequest: event.PullRequest{
			Number:    prNumber,
			Title:     "test pr",
			HeadSHA:   "b0a9cd2c",
			BaseSHA:   "d70f1a9f",
			HTMLURL:   fmt.Sprintf("https://github.com/acme/billing/pull/%d", prNumber),
			UserLogin: "jdoe",
		},
		Repository: event.Repository{
			Name:     "billing",
			FullName: "acme/billing",
			HTMLURL:  "https://github.com/acme/billing",
			CloneURL: "https://github.com/acme/billing.git",
		},
	}, deliveryID)
}

func TestSuccessfulForwardAcksEntry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	mockCtrl := gomock.NewController(t)
	target := NewMockTarget(mockCtrl)
	target.EXPECT().
		Forward(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(1)

	queue := dispatch.New()
	require.NoError(t, queue.Enqueue(context.Background(), newTestEntry("d1", 1)))

	cons := New(queue, target)
	cons.Start()

	require.Eventually(t, func() bool {
		return queue.Stats() == dispatch.Stats{}
	}, 5*time.Second, 5*time.Millisecond)

	queue.Close()
	cons.Stop()
}

func TestPermanentFailureDropsEntry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	mockCtrl := gomock.NewController(t)
	target := NewMockTarget(mockCtrl)
	target.EXPECT().
		Forward(gomock.Any(), gomock.Any()).
		Return(errors.New("payload rejected")).
		Times(1)

	queue := dispatch.New()
	require.NoError(t, queue.Enqueue(context.Background(), newTestEntry("d1", 1)))

	cons := New(queue, target)
	cons.Start()

	// the entry is acknowledged despite the failure, it must not loop
	require.Eventually(t, func() bool {
		return queue.Stats() == dispatch.Stats{}
	}, 5*time.Second, 5*time.Millisecond)

	queue.Close()
	cons.Stop()
}

func TestTemporaryFailureIsRetried(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	mockCtrl := gomock.NewController(t)
	target := NewMockTarget(mockCtrl)

	gomock.InOrder(
		target.EXPECT().
			Forward(gomock.Any(), gomock.Any()).
			Return(hookerr.NewRetryableAnytimeError(errors.New("review engine unavailable"))).
			Times(1),
		target.EXPECT().
			Forward(gomock.Any(), gomock.Any()).
			Return(nil).
			Times(1),
	)

	queue := dispatch.New()
	require.NoError(t, queue.Enqueue(context.Background(), newTestEntry("d1", 1)))

	cons := New(queue, target)
	cons.retryer.backoffInitialInterval = time.Millisecond
	cons.Start()

	require.Eventually(t, func() bool {
		return queue.Stats() == dispatch.Stats{}
	}, 5*time.Second, 5*time.Millisecond)

	queue.Close()
	cons.Stop()
}

func TestStopReturnsInflightEntryForRedelivery(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	mockCtrl := gomock.NewController(t)
	target := NewMockTarget(mockCtrl)
	target.EXPECT().
		Forward(gomock.Any(), gomock.Any()).
		Return(hookerr.NewRetryableAnytimeError(errors.New("review engine unavailable"))).
		MinTimes(1)

	queue := dispatch.New()
	require.NoError(t, queue.Enqueue(context.Background(), newTestEntry("d1", 1)))

	cons := New(queue, target)
	// keep the worker waiting for its next retry until Stop is called
	cons.retryer.backoffInitialInterval = time.Hour
	cons.Start()

	require.Eventually(t, func() bool {
		return queue.Stats().Inflight == 1
	}, 5*time.Second, 5*time.Millisecond)

	cons.Stop()

	assert.Equal(t, dispatch.Stats{Pending: 1}, queue.Stats())

	queue.Close()
}

func TestMultipleWorkersDrainQueue(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	const entryCnt = 10

	mockCtrl := gomock.NewController(t)
	target := NewMockTarget(mockCtrl)
	target.EXPECT().
		Forward(gomock.Any(), gomock.Any()).
		Return(nil).
		Times(entryCnt)

	queue := dispatch.New()
	for i := 1; i <= entryCnt; i++ {
		require.NoError(t, queue.Enqueue(context.Background(), newTestEntry(fmt.Sprintf("d%d", i), i)))
	}

	cons := New(queue, target, WithWorkers(4))
	cons.Start()

	require.Eventually(t, func() bool {
		return queue.Stats() == dispatch.Stats{}
	}, 5*time.Second, 5*time.Millisecond)

	queue.Close()
	cons.Stop()
}
