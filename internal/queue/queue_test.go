package queue_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unclebandit/broker-notify/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newQueue() *queue.InMemoryQueue {
	q := queue.NewInMemoryQueue(zap.NewNop())
	q.RetryDelay = time.Millisecond
	return q
}

func TestPublishWithoutSubscribers(t *testing.T) {
	err := newQueue().Publish("campaign_runs", queue.RunJob{RunID: "r1"})
	assert.Error(t, err)
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	q := newQueue()
	got := make(chan queue.RunJob, 1)
	require.NoError(t, q.Subscribe("campaign_runs", func(payload any) error {
		got <- payload.(queue.RunJob)
		return nil
	}))

	require.NoError(t, q.Publish("campaign_runs", queue.RunJob{RunID: "r1"}))
	q.Wait()
	assert.Equal(t, "r1", (<-got).RunID)
}

func TestFailedJobIsRetriedThenDropped(t *testing.T) {
	q := newQueue()
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("campaign_runs", func(payload any) error {
		calls.Add(1)
		return errors.New("store unavailable")
	}))

	require.NoError(t, q.Publish("campaign_runs", queue.RunJob{RunID: "r1"}))
	q.Wait()
	assert.Equal(t, int32(4), calls.Load(), "one attempt plus three retries")
}

func TestFailedJobSucceedsOnRetry(t *testing.T) {
	q := newQueue()
	var calls atomic.Int32
	require.NoError(t, q.Subscribe("campaign_runs", func(payload any) error {
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, q.Publish("campaign_runs", queue.RunJob{RunID: "r1"}))
	q.Wait()
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryHeaderDecoding(t *testing.T) {
	// amqp decodes small integers as int32 and larger ones as int64
	for _, h := range []amqp.Table{{"x-retry-count": int32(2)}, {"x-retry-count": int64(2)}} {
		assert.Equal(t, 2, queue.RetryCount(h))
	}
	assert.Zero(t, queue.RetryCount(nil))
}

func TestAMQPJobDroppedAfterMaxRetries(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	q := queue.NewUnconnectedAMQPQueue(zap.New(core))

	var got []string
	q.HandleJob("campaign_runs", queue.RunJob{RunID: "r1"}, 3, func(payload any) error {
		got = append(got, payload.(queue.RunJob).RunID)
		return errors.New("store unavailable")
	})

	assert.Equal(t, []string{"r1"}, got)
	require.Equal(t, 1, logs.FilterMessage("job permanently failed").Len())
	assert.Equal(t, int64(3), logs.All()[0].ContextMap()["retries"])
}

func TestAMQPHandledJobIsNotRepublished(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	q := queue.NewUnconnectedAMQPQueue(zap.New(core))

	q.HandleJob("campaign_runs", queue.RunJob{RunID: "r1"}, 0, func(payload any) error { return nil })
	assert.Zero(t, logs.Len())
}
