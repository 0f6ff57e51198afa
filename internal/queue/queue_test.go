package queue

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brechohub/autoresponder/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, opts ...Option) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := New(append([]Option{WithURL("redis://" + mr.Addr())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func job(id string) models.QueueJob {
	return models.QueueJob{
		MessageID: id,
		PartnerID: "partner-1",
		Payload: models.JobPayload{
			Sender:     "5511999991234",
			Body:       "Olá! Esse vestido serve em quem veste 40?",
			ReceivedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestNew_DisabledWithoutURL(t *testing.T) {
	q, err := New()
	require.NoError(t, err)
	assert.False(t, q.Enabled())

	ctx := context.Background()
	assert.NoError(t, q.Enqueue(ctx, job("m1")))
	jobs, err := q.DequeueBatch(ctx, 10)
	assert.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, q.PushFailed(ctx, job("m1"), "x"))
	assert.ErrorIs(t, q.Ping(ctx), ErrDisabled)

	insp, err := q.Inspect(ctx, 5)
	require.NoError(t, err)
	assert.False(t, insp.Enabled)
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(WithURL("not-a-url://"))
	assert.Error(t, err)
}

func TestKeysUseNamespace(t *testing.T) {
	q, _ := newTestQueue(t, WithNamespace("staging"))
	assert.Equal(t, "staging:auto-response:queue", q.QueueKey())
	assert.Equal(t, "staging:auto-response:failed", q.FailedKey())
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("m%d", i))))
	}

	first, err := q.DequeueBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "m1", first[0].MessageID)
	assert.Equal(t, "m3", first[2].MessageID)
	assert.False(t, first[0].EnqueuedAt.IsZero())

	rest, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "m4", rest[0].MessageID)

	empty, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDequeueBatch_MovesMalformedToFailed(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := mr.RPush(q.QueueKey(), "{broken")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, job("m1")))

	jobs, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	failed, err := mr.List(q.FailedKey())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], ReasonMalformedPayload)
}

func TestPushFailed_TrimsToCap(t *testing.T) {
	q, mr := newTestQueue(t, WithFailedListCap(3))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, q.PushFailed(ctx, job(fmt.Sprintf("m%d", i)), "timeout"))
	}
	failed, err := mr.List(q.FailedKey())
	require.NoError(t, err)
	require.Len(t, failed, 3)
	assert.Contains(t, failed[0], `"messageId":"m3"`)
}

func TestInspect_RedactsAndDoesNotMutate(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, job(fmt.Sprintf("m%d", i))))
	}
	require.NoError(t, q.PushFailed(ctx, job("f1"), "dispatch timeout"))

	insp, err := q.Inspect(ctx, 2)
	require.NoError(t, err)
	assert.True(t, insp.Enabled)
	assert.Equal(t, int64(3), insp.MainQueue.Length)
	require.Len(t, insp.MainQueue.Sample, 2)
	assert.Equal(t, "m1", insp.MainQueue.Sample[0].MessageID)
	assert.Equal(t, "*********1234", insp.MainQueue.Sample[0].Sender)
	assert.Equal(t, "Olá! Esse vestido serve em quem veste 40...", insp.MainQueue.Sample[0].Body)

	assert.Equal(t, int64(1), insp.FailedQueue.Length)
	require.Len(t, insp.FailedQueue.Sample, 1)
	assert.Equal(t, "dispatch timeout", insp.FailedQueue.Sample[0].Reason)
	assert.NotNil(t, insp.FailedQueue.Sample[0].FailedAt)

	main, err := mr.List(q.QueueKey())
	require.NoError(t, err)
	assert.Len(t, main, 3)
}

func TestInspect_FullPreviews(t *testing.T) {
	q, _ := newTestQueue(t, WithFullPreviews())
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, job("m1")))

	insp, err := q.Inspect(ctx, 5)
	require.NoError(t, err)
	require.Len(t, insp.MainQueue.Sample, 1)
	assert.Equal(t, "5511999991234", insp.MainQueue.Sample[0].Sender)
	assert.Equal(t, job("m1").Payload.Body, insp.MainQueue.Sample[0].Body)
}

func TestPing(t *testing.T) {
	q, mr := newTestQueue(t)
	assert.NoError(t, q.Ping(context.Background()))

	mr.Close()
	assert.Error(t, q.Ping(context.Background()))
}

func TestInspect_FailedSampleNewestFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		require.NoError(t, q.PushFailed(ctx, job(fmt.Sprintf("old%d", i)), "timeout"))
	}
	require.NoError(t, q.PushFailed(ctx, job("latest"), "dispatch failed"))

	insp, err := q.Inspect(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(11), insp.FailedQueue.Length)
	require.Len(t, insp.FailedQueue.Sample, 5)
	assert.Equal(t, "latest", insp.FailedQueue.Sample[0].MessageID)
	assert.Equal(t, "dispatch failed", insp.FailedQueue.Sample[0].Reason)
	assert.Equal(t, "old10", insp.FailedQueue.Sample[1].MessageID)
	assert.Equal(t, "old7", insp.FailedQueue.Sample[4].MessageID)
}

// blackhole accepts connections and never answers.
func blackhole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var conns []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns = append(conns, c)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func TestPing_UnresponsiveServerHonoursDeadline(t *testing.T) {
	q, err := New(WithURL("redis://" + blackhole(t)))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, q.Ping(ctx))
	assert.Less(t, time.Since(start), time.Second)
}

func TestApplyTimeouts(t *testing.T) {
	o, err := redis.ParseURL("redis://localhost:6379/0")
	require.NoError(t, err)
	applyTimeouts(o)
	assert.True(t, o.ContextTimeoutEnabled)
	assert.Equal(t, DefaultDialTimeout, o.DialTimeout)
	assert.Equal(t, DefaultIOTimeout, o.ReadTimeout)
	assert.Equal(t, DefaultIOTimeout, o.WriteTimeout)

	o, err = redis.ParseURL("redis://localhost:6379/0?dial_timeout=7s&read_timeout=9s")
	require.NoError(t, err)
	applyTimeouts(o)
	assert.Equal(t, 7*time.Second, o.DialTimeout)
	assert.Equal(t, 9*time.Second, o.ReadTimeout)
}

func TestWithClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q, err := New(WithClient(client))
	require.NoError(t, err)
	assert.True(t, q.Enabled())
	assert.NoError(t, q.Ping(context.Background()))
}

func TestClampSampleSize(t *testing.T) {
	assert.Equal(t, DefaultSampleSize, ClampSampleSize(0))
	assert.Equal(t, 1, ClampSampleSize(1))
	assert.Equal(t, MaxSampleSize, ClampSampleSize(500))
}
