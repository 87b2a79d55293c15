package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPop(t *testing.T) {
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx := context.Background()
	queue := NewQueueWithKey(red, "settlement-jobs-test")
	require.NoError(t, red.Del(ctx, "settlement-jobs-test").Err())

	first := JobMessage{Kind: "otc_job", Identifier: "0xabc1"}
	second := JobMessage{Kind: "meta_transaction_job", Identifier: "b9a1bf9a-34b9-4f46-a25b-10de9d4b1f1b"}
	require.NoError(t, queue.Push(ctx, first))
	require.NoError(t, queue.Push(ctx, second))

	depth, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	got, err := queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, first, got)

	got, err = queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, second, got)

	_, err = queue.Pop(ctx, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueRejectsIncompleteMessages(t *testing.T) {
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	queue := NewQueueWithKey(red, "settlement-jobs-test")
	require.Error(t, queue.Push(context.Background(), JobMessage{Kind: "otc_job"}))
	require.Error(t, queue.Push(context.Background(), JobMessage{Identifier: "0xabc1"}))
}
