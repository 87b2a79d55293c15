package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisCooldownCache(t *testing.T) {
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx := context.Background()
	cache := NewRedisCooldownCache(red)
	makerToken := common.HexToAddress("0x4444")
	takerToken := common.HexToAddress("0x5555")
	require.NoError(t, red.Del(ctx, cooldownKey("mm-test", 137, makerToken, takerToken)).Err())

	onCooldown, err := cache.IsMakerOnCooldown(ctx, "mm-test", 137, makerToken, takerToken)
	require.NoError(t, err)
	require.False(t, onCooldown)

	start := time.Now()
	require.NoError(t, cache.AddMakerToCooldown(ctx, "mm-test", start, start.Add(2*time.Second), 137, makerToken, takerToken))

	onCooldown, err = cache.IsMakerOnCooldown(ctx, "mm-test", 137, makerToken, takerToken)
	require.NoError(t, err)
	require.True(t, onCooldown)

	// Other pairs and chains are untouched.
	onCooldown, err = cache.IsMakerOnCooldown(ctx, "mm-test", 137, takerToken, makerToken)
	require.NoError(t, err)
	require.False(t, onCooldown)
	onCooldown, err = cache.IsMakerOnCooldown(ctx, "mm-test", 1, makerToken, takerToken)
	require.NoError(t, err)
	require.False(t, onCooldown)

	time.Sleep(2*time.Second + 100*time.Millisecond)

	onCooldown, err = cache.IsMakerOnCooldown(ctx, "mm-test", 137, makerToken, takerToken)
	require.NoError(t, err)
	require.False(t, onCooldown)
}

func TestRedisCooldownCacheExpiredWindow(t *testing.T) {
	red := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})

	ctx := context.Background()
	cache := NewRedisCooldownCache(red)
	makerToken := common.HexToAddress("0x4444")
	takerToken := common.HexToAddress("0x5555")
	require.NoError(t, red.Del(ctx, cooldownKey("mm-test-2", 137, makerToken, takerToken)).Err())

	// An already elapsed window writes nothing.
	start := time.Now().Add(-2 * time.Minute)
	require.NoError(t, cache.AddMakerToCooldown(ctx, "mm-test-2", start, start.Add(time.Minute), 137, makerToken, takerToken))

	onCooldown, err := cache.IsMakerOnCooldown(ctx, "mm-test-2", 137, makerToken, takerToken)
	require.NoError(t, err)
	require.False(t, onCooldown)
}
