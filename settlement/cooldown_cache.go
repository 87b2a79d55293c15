package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// CooldownCache tracks makers that are temporarily excluded from quoting
// after a bad last-look rejection. A cooldown covers one maker on one token
// pair of one chain; the maker keeps quoting everything else. The quote
// server consults the same keys.
type CooldownCache interface {
	AddMakerToCooldown(ctx context.Context, makerID string, start, end time.Time, chainID int64, makerToken, takerToken common.Address) error
	IsMakerOnCooldown(ctx context.Context, makerID string, chainID int64, makerToken, takerToken common.Address) (bool, error)
}

func cooldownKey(makerID string, chainID int64, makerToken, takerToken common.Address) string {
	return fmt.Sprintf("maker-cooldown:%s:%d:%s:%s", makerID, chainID, makerToken.Hex(), takerToken.Hex())
}

type RedisCooldownCache struct {
	cache *redis.Client
}

func NewRedisCooldownCache(client *redis.Client) *RedisCooldownCache {
	return &RedisCooldownCache{cache: client}
}

func (c *RedisCooldownCache) AddMakerToCooldown(ctx context.Context, makerID string, start, end time.Time, chainID int64, makerToken, takerToken common.Address) error {
	ttl := time.Until(end)
	if ttl <= 0 {
		return nil
	}
	return c.cache.Set(ctx, cooldownKey(makerID, chainID, makerToken, takerToken), start.Unix(), ttl).Err()
}

func (c *RedisCooldownCache) IsMakerOnCooldown(ctx context.Context, makerID string, chainID int64, makerToken, takerToken common.Address) (bool, error) {
	res := c.cache.Exists(ctx, cooldownKey(makerID, chainID, makerToken, takerToken))
	if err := res.Err(); err != nil {
		return false, err
	}
	return res.Val() > 0, nil
}
