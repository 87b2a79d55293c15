package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	cache "github.com/patrickmn/go-cache"
)

const (
	balanceCacheTTL     = 30 * time.Second
	balanceCacheCleanup = 5 * time.Minute
)

// BalanceReader is the slice of the chain adapter the cache reads through.
type BalanceReader interface {
	MinOfBalanceAndAllowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// MakerBalanceCache caches each maker's spendable balance (the minimum of
// token balance and proxy allowance) so repeated last-look checks against
// the same maker do not hammer the node. Entries expire quickly; a stale
// positive only risks one failed eth_call later in the flow.
type MakerBalanceCache struct {
	chain    BalanceReader
	balances *cache.Cache
}

func NewMakerBalanceCache(chain BalanceReader) *MakerBalanceCache {
	return &MakerBalanceCache{
		chain:    chain,
		balances: cache.New(balanceCacheTTL, balanceCacheCleanup),
	}
}

// SpendableBalance returns the maker's spendable balance for token, reading
// through to the chain on a cache miss.
func (c *MakerBalanceCache) SpendableBalance(ctx context.Context, token, maker common.Address) (*big.Int, error) {
	key := token.Hex() + ":" + maker.Hex()
	if cached, ok := c.balances.Get(key); ok {
		return new(big.Int).Set(cached.(*big.Int)), nil
	}

	balance, err := c.chain.MinOfBalanceAndAllowance(ctx, token, maker)
	if err != nil {
		return nil, err
	}
	c.balances.Set(key, new(big.Int).Set(balance), cache.DefaultExpiration)
	return balance, nil
}
