package settlement

import (
	"context"
	"fmt"
	"math/big"
)

// FeeReader is the slice of the chain adapter the attendants price from.
type FeeReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingBaseFee(ctx context.Context) (*big.Int, error)
}

// GasStationAttendant answers two questions for the worker: what per-gas
// rate a transaction should bid right now, and what balance a worker must
// hold to settle a trade safely. Implementations differ per chain fee-market
// maturity.
type GasStationAttendant interface {
	ExpectedTransactionGasRate(ctx context.Context) (*big.Int, error)
	SafeBalanceForTrade(ctx context.Context) (*big.Int, error)
}

// Attendants assume an average of 1.5 submissions per trade, each raising
// the fee by at least 10%.
const resubmitPad = 1.15

// GasStationAttendantEip1559 prices from the EIP-1559 fee market: the
// pending base fee plus the suggested priority fee.
type GasStationAttendantEip1559 struct {
	fees FeeReader
}

func NewGasStationAttendantEip1559(fees FeeReader) *GasStationAttendantEip1559 {
	return &GasStationAttendantEip1559{fees: fees}
}

func (a *GasStationAttendantEip1559) ExpectedTransactionGasRate(ctx context.Context) (*big.Int, error) {
	baseFee, err := a.fees.PendingBaseFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("read base fee: %w", err)
	}
	tip, err := a.fees.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tip cap: %w", err)
	}
	rate := new(big.Int).Add(baseFee, tip)
	return ceilMul(rate, resubmitPad), nil
}

func (a *GasStationAttendantEip1559) SafeBalanceForTrade(ctx context.Context) (*big.Int, error) {
	rate, err := a.ExpectedTransactionGasRate(ctx)
	if err != nil {
		return nil, err
	}
	// Budget for a doubled base fee between estimate and inclusion.
	worstRate := new(big.Int).Mul(rate, big.NewInt(2))
	return new(big.Int).Mul(worstRate, big.NewInt(otcOrderGasEstimate)), nil
}

// Legacy fee markets (and chains whose oracles only expose a "fast" gas
// price) treat the fast price as the whole bid and amortize the base fee
// to zero.
type GasStationAttendantLegacy struct {
	fees FeeReader
	// Bids below this are rejected by some RPC nodes regardless of market
	// conditions.
	minimumBid *big.Int
}

func NewGasStationAttendantLegacy(fees FeeReader, minimumBidWei *big.Int) *GasStationAttendantLegacy {
	return &GasStationAttendantLegacy{fees: fees, minimumBid: minimumBidWei}
}

func (a *GasStationAttendantLegacy) ExpectedTransactionGasRate(ctx context.Context) (*big.Int, error) {
	fast, err := a.fees.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("read gas price: %w", err)
	}
	rate := ceilMul(fast, resubmitPad)
	if a.minimumBid != nil && rate.Cmp(a.minimumBid) < 0 {
		return new(big.Int).Set(a.minimumBid), nil
	}
	return rate, nil
}

func (a *GasStationAttendantLegacy) SafeBalanceForTrade(ctx context.Context) (*big.Int, error) {
	fast, err := a.fees.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("read gas price: %w", err)
	}
	// Pad for three 10% escalations.
	rate := ceilMul(fast, 1.1*1.1*1.1)
	if a.minimumBid != nil && rate.Cmp(a.minimumBid) < 0 {
		rate = new(big.Int).Set(a.minimumBid)
	}
	gas := ceilMul(big.NewInt(otcOrderGasEstimate), 1.1)
	return new(big.Int).Mul(rate, gas), nil
}

// ceilMul multiplies x by factor and rounds up to an integer wei amount.
func ceilMul(x *big.Int, factor float64) *big.Int {
	product := new(big.Float).Mul(new(big.Float).SetInt(x), big.NewFloat(factor))
	result, accuracy := product.Int(nil)
	if accuracy == big.Below {
		result.Add(result, big.NewInt(1))
	}
	return result
}
