package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFeeReader struct {
	gasPrice *big.Int
	tipCap   *big.Int
	baseFee  *big.Int
	err      error
}

func (f *fakeFeeReader) SuggestGasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, f.err
}

func (f *fakeFeeReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tipCap, f.err
}

func (f *fakeFeeReader) PendingBaseFee(context.Context) (*big.Int, error) {
	return f.baseFee, f.err
}

func TestEip1559AttendantGasRate(t *testing.T) {
	fees := &fakeFeeReader{baseFee: big.NewInt(100), tipCap: big.NewInt(20)}
	attendant := NewGasStationAttendantEip1559(fees)

	rate, err := attendant.ExpectedTransactionGasRate(context.Background())
	require.NoError(t, err)
	// (100 + 20) padded for 1.5 average submissions
	require.Equal(t, big.NewInt(138), rate)
}

func TestEip1559AttendantSafeBalance(t *testing.T) {
	fees := &fakeFeeReader{baseFee: big.NewInt(100), tipCap: big.NewInt(20)}
	attendant := NewGasStationAttendantEip1559(fees)

	balance, err := attendant.SafeBalanceForTrade(context.Background())
	require.NoError(t, err)
	expected := new(big.Int).Mul(big.NewInt(2*138), big.NewInt(otcOrderGasEstimate))
	require.Equal(t, expected, balance)
}

func TestEip1559AttendantPropagatesErrors(t *testing.T) {
	fees := &fakeFeeReader{err: errors.New("node down")}
	attendant := NewGasStationAttendantEip1559(fees)

	_, err := attendant.ExpectedTransactionGasRate(context.Background())
	require.Error(t, err)
}

func TestLegacyAttendantGasRate(t *testing.T) {
	fees := &fakeFeeReader{gasPrice: big.NewInt(200)}
	attendant := NewGasStationAttendantLegacy(fees, nil)

	rate, err := attendant.ExpectedTransactionGasRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(230), rate)
}

func TestLegacyAttendantMinimumBidFloor(t *testing.T) {
	fees := &fakeFeeReader{gasPrice: big.NewInt(200)}
	attendant := NewGasStationAttendantLegacy(fees, big.NewInt(1000))

	rate, err := attendant.ExpectedTransactionGasRate(context.Background())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), rate)
}

func TestLegacyAttendantSafeBalanceCoversEscalations(t *testing.T) {
	fees := &fakeFeeReader{gasPrice: big.NewInt(1000)}
	attendant := NewGasStationAttendantLegacy(fees, nil)

	balance, err := attendant.SafeBalanceForTrade(context.Background())
	require.NoError(t, err)
	// Enough gas money for three 10% escalations of the fast price.
	floor := new(big.Int).Mul(big.NewInt(1331), big.NewInt(otcOrderGasEstimate))
	require.True(t, balance.Cmp(floor) >= 0,
		"balance %s below escalation floor %s", balance, floor)
}

func TestCeilMulRoundsUp(t *testing.T) {
	require.Equal(t, big.NewInt(115), ceilMul(big.NewInt(100), 1.15))
	require.Equal(t, big.NewInt(2), ceilMul(big.NewInt(1), 1.1))
	require.Equal(t, big.NewInt(150), ceilMul(big.NewInt(100), 1.5))
}
