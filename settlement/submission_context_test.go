package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type fakeReceiptSource struct {
	receipts     map[common.Hash]*types.Receipt
	currentBlock uint64
}

func (f *fakeReceiptSource) Receipts(_ context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	out := make([]*types.Receipt, len(hashes))
	for i, hash := range hashes {
		out[i] = f.receipts[hash]
	}
	return out, nil
}

func (f *fakeReceiptSource) CurrentBlockNumber(context.Context) (uint64, error) {
	return f.currentBlock, nil
}

func dynamicSubmission(hash byte, nonce uint64, maxFee, tip int64) *TransactionSubmission {
	orderHash := common.HexToHash("0xabc1")
	return &TransactionSubmission{
		TransactionHash:      common.Hash{hash},
		OrderHash:            &orderHash,
		Purpose:              SubmissionPurposeTrade,
		Status:               SubmissionStatusSubmitted,
		Nonce:                nonce,
		MaxFeePerGas:         big.NewInt(maxFee),
		MaxPriorityFeePerGas: big.NewInt(tip),
		CreatedAt:            time.Unix(int64(1700000000+int(hash)), 0),
	}
}

func legacySubmission(hash byte, nonce uint64, gasPrice int64) *TransactionSubmission {
	orderHash := common.HexToHash("0xabc1")
	return &TransactionSubmission{
		TransactionHash: common.Hash{hash},
		OrderHash:       &orderHash,
		Purpose:         SubmissionPurposeTrade,
		Status:          SubmissionStatusSubmitted,
		Nonce:           nonce,
		GasPrice:        big.NewInt(gasPrice),
		CreatedAt:       time.Unix(1700000000, 0),
	}
}

func TestNewSubmissionContextInvariants(t *testing.T) {
	chain := &fakeReceiptSource{}

	cases := []struct {
		name        string
		submissions []*TransactionSubmission
		wantErr     error
	}{
		{
			name:        "empty",
			submissions: nil,
			wantErr:     ErrEmptySubmissionContext,
		},
		{
			name: "mixed nonces",
			submissions: []*TransactionSubmission{
				dynamicSubmission(1, 7, 100, 10),
				dynamicSubmission(2, 8, 110, 15),
			},
			wantErr: ErrMixedNonces,
		},
		{
			name: "duplicate hash",
			submissions: []*TransactionSubmission{
				dynamicSubmission(1, 7, 100, 10),
				dynamicSubmission(1, 7, 110, 15),
			},
			wantErr: ErrDuplicateTransactionHash,
		},
		{
			name: "mixed fee models",
			submissions: []*TransactionSubmission{
				dynamicSubmission(1, 7, 100, 10),
				legacySubmission(2, 7, 100),
			},
			wantErr: ErrMixedFeeModels,
		},
		{
			name: "valid dynamic",
			submissions: []*TransactionSubmission{
				dynamicSubmission(1, 7, 100, 10),
				dynamicSubmission(2, 7, 110, 15),
			},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSubmissionContext(chain, tt.submissions)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSubmissionContextFeeAccessors(t *testing.T) {
	chain := &fakeReceiptSource{}

	dynamic, err := NewSubmissionContext(chain, []*TransactionSubmission{
		dynamicSubmission(1, 7, 100, 10),
		dynamicSubmission(2, 7, 130, 12),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(7), dynamic.Nonce())

	fees, err := dynamic.MaxGasFees()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(130), fees.MaxFeePerGas)
	require.Equal(t, big.NewInt(12), fees.MaxPriorityFeePerGas)

	_, err = dynamic.MaxGasPrice()
	require.ErrorIs(t, err, ErrWrongFeeModel)

	legacy, err := NewSubmissionContext(chain, []*TransactionSubmission{
		legacySubmission(1, 7, 100),
		legacySubmission(2, 7, 120),
	})
	require.NoError(t, err)

	price, err := legacy.MaxGasPrice()
	require.NoError(t, err)
	require.Equal(t, big.NewInt(120), price)

	_, err = legacy.MaxGasFees()
	require.ErrorIs(t, err, ErrWrongFeeModel)
}

func TestSubmissionContextAddTransaction(t *testing.T) {
	chain := &fakeReceiptSource{}
	sc, err := NewSubmissionContext(chain, []*TransactionSubmission{
		dynamicSubmission(1, 7, 100, 10),
	})
	require.NoError(t, err)

	require.ErrorIs(t, sc.AddTransaction(dynamicSubmission(2, 8, 110, 15)), ErrMixedNonces)
	require.ErrorIs(t, sc.AddTransaction(legacySubmission(2, 7, 110)), ErrMixedFeeModels)
	require.Len(t, sc.Transactions(), 1)

	require.NoError(t, sc.AddTransaction(dynamicSubmission(2, 7, 110, 15)))
	require.Len(t, sc.Transactions(), 2)
}

func TestSubmissionContextReceipt(t *testing.T) {
	first := dynamicSubmission(1, 7, 100, 10)
	second := dynamicSubmission(2, 7, 110, 15)
	chain := &fakeReceiptSource{receipts: map[common.Hash]*types.Receipt{}}

	sc, err := NewSubmissionContext(chain, []*TransactionSubmission{first, second})
	require.NoError(t, err)

	receipt, err := sc.Receipt(context.Background())
	require.NoError(t, err)
	require.Nil(t, receipt)

	chain.receipts[second.TransactionHash] = &types.Receipt{
		TxHash:      second.TransactionHash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
	}
	receipt, err = sc.Receipt(context.Background())
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, second.TransactionHash, receipt.TxHash)

	// Two mined receipts at one nonce is a broken guarantee, not a choice.
	chain.receipts[first.TransactionHash] = &types.Receipt{
		TxHash:      first.TransactionHash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
	}
	_, err = sc.Receipt(context.Background())
	require.ErrorIs(t, err, ErrMultipleReceipts)
}

func TestUpdateForReceiptMarksSiblingsReplaced(t *testing.T) {
	first := dynamicSubmission(1, 7, 100, 10)
	second := dynamicSubmission(2, 7, 110, 15)
	chain := &fakeReceiptSource{currentBlock: 13}

	sc, err := NewSubmissionContext(chain, []*TransactionSubmission{first, second})
	require.NoError(t, err)

	receipt := &types.Receipt{
		TxHash:            second.TransactionHash,
		Status:            types.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(10),
		GasUsed:           90_000,
		EffectiveGasPrice: big.NewInt(105),
	}
	require.NoError(t, sc.UpdateForReceipt(context.Background(), receipt, time.Now()))

	require.Equal(t, SubmissionStatusDroppedAndReplaced, first.Status)
	require.Equal(t, SubmissionStatusSucceededConfirmed, second.Status)
	require.Equal(t, big.NewInt(10), second.BlockMined)
	require.Equal(t, big.NewInt(90_000), second.GasUsed)
	require.Equal(t, big.NewInt(105), second.GasPrice)
	require.Equal(t, SubmissionContextStatusSucceededConfirmed, sc.Status())
}

func TestUpdateForReceiptUnconfirmed(t *testing.T) {
	only := dynamicSubmission(1, 7, 100, 10)
	chain := &fakeReceiptSource{currentBlock: 11}

	sc, err := NewSubmissionContext(chain, []*TransactionSubmission{only})
	require.NoError(t, err)

	receipt := &types.Receipt{
		TxHash:      only.TransactionHash,
		Status:      types.ReceiptStatusFailed,
		BlockNumber: big.NewInt(10),
	}
	require.NoError(t, sc.UpdateForReceipt(context.Background(), receipt, time.Now()))
	require.Equal(t, SubmissionStatusRevertedUnconfirmed, only.Status)
	require.Equal(t, SubmissionContextStatusFailedRevertedUnconfirmed, sc.Status())
}

func TestIsBlockConfirmed(t *testing.T) {
	require.False(t, IsBlockConfirmed(10, 10))
	require.False(t, IsBlockConfirmed(12, 10))
	require.True(t, IsBlockConfirmed(13, 10))
	require.False(t, IsBlockConfirmed(9, 10))
}

func TestContextStatusToJobStatus(t *testing.T) {
	// Approval success keeps the job pending: the trade is still ahead.
	require.Equal(t, JobStatusPendingSubmitted,
		ApprovalContextStatusToJobStatus(SubmissionContextStatusSucceededConfirmed))
	require.Equal(t, JobStatusFailedRevertedConfirmed,
		ApprovalContextStatusToJobStatus(SubmissionContextStatusFailedRevertedConfirmed))
	require.Equal(t, JobStatusFailedExpired,
		ApprovalContextStatusToJobStatus(SubmissionContextStatusFailedExpired))

	require.Equal(t, JobStatusSucceededConfirmed,
		TradeContextStatusToJobStatus(SubmissionContextStatusSucceededConfirmed))
	require.Equal(t, JobStatusSucceededUnconfirmed,
		TradeContextStatusToJobStatus(SubmissionContextStatusSucceededUnconfirmed))
	require.Equal(t, JobStatusFailedExpired,
		TradeContextStatusToJobStatus(SubmissionContextStatusFailedExpired))
	require.Equal(t, JobStatusPendingSubmitted,
		TradeContextStatusToJobStatus(SubmissionContextStatusPendingSubmitted))
}

func TestFirstSubmissionTime(t *testing.T) {
	chain := &fakeReceiptSource{}
	first := dynamicSubmission(1, 7, 100, 10)
	second := dynamicSubmission(2, 7, 110, 15)

	sc, err := NewSubmissionContext(chain, []*TransactionSubmission{second, first})
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, sc.FirstSubmissionTime())
}
