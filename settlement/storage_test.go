package settlement

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestOtcJobRowRoundTrip(t *testing.T) {
	job := pendingOtcJob(t)
	worker := common.HexToAddress("0x1111")
	job.WorkerAddress = &worker
	lastLook := false
	job.LastLookResult = &lastLook
	bps := int32(-42)
	job.DeclinePriceDifferenceBps = &bps
	job.CreatedAt = time.Unix(1_700_000_000, 0).UTC()

	row, err := otcJobToRow(&job)
	require.NoError(t, err)
	restored, err := otcJobFromRow(row)
	require.NoError(t, err)

	require.Equal(t, job.OrderHash, restored.OrderHash)
	require.Equal(t, job.Status, restored.Status)
	require.Equal(t, worker, *restored.WorkerAddress)
	require.Equal(t, job.Expiry, restored.Expiry)
	require.Equal(t, job.MakerURI, restored.MakerURI)
	require.Equal(t, job.Order.Maker, restored.Order.Maker)
	require.Equal(t, job.Order.MakerAmount, restored.Order.MakerAmount)
	require.Equal(t, job.Fee.Amount, restored.Fee.Amount)
	require.Equal(t, job.TakerSignature, restored.TakerSignature)
	require.False(t, *restored.LastLookResult)
	require.Equal(t, int32(-42), *restored.DeclinePriceDifferenceBps)
}

func TestSubmissionRowRejectsMissingJobReference(t *testing.T) {
	_, err := submissionToRow(&TransactionSubmission{
		TransactionHash: common.Hash{0x01},
		Purpose:         SubmissionPurposeTrade,
		Status:          SubmissionStatusPresubmit,
		Nonce:           7,
		MaxFeePerGas:    big.NewInt(100),
	})
	require.Error(t, err)
}

func TestSubmissionRowRoundTrip(t *testing.T) {
	orderHash := common.HexToHash("0xabc1")
	submission := &TransactionSubmission{
		TransactionHash:      common.Hash{0x01},
		OrderHash:            &orderHash,
		Purpose:              SubmissionPurposeTrade,
		Status:               SubmissionStatusSubmitted,
		From:                 common.HexToAddress("0x1111"),
		To:                   common.HexToAddress("0x2222"),
		Nonce:                7,
		MaxFeePerGas:         big.NewInt(100),
		MaxPriorityFeePerGas: big.NewInt(10),
		CreatedAt:            time.Unix(1_700_000_000, 0).UTC(),
	}

	row, err := submissionToRow(submission)
	require.NoError(t, err)
	require.False(t, row.GasPrice.Valid)
	require.False(t, row.BlockMined.Valid)

	restored, err := submissionFromRow(row)
	require.NoError(t, err)
	require.Equal(t, submission.TransactionHash, restored.TransactionHash)
	require.Equal(t, orderHash, *restored.OrderHash)
	require.Nil(t, restored.MetaTransactionJobID)
	require.Equal(t, submission.Nonce, restored.Nonce)
	require.Equal(t, submission.MaxFeePerGas, restored.MaxFeePerGas)
	require.Nil(t, restored.GasPrice)
}
