package settlement

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func TestParseExpiryAndNonce(t *testing.T) {
	expiry := big.NewInt(1_700_000_000)
	bucket := big.NewInt(5)
	nonce := big.NewInt(123)

	packed := new(big.Int).Lsh(expiry, 192)
	packed.Or(packed, new(big.Int).Lsh(bucket, 128))
	packed.Or(packed, nonce)

	order := &OtcOrder{ExpiryAndNonce: (*hexutil.Big)(packed)}
	gotExpiry, gotBucket, gotNonce := order.ParseExpiryAndNonce()
	require.Equal(t, expiry, gotExpiry)
	require.Equal(t, bucket, gotBucket)
	require.Equal(t, nonce, gotNonce)
	require.Equal(t, time.Unix(1_700_000_000, 0), order.ExpiryTime())
}

func TestJobStatusTransitionsReturnCopies(t *testing.T) {
	job := OtcJob{
		OrderHash: common.HexToHash("0xabc1"),
		Status:    JobStatusPendingEnqueued,
	}

	updated := job.WithStatus(JobStatusPendingProcessing)
	require.Equal(t, JobStatusPendingProcessing, updated.JobStatus())
	require.Equal(t, JobStatusPendingEnqueued, job.Status)

	worker := common.HexToAddress("0x1111")
	claimed := job.WithWorker(worker)
	require.Equal(t, worker, *claimed.ClaimedBy())
	require.Nil(t, job.WorkerAddress)
}

func TestJobKinds(t *testing.T) {
	otc := OtcJob{OrderHash: common.HexToHash("0xabc1")}
	require.Equal(t, JobKindOtc, otc.Kind())
	require.Equal(t, otc.OrderHash.Hex(), otc.Identifier())

	meta := MetaTransactionJob{}
	require.Equal(t, JobKindMetaTransaction, meta.Kind())
}
