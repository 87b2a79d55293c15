// Package settlement implements the settlement worker of the OTC
// trade-execution service.
// Here is a full flow of a job through the worker:
//
// enqueue-api -> job store: job persisted in PendingEnqueued
// scheduler -> WorkerService.ProcessJob with the job identifier
//
//	WorkerService -> Storage loads and claims the job
//	WorkerService -> SignerClient performs the maker "last look" exchange
//	WorkerService -> ChainAdapter builds calldata and broadcasts transactions
//	WorkerService -> GasStationAttendant prices every (re)submission
//
// The watch loop escalates gas at a fixed nonce until a receipt is observed
// or the job expires; SubmissionContext keeps the attempt set consistent.
package settlement

import (
	"math/big"
	"time"
)

const (
	maxPriorityFeePerGasMultiplier = 1.5

	// Gas usage cannot be re-simulated against a nonce that may already be
	// mined, so recovery falls back to this conservative estimate.
	recoveryGasEstimate uint64 = 500_000

	// eth_estimateGas tends to underestimate; every estimate is padded.
	gasEstimateBuffer = 0.5

	// Watch loop keeps observing for this long past expiry before the job
	// is abandoned as FailedExpired.
	expiryGracePeriod = 2 * time.Minute

	heartbeatInterval = 30 * time.Second

	// A decline this soon after the quote was issued counts as a bad
	// last-look rejection and triggers a maker cooldown.
	declineCooldownWindow   = 30 * time.Second
	declineCooldownDuration = 60 * time.Second

	ethCallAttempts    = 3
	makerSignAttempts  = 3
	makerSignBackoff   = time.Second
	ethCallRetryDelay  = time.Second
	blockFinalityDepth = 3

	// Fixed gas amount used for balance adequacy checks on the OTC fill
	// path, padded by the attendants where appropriate.
	otcOrderGasEstimate = 110_000
)

var (
	weiPerGwei = big.NewInt(1e9)

	// The maximum tip the worker will bid before it stops escalating and
	// merely keeps watching.
	maxPriorityFeePerGasCap = new(big.Int).Mul(big.NewInt(128), weiPerGwei)
)

// Gwei converts a whole gwei amount to wei.
func Gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), weiPerGwei)
}
