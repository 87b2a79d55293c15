package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SubmissionContextStatus is the collective on-chain outcome of all
// submissions for one job and purpose. At most one member transaction can
// ever be mined because every member shares one nonce.
type SubmissionContextStatus uint8

const (
	SubmissionContextStatusPendingSubmitted SubmissionContextStatus = iota
	SubmissionContextStatusSucceededUnconfirmed
	SubmissionContextStatusSucceededConfirmed
	SubmissionContextStatusFailedRevertedUnconfirmed
	SubmissionContextStatusFailedRevertedConfirmed
	SubmissionContextStatusFailedExpired
)

// FeeModel is the pricing scheme shared by every transaction in a context.
type FeeModel uint8

const (
	FeeModelLegacy FeeModel = iota
	FeeModelDynamic
)

var (
	ErrEmptySubmissionContext   = errors.New("submission context must not be empty")
	ErrMixedNonces              = errors.New("submissions do not share a nonce")
	ErrDuplicateTransactionHash = errors.New("submissions do not have unique transaction hashes")
	ErrMixedFeeModels           = errors.New("submissions do not share a fee model")
	ErrWrongFeeModel            = errors.New("fee accessor does not match the context fee model")
	ErrMultipleReceipts         = errors.New("found more than one transaction receipt")
)

// ReceiptSource is the slice of the chain adapter the context reads mined
// state from.
type ReceiptSource interface {
	Receipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error)
	CurrentBlockNumber(ctx context.Context) (uint64, error)
}

// SubmissionContext is the invariant-checked view over the transaction
// submissions of one job and purpose. Every mutation re-checks that the
// member set stays consistent.
type SubmissionContext struct {
	chain        ReceiptSource
	transactions []*TransactionSubmission
	feeModel     FeeModel
}

func NewSubmissionContext(chain ReceiptSource, transactions []*TransactionSubmission) (*SubmissionContext, error) {
	feeModel, err := checkConsistency(transactions)
	if err != nil {
		return nil, err
	}
	return &SubmissionContext{
		chain:        chain,
		transactions: transactions,
		feeModel:     feeModel,
	}, nil
}

// IsBlockConfirmed reports whether a receipt's block is buried deep enough
// to be treated as final.
func IsBlockConfirmed(currentBlock, receiptBlock uint64) bool {
	return currentBlock >= receiptBlock && currentBlock-receiptBlock >= blockFinalityDepth
}

func (c *SubmissionContext) Transactions() []*TransactionSubmission {
	return c.transactions
}

func (c *SubmissionContext) TransactionHashes() []common.Hash {
	hashes := make([]common.Hash, len(c.transactions))
	for i, tx := range c.transactions {
		hashes[i] = tx.TransactionHash
	}
	return hashes
}

func (c *SubmissionContext) FeeModel() FeeModel {
	return c.feeModel
}

// AddTransaction appends an escalated submission, re-checking the shared
// nonce, hash uniqueness and fee-model invariants.
func (c *SubmissionContext) AddTransaction(tx *TransactionSubmission) error {
	next := append(append([]*TransactionSubmission{}, c.transactions...), tx)
	feeModel, err := checkConsistency(next)
	if err != nil {
		return err
	}
	if feeModel != c.feeModel {
		return ErrMixedFeeModels
	}
	c.transactions = next
	return nil
}

// Nonce returns the single nonce every member shares.
func (c *SubmissionContext) Nonce() uint64 {
	return c.transactions[0].Nonce
}

// MaxGasPrice returns the highest legacy gas price bid so far. It fails on
// an EIP-1559 context.
func (c *SubmissionContext) MaxGasPrice() (*big.Int, error) {
	if c.feeModel != FeeModelLegacy {
		return nil, fmt.Errorf("%w: max gas price of a dynamic-fee context", ErrWrongFeeModel)
	}
	maxPrice := new(big.Int)
	for _, tx := range c.transactions {
		if tx.GasPrice.Cmp(maxPrice) > 0 {
			maxPrice.Set(tx.GasPrice)
		}
	}
	return maxPrice, nil
}

// MaxGasFees returns the highest max-fee and max-priority-fee bid so far.
// It fails on a legacy context.
func (c *SubmissionContext) MaxGasFees() (GasFees, error) {
	if c.feeModel != FeeModelDynamic {
		return GasFees{}, fmt.Errorf("%w: max gas fees of a legacy context", ErrWrongFeeModel)
	}
	fees := GasFees{MaxFeePerGas: new(big.Int), MaxPriorityFeePerGas: new(big.Int)}
	for _, tx := range c.transactions {
		if tx.MaxFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
			fees.MaxFeePerGas.Set(tx.MaxFeePerGas)
		}
		if tx.MaxPriorityFeePerGas.Cmp(fees.MaxPriorityFeePerGas) > 0 {
			fees.MaxPriorityFeePerGas.Set(tx.MaxPriorityFeePerGas)
		}
	}
	return fees, nil
}

// FirstSubmissionTime is the store-recorded creation time of the earliest
// member, used for mining-latency observation.
func (c *SubmissionContext) FirstSubmissionTime() time.Time {
	first := c.transactions[0].CreatedAt
	for _, tx := range c.transactions[1:] {
		if tx.CreatedAt.Before(first) {
			first = tx.CreatedAt
		}
	}
	return first
}

// Receipt returns the mined receipt if exactly one member has been mined,
// nil if none has. Two or more receipts violate the shared-nonce guarantee
// and fail loudly instead of picking one.
func (c *SubmissionContext) Receipt(ctx context.Context) (*types.Receipt, error) {
	receipts, err := c.chain.Receipts(ctx, c.TransactionHashes())
	if err != nil {
		return nil, err
	}
	var mined *types.Receipt
	for _, receipt := range receipts {
		if receipt == nil {
			continue
		}
		if mined != nil {
			return nil, ErrMultipleReceipts
		}
		mined = receipt
	}
	return mined, nil
}

// UpdateForReceipt records the mined receipt on the member it belongs to and
// marks every sibling dropped-and-replaced.
func (c *SubmissionContext) UpdateForReceipt(ctx context.Context, receipt *types.Receipt, now time.Time) error {
	currentBlock, err := c.chain.CurrentBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read current block: %w", err)
	}
	confirmed := IsBlockConfirmed(currentBlock, receipt.BlockNumber.Uint64())
	succeeded := receipt.Status == types.ReceiptStatusSuccessful

	for _, tx := range c.transactions {
		tx.UpdatedAt = now
		if tx.TransactionHash != receipt.TxHash {
			tx.Status = SubmissionStatusDroppedAndReplaced
			continue
		}
		switch {
		case succeeded && confirmed:
			tx.Status = SubmissionStatusSucceededConfirmed
		case succeeded:
			tx.Status = SubmissionStatusSucceededUnconfirmed
		case confirmed:
			tx.Status = SubmissionStatusRevertedConfirmed
		default:
			tx.Status = SubmissionStatusRevertedUnconfirmed
		}
		tx.BlockMined = new(big.Int).Set(receipt.BlockNumber)
		tx.GasUsed = new(big.Int).SetUint64(receipt.GasUsed)
		if c.feeModel == FeeModelDynamic && receipt.EffectiveGasPrice != nil {
			tx.GasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
		}
	}
	return nil
}

// Status derives the collective status from the member statuses. The mined
// member, if any, decides; presubmit, submitted and replaced members mean
// the context is still pending.
func (c *SubmissionContext) Status() SubmissionContextStatus {
	for _, tx := range c.transactions {
		switch tx.Status {
		case SubmissionStatusRevertedConfirmed:
			return SubmissionContextStatusFailedRevertedConfirmed
		case SubmissionStatusRevertedUnconfirmed:
			return SubmissionContextStatusFailedRevertedUnconfirmed
		case SubmissionStatusSucceededConfirmed:
			return SubmissionContextStatusSucceededConfirmed
		case SubmissionStatusSucceededUnconfirmed:
			return SubmissionContextStatusSucceededUnconfirmed
		}
	}
	return SubmissionContextStatusPendingSubmitted
}

// ApprovalContextStatusToJobStatus maps an approval context status onto the
// owning job. A finished approval keeps the job pending because the trade
// submission is still ahead of it.
func ApprovalContextStatusToJobStatus(status SubmissionContextStatus) JobStatus {
	switch status {
	case SubmissionContextStatusFailedExpired:
		return JobStatusFailedExpired
	case SubmissionContextStatusFailedRevertedConfirmed:
		return JobStatusFailedRevertedConfirmed
	case SubmissionContextStatusFailedRevertedUnconfirmed:
		return JobStatusFailedRevertedUnconfirmed
	default:
		return JobStatusPendingSubmitted
	}
}

// TradeContextStatusToJobStatus maps a trade context status onto the owning
// job.
func TradeContextStatusToJobStatus(status SubmissionContextStatus) JobStatus {
	switch status {
	case SubmissionContextStatusFailedExpired:
		return JobStatusFailedExpired
	case SubmissionContextStatusFailedRevertedConfirmed:
		return JobStatusFailedRevertedConfirmed
	case SubmissionContextStatusFailedRevertedUnconfirmed:
		return JobStatusFailedRevertedUnconfirmed
	case SubmissionContextStatusSucceededConfirmed:
		return JobStatusSucceededConfirmed
	case SubmissionContextStatusSucceededUnconfirmed:
		return JobStatusSucceededUnconfirmed
	default:
		return JobStatusPendingSubmitted
	}
}

func checkConsistency(transactions []*TransactionSubmission) (FeeModel, error) {
	if len(transactions) == 0 {
		return 0, ErrEmptySubmissionContext
	}

	nonce := transactions[0].Nonce
	seen := make(map[common.Hash]struct{}, len(transactions))
	legacy, dynamic := true, true
	for _, tx := range transactions {
		if tx.Nonce != nonce {
			return 0, ErrMixedNonces
		}
		if _, ok := seen[tx.TransactionHash]; ok {
			return 0, ErrDuplicateTransactionHash
		}
		seen[tx.TransactionHash] = struct{}{}
		if tx.GasPrice == nil {
			legacy = false
		}
		if tx.MaxFeePerGas == nil || tx.MaxPriorityFeePerGas == nil {
			dynamic = false
		}
	}

	switch {
	case dynamic:
		return FeeModelDynamic, nil
	case legacy:
		return FeeModelLegacy, nil
	default:
		return 0, ErrMixedFeeModels
	}
}
