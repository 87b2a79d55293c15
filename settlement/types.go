package settlement

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// JobStatus tracks a settlement job through its lifecycle. Terminal failure
// statuses also record why the job failed.
type JobStatus string

const (
	JobStatusPendingEnqueued                  JobStatus = "pending_enqueued"
	JobStatusPendingProcessing                JobStatus = "pending_processing"
	JobStatusPendingLastLookAccepted          JobStatus = "pending_last_look_accepted"
	JobStatusPendingSubmitted                 JobStatus = "pending_submitted"
	JobStatusSucceededUnconfirmed             JobStatus = "succeeded_unconfirmed"
	JobStatusSucceededConfirmed               JobStatus = "succeeded_confirmed"
	JobStatusFailedRevertedUnconfirmed        JobStatus = "failed_reverted_unconfirmed"
	JobStatusFailedRevertedConfirmed          JobStatus = "failed_reverted_confirmed"
	JobStatusFailedExpired                    JobStatus = "failed_expired"
	JobStatusFailedValidationNoMakerURI       JobStatus = "failed_validation_no_maker_uri"
	JobStatusFailedValidationNoOrder          JobStatus = "failed_validation_no_order"
	JobStatusFailedValidationNoFee            JobStatus = "failed_validation_no_fee"
	JobStatusFailedValidationNoTakerSignature JobStatus = "failed_validation_no_taker_signature"
	JobStatusFailedEthCallFailed              JobStatus = "failed_eth_call_failed"
	JobStatusFailedSignFailed                 JobStatus = "failed_sign_failed"
	JobStatusFailedLastLookDeclined           JobStatus = "failed_last_look_declined"
	JobStatusFailedPresignValidationFailed    JobStatus = "failed_presign_validation_failed"
)

// SubmissionStatus is the lifecycle of one broadcast attempt.
type SubmissionStatus string

const (
	// SubmissionStatusPresubmit means the record was written but the
	// broadcast has not been acknowledged; after a crash it is unknown
	// whether the network ever saw the transaction.
	SubmissionStatusPresubmit            SubmissionStatus = "presubmit"
	SubmissionStatusSubmitted            SubmissionStatus = "submitted"
	SubmissionStatusDroppedAndReplaced   SubmissionStatus = "dropped_and_replaced"
	SubmissionStatusSucceededUnconfirmed SubmissionStatus = "succeeded_unconfirmed"
	SubmissionStatusSucceededConfirmed   SubmissionStatus = "succeeded_confirmed"
	SubmissionStatusRevertedUnconfirmed  SubmissionStatus = "reverted_unconfirmed"
	SubmissionStatusRevertedConfirmed    SubmissionStatus = "reverted_confirmed"
)

// SubmissionPurpose distinguishes a token-approval broadcast from the trade
// itself. A job can have both, each with its own submission context.
type SubmissionPurpose string

const (
	SubmissionPurposeApproval SubmissionPurpose = "approval"
	SubmissionPurposeTrade    SubmissionPurpose = "trade"
)

const (
	JobKindOtc             = "otc_job"
	JobKindMetaTransaction = "meta_transaction_job"
)

// Fee is the taker-paid fee term attached to a job at quote time.
type Fee struct {
	Token  common.Address `json:"token"`
	Amount *hexutil.Big   `json:"amount"`
	Type   string         `json:"type"`
}

// OtcOrder is the off-chain order a maker quotes and later counter-signs.
// ExpiryAndNonce packs expiry, nonce bucket and nonce into one uint256:
// expiry in the top 64 bits, nonce bucket in the next 64, nonce in the low 128.
type OtcOrder struct {
	ChainID           int64          `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
	Maker             common.Address `json:"maker"`
	Taker             common.Address `json:"taker"`
	MakerToken        common.Address `json:"makerToken"`
	TakerToken        common.Address `json:"takerToken"`
	MakerAmount       *hexutil.Big   `json:"makerAmount"`
	TakerAmount       *hexutil.Big   `json:"takerAmount"`
	TxOrigin          common.Address `json:"txOrigin"`
	ExpiryAndNonce    *hexutil.Big   `json:"expiryAndNonce"`
}

var (
	expiryShift      = uint(192)
	nonceBucketShift = uint(128)
	uint64Mask       = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1))
	uint128Mask      = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// ParseExpiryAndNonce unpacks the order's combined expiry/nonce field.
func (o *OtcOrder) ParseExpiryAndNonce() (expiry, nonceBucket, nonce *big.Int) {
	v := o.ExpiryAndNonce.ToInt()
	expiry = new(big.Int).Rsh(v, expiryShift)
	nonceBucket = new(big.Int).And(new(big.Int).Rsh(v, nonceBucketShift), uint64Mask)
	nonce = new(big.Int).And(v, uint128Mask)
	return expiry, nonceBucket, nonce
}

// ExpiryTime returns the order expiry as wall-clock time.
func (o *OtcOrder) ExpiryTime() time.Time {
	expiry, _, _ := o.ParseExpiryAndNonce()
	return time.Unix(expiry.Int64(), 0)
}

// MetaTransaction is the executable payload of a gasless swap job.
type MetaTransaction struct {
	Signer                common.Address `json:"signer"`
	Sender                common.Address `json:"sender"`
	MinGasPrice           *hexutil.Big   `json:"minGasPrice"`
	MaxGasPrice           *hexutil.Big   `json:"maxGasPrice"`
	ExpirationTimeSeconds *hexutil.Big   `json:"expirationTimeSeconds"`
	Salt                  *hexutil.Big   `json:"salt"`
	CallData              hexutil.Bytes  `json:"callData"`
	Value                 *hexutil.Big   `json:"value"`
	FeeToken              common.Address `json:"feeToken"`
	FeeAmount             *hexutil.Big   `json:"feeAmount"`
}

// Approval is a signed gasless-approval payload executed on the taker token
// before the trade. Only the EIP-2612 permit convention is supported.
type Approval struct {
	Kind     string         `json:"kind"`
	Token    common.Address `json:"token"`
	Owner    common.Address `json:"owner"`
	Spender  common.Address `json:"spender"`
	Value    *hexutil.Big   `json:"value"`
	Deadline *hexutil.Big   `json:"deadline"`
}

const ApprovalKindPermit = "permit"

// Job is the closed settlement-job union: exactly OtcJob and
// MetaTransactionJob implement it. Status transitions return a new value;
// persisting the transition is always a separate, explicit store call.
type Job interface {
	Identifier() string
	Kind() string
	JobStatus() JobStatus
	WithStatus(JobStatus) Job
	ClaimedBy() *common.Address
	WithWorker(common.Address) Job
	// ExpirySeconds is the absolute unix expiry after which the job must
	// not be submitted.
	ExpirySeconds() *big.Int
	JobChainID() int64
	ApprovalPayload() (*Approval, *Signature)

	isJob()
}

// OtcJob carries a maker-quoted OTC order through settlement. The maker
// signature is absent until the last-look exchange completes.
type OtcJob struct {
	OrderHash         common.Hash
	ChainID           int64
	Status            JobStatus
	WorkerAddress     *common.Address
	Expiry            *big.Int
	MakerURI          string
	IntegratorID      string
	Order             *OtcOrder
	Fee               *Fee
	MakerSignature    *Signature
	TakerSignature    *Signature
	Approval          *Approval
	ApprovalSignature *Signature
	IsUnwrap          bool
	AffiliateAddress  *common.Address
	LastLookResult    *bool
	// Price delta in bps observed by the decline-to-sign price check.
	DeclinePriceDifferenceBps *int32
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

func (j OtcJob) Identifier() string         { return j.OrderHash.Hex() }
func (j OtcJob) Kind() string               { return JobKindOtc }
func (j OtcJob) JobStatus() JobStatus       { return j.Status }
func (j OtcJob) ClaimedBy() *common.Address { return j.WorkerAddress }
func (j OtcJob) ExpirySeconds() *big.Int    { return j.Expiry }
func (j OtcJob) JobChainID() int64          { return j.ChainID }
func (j OtcJob) isJob()                     {}

func (j OtcJob) WithStatus(s JobStatus) Job {
	j.Status = s
	return j
}

func (j OtcJob) WithWorker(addr common.Address) Job {
	j.WorkerAddress = &addr
	return j
}

func (j OtcJob) ApprovalPayload() (*Approval, *Signature) {
	return j.Approval, j.ApprovalSignature
}

// MetaTransactionJob carries an executable meta-transaction through
// settlement; there is no maker to consult.
type MetaTransactionJob struct {
	ID                  uuid.UUID
	ChainID             int64
	Status              JobStatus
	WorkerAddress       *common.Address
	Expiry              *big.Int
	MetaTransaction     *MetaTransaction
	MetaTransactionHash common.Hash
	Fee                 *Fee
	TakerAddress        common.Address
	TakerSignature      *Signature
	Approval            *Approval
	ApprovalSignature   *Signature
	InputToken          common.Address
	OutputToken         common.Address
	InputTokenAmount    *big.Int
	OutputTokenAmount   *big.Int
	AffiliateAddress    *common.Address
	IntegratorID        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (j MetaTransactionJob) Identifier() string         { return j.ID.String() }
func (j MetaTransactionJob) Kind() string               { return JobKindMetaTransaction }
func (j MetaTransactionJob) JobStatus() JobStatus       { return j.Status }
func (j MetaTransactionJob) ClaimedBy() *common.Address { return j.WorkerAddress }
func (j MetaTransactionJob) ExpirySeconds() *big.Int    { return j.Expiry }
func (j MetaTransactionJob) JobChainID() int64          { return j.ChainID }
func (j MetaTransactionJob) isJob()                     {}

func (j MetaTransactionJob) WithStatus(s JobStatus) Job {
	j.Status = s
	return j
}

func (j MetaTransactionJob) WithWorker(addr common.Address) Job {
	j.WorkerAddress = &addr
	return j
}

func (j MetaTransactionJob) ApprovalPayload() (*Approval, *Signature) {
	return j.Approval, j.ApprovalSignature
}

// TransactionSubmission is one concrete broadcast attempt for a job and
// purpose. Attempts escalated at the same nonce produce multiple records.
type TransactionSubmission struct {
	TransactionHash common.Hash
	// Exactly one of OrderHash / MetaTransactionJobID is set, matching the
	// job kind the submission belongs to.
	OrderHash            *common.Hash
	MetaTransactionJobID *uuid.UUID
	Purpose              SubmissionPurpose
	Status               SubmissionStatus
	From                 common.Address
	To                   common.Address
	Nonce                uint64
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	BlockMined           *big.Int
	GasUsed              *big.Int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// GasFees is an EIP-1559 bid.
type GasFees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// StoredQuote is the maker quote a job originated from, used to judge how
// quickly after quoting a maker declined to sign.
type StoredQuote struct {
	OrderHash common.Hash
	MakerURI  string
	Order     *OtcOrder
	Fee       *Fee
	CreatedAt time.Time
}

var ErrJobNotFound = errors.New("job not found")
