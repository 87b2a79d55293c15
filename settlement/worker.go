package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rfqlabs/settlement-node/metrics"
)

var (
	// ErrJobAlreadyClaimed means another worker address is recorded on the
	// job. The scheduler must never route one job to two workers, so this is
	// a logic error, not a transient condition.
	ErrJobAlreadyClaimed = errors.New("job is claimed by another worker")

	errLastLookDeclined    = errors.New("maker declined to sign")
	errJobFailedValidation = errors.New("job failed validation")
	errJobExpired          = errors.New("job expired before submission")
	errJobAlreadyResolved  = errors.New("job is already in a terminal status")
)

// BalanceChecker reads a maker's spendable balance, possibly through a cache.
type BalanceChecker interface {
	SpendableBalance(ctx context.Context, token, maker common.Address) (*big.Int, error)
}

type WorkerConfig struct {
	ChainID                         int64
	WorkerIndex                     int
	WatcherSleep                    time.Duration
	InitialMaxPriorityFeePerGasGwei int64
	EnableAccessList                bool
	EnableDeclineCooldown           bool
}

// WorkerService drives settlement jobs end to end: claim, validate, last
// look, broadcast and watch until a terminal status.
type WorkerService struct {
	log        *zap.Logger
	cfg        WorkerConfig
	chain      ChainAdapter
	store      Storage
	gasStation GasStationAttendant
	signer     SignerClient
	balances   BalanceChecker
	makers     *MakerRegistry
	cooldowns  CooldownCache

	lastHeartbeat time.Time
}

func NewWorkerService(
	log *zap.Logger,
	cfg WorkerConfig,
	chain ChainAdapter,
	store Storage,
	gasStation GasStationAttendant,
	signer SignerClient,
	balances BalanceChecker,
	makers *MakerRegistry,
	cooldowns CooldownCache,
) *WorkerService {
	return &WorkerService{
		log:        log,
		cfg:        cfg,
		chain:      chain,
		store:      store,
		gasStation: gasStation,
		signer:     signer,
		balances:   balances,
		makers:     makers,
		cooldowns:  cooldowns,
	}
}

// BeforeWork runs before every queue poll. It reports whether the worker is
// fit to take a new job and, as a side effect, finishes jobs left unresolved
// by a previous run. A false return is an operational condition and never an
// error.
func (s *WorkerService) BeforeWork(ctx context.Context) bool {
	worker := s.chain.Address()
	log := s.log.With(zap.String("worker", worker.Hex()))

	balance, err := s.chain.AccountBalance(ctx, worker)
	if err != nil {
		log.Warn("could not read worker balance", zap.Error(err))
		metrics.IncWorkerNotReady()
		return false
	}
	metrics.RecordWorkerBalance(worker.Hex(), balance)

	// Unresolved jobs are resumed even when the worker is unfit for new
	// work; they already hold a nonce in flight.
	s.recoverUnresolvedJobs(ctx, worker, log)
	s.heartbeat(ctx, worker, balance, log)

	safeBalance, err := s.gasStation.SafeBalanceForTrade(ctx)
	if err != nil {
		log.Warn("could not price a safe trade balance", zap.Error(err))
		metrics.IncWorkerNotReady()
		return false
	}
	if balance.Cmp(safeBalance) < 0 {
		log.Warn("worker balance below safe trading threshold",
			zap.String("balance", balance.String()), zap.String("required", safeBalance.String()))
		metrics.IncWorkerLowBalance()
		return false
	}

	if !s.chain.IsWorkerReady(ctx) {
		log.Warn("chain node is not ready")
		metrics.IncWorkerNotReady()
		return false
	}
	return true
}

func (s *WorkerService) recoverUnresolvedJobs(ctx context.Context, worker common.Address, log *zap.Logger) {
	jobs, err := s.store.UnresolvedJobs(ctx, worker)
	if err != nil {
		log.Error("could not load unresolved jobs", zap.Error(err))
		return
	}
	for _, job := range jobs {
		log.Info("recovering unresolved job",
			zap.String("job", job.Identifier()), zap.String("kind", job.Kind()))
		if err := s.processJob(ctx, job); err != nil {
			log.Error("unresolved job recovery failed",
				zap.String("job", job.Identifier()), zap.Error(err))
		}
	}
}

func (s *WorkerService) heartbeat(ctx context.Context, worker common.Address, balance *big.Int, log *zap.Logger) {
	if time.Since(s.lastHeartbeat) < heartbeatInterval {
		return
	}
	if err := s.store.UpsertWorkerHeartbeat(ctx, worker, balance, s.cfg.WorkerIndex); err != nil {
		log.Error("could not write worker heartbeat", zap.Error(err))
		return
	}
	s.lastHeartbeat = time.Now()
	metrics.IncHeartbeat()
}

func (s *WorkerService) ProcessOtcJob(ctx context.Context, orderHash common.Hash) error {
	job, err := s.store.OtcJobByOrderHash(ctx, orderHash)
	if err != nil {
		return fmt.Errorf("load otc job %s: %w", orderHash, err)
	}
	return s.processJob(ctx, *job)
}

func (s *WorkerService) ProcessMetaTransactionJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.MetaTransactionJobByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load meta transaction job %s: %w", id, err)
	}
	return s.processJob(ctx, *job)
}

// processJob is the error boundary for one job. Expected settlement failures
// (validation, declines, expiry) end in a persisted terminal status and a
// nil return; only defects and infrastructure failures surface as errors.
func (s *WorkerService) processJob(ctx context.Context, job Job) (err error) {
	log := s.log.With(
		zap.String("job", job.Identifier()),
		zap.String("kind", job.Kind()))

	defer func() {
		if err != nil {
			metrics.IncJobError(job.Kind())
			log.Error("job processing failed", zap.Error(err))
		}
	}()

	worker := s.chain.Address()
	if claimed := job.ClaimedBy(); claimed != nil && *claimed != worker {
		return fmt.Errorf("%w: job %s claimed by %s, this worker is %s",
			ErrJobAlreadyClaimed, job.Identifier(), claimed.Hex(), worker.Hex())
	}
	job = job.WithWorker(worker)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("claim job: %w", err)
	}

	job, err = s.checkJobPreprocessing(ctx, job, log)
	switch {
	case errors.Is(err, errJobAlreadyResolved):
		return nil
	case errors.Is(err, errJobFailedValidation), errors.Is(err, errJobExpired):
		log.Info("job rejected before submission", zap.String("status", string(job.JobStatus())))
		return nil
	case err != nil:
		return err
	}

	switch j := job.(type) {
	case OtcJob:
		err = s.settleOtcJob(ctx, j, log)
	case MetaTransactionJob:
		err = s.settleMetaTransactionJob(ctx, j, log)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind())
	}
	switch {
	case errors.Is(err, errLastLookDeclined), errors.Is(err, errJobFailedValidation),
		errors.Is(err, errJobExpired):
		return nil
	case err != nil:
		return err
	}

	metrics.IncJobCompleted(job.Kind())
	return nil
}

// checkJobPreprocessing validates the job and moves it from enqueued to
// processing. Failed validation persists a specific terminal status before
// returning errJobFailedValidation.
func (s *WorkerService) checkJobPreprocessing(ctx context.Context, job Job, log *zap.Logger) (Job, error) {
	if isTerminalStatus(job.JobStatus()) {
		log.Info("job already resolved", zap.String("status", string(job.JobStatus())))
		return job, errJobAlreadyResolved
	}

	if failedStatus, ok := validateJob(job); !ok {
		job = job.WithStatus(failedStatus)
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return job, fmt.Errorf("persist validation failure: %w", err)
		}
		return job, errJobFailedValidation
	}

	if job.JobStatus() == JobStatusPendingEnqueued {
		job = job.WithStatus(JobStatusPendingProcessing)
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return job, fmt.Errorf("mark job processing: %w", err)
		}
	}
	return job, nil
}

// validateJob checks the fields settlement cannot proceed without. It never
// re-checks what the enqueue API already guarantees for well-formed rows.
func validateJob(job Job) (JobStatus, bool) {
	switch j := job.(type) {
	case OtcJob:
		if j.MakerURI == "" {
			return JobStatusFailedValidationNoMakerURI, false
		}
		if j.Order == nil {
			return JobStatusFailedValidationNoOrder, false
		}
		if j.Fee == nil {
			return JobStatusFailedValidationNoFee, false
		}
		if j.TakerSignature == nil {
			return JobStatusFailedValidationNoTakerSignature, false
		}
	case MetaTransactionJob:
		if j.MetaTransaction == nil {
			return JobStatusFailedValidationNoOrder, false
		}
		if j.Fee == nil {
			return JobStatusFailedValidationNoFee, false
		}
		if j.TakerSignature == nil {
			return JobStatusFailedValidationNoTakerSignature, false
		}
	}
	return "", true
}

// isTerminalStatus reports whether the job needs no further work. The
// unconfirmed statuses are not terminal: a mined transaction still inside the
// finality window must be watched until it confirms.
func isTerminalStatus(status JobStatus) bool {
	switch status {
	case JobStatusPendingEnqueued, JobStatusPendingProcessing,
		JobStatusPendingLastLookAccepted, JobStatusPendingSubmitted,
		JobStatusSucceededUnconfirmed, JobStatusFailedRevertedUnconfirmed:
		return false
	}
	return true
}

func (s *WorkerService) settleOtcJob(ctx context.Context, job OtcJob, log *zap.Logger) error {
	tradeSubmissions, err := s.store.TransactionSubmissions(ctx, job, SubmissionPurposeTrade)
	if err != nil {
		return fmt.Errorf("load trade submissions: %w", err)
	}

	// The maker gets its last look before anything is broadcast, the
	// approval included: a decline must not leave the taker's approval
	// executed on-chain. With prior submissions the maker signature must
	// already be on the job; the last look is never repeated.
	if len(tradeSubmissions) == 0 {
		signed, err := s.checkLastLook(ctx, &job, log)
		if err != nil {
			return err
		}
		job = signed
	} else if job.MakerSignature == nil {
		return fmt.Errorf("job %s has trade submissions but no maker signature", job.Identifier())
	}

	if err := s.settleApproval(ctx, job, log); err != nil {
		return err
	}

	calldata, err := s.chain.GenerateTakerSignedOtcOrderCalldata(
		job.Order, job.MakerSignature, job.TakerSignature, job.IsUnwrap, job.AffiliateAddress)
	if err != nil {
		return fmt.Errorf("build trade calldata: %w", err)
	}

	gasLimit, err := s.prepareTradeGas(ctx, job, calldata, nil, tradeSubmissions, log)
	if err != nil {
		return err
	}
	return s.submitToChain(ctx, Job(job), SubmissionPurposeTrade, calldata, gasLimit, tradeSubmissions, log)
}

func (s *WorkerService) settleMetaTransactionJob(ctx context.Context, job MetaTransactionJob, log *zap.Logger) error {
	if err := s.settleApproval(ctx, job, log); err != nil {
		return err
	}

	tradeSubmissions, err := s.store.TransactionSubmissions(ctx, job, SubmissionPurposeTrade)
	if err != nil {
		return fmt.Errorf("load trade submissions: %w", err)
	}

	calldata, err := s.chain.GenerateMetaTransactionCalldata(job.MetaTransaction, job.TakerSignature, job.AffiliateAddress)
	if err != nil {
		return fmt.Errorf("build meta transaction calldata: %w", err)
	}

	// The meta-transaction enforces a gas price window on-chain, so the
	// simulation must carry the same fee bid the first submission will.
	feeBid, err := s.initialGasFees(ctx)
	if err != nil {
		return fmt.Errorf("price simulation fee bid: %w", err)
	}
	gasLimit, err := s.prepareTradeGas(ctx, Job(job), calldata, &feeBid, tradeSubmissions, log)
	if err != nil {
		return err
	}
	return s.submitToChain(ctx, Job(job), SubmissionPurposeTrade, calldata, gasLimit, tradeSubmissions, log)
}

// settleApproval executes the gasless approval ahead of the trade when the
// job carries one. The job stays PendingSubmitted on approval success; only
// an approval revert or expiry resolves the job here.
func (s *WorkerService) settleApproval(ctx context.Context, job Job, log *zap.Logger) error {
	approval, approvalSig := job.ApprovalPayload()
	if approval == nil || approvalSig == nil {
		return nil
	}
	log = log.With(zap.String("phase", "approval"))

	submissions, err := s.store.TransactionSubmissions(ctx, job, SubmissionPurposeApproval)
	if err != nil {
		return fmt.Errorf("load approval submissions: %w", err)
	}
	if contextResolved(submissions) {
		return nil
	}

	calldata, err := s.chain.GenerateApprovalCalldata(approval, approvalSig)
	if err != nil {
		return fmt.Errorf("build approval calldata: %w", err)
	}

	var gasLimit uint64
	if len(liveSubmissions(submissions)) > 0 {
		// The original estimate cannot be reproduced against a nonce that
		// may already be mined.
		gasLimit = recoveryGasEstimate
	} else {
		gasLimit, err = s.estimateGasWithRetry(ctx, ethereum.CallMsg{
			From: s.chain.Address(),
			To:   addressPtr(approval.Token),
			Data: calldata,
		}, log)
		if err != nil {
			return s.failJobForEthCall(ctx, job, err, log)
		}
	}
	return s.submitApproval(ctx, job, calldata, approval.Token, gasLimit, submissions, log)
}

func (s *WorkerService) submitApproval(ctx context.Context, job Job, calldata []byte, to common.Address, gasLimit uint64, submissions []*TransactionSubmission, log *zap.Logger) error {
	outcome, err := s.broadcastAndWatch(ctx, job, SubmissionPurposeApproval, calldata, to, gasLimit, submissions, log)
	if err != nil {
		return err
	}

	status := ApprovalContextStatusToJobStatus(outcome)
	if status == JobStatusPendingSubmitted {
		return nil
	}
	job = job.WithStatus(status)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist approval outcome: %w", err)
	}
	if status == JobStatusFailedExpired {
		return errJobExpired
	}
	return fmt.Errorf("approval transaction failed with status %s", status)
}

// checkLastLook runs the maker sign exchange. Idempotent: a job that already
// holds a maker signature passes straight through.
func (s *WorkerService) checkLastLook(ctx context.Context, job *OtcJob, log *zap.Logger) (OtcJob, error) {
	if job.MakerSignature != nil {
		return *job, nil
	}
	log = log.With(zap.String("maker", job.MakerURI))

	ok, err := s.checkTradeBalances(ctx, job)
	if err != nil {
		return *job, fmt.Errorf("check trade balances: %w", err)
	}
	if !ok {
		return s.failOtcJob(ctx, *job, JobStatusFailedPresignValidationFailed, log)
	}

	var signature *Signature
	signRetry := backoff.WithContext(newMakerSignBackOff(), ctx)
	err = backoff.Retry(func() error {
		var signErr error
		signature, signErr = s.signer.RequestSignature(ctx, job)
		return signErr
	}, signRetry)
	if err != nil {
		log.Warn("maker sign request failed", zap.Error(err))
		metrics.IncMakerSignFailed()
		return s.failOtcJob(ctx, *job, JobStatusFailedSignFailed, log)
	}

	if signature == nil {
		return s.handleLastLookDecline(ctx, *job, log)
	}

	repaired := RepairSignature(*signature)
	if err := s.verifyMakerSignature(ctx, job, repaired); err != nil {
		log.Warn("maker signature did not verify", zap.Error(err))
		metrics.IncMakerSignFailed()
		return s.failOtcJob(ctx, *job, JobStatusFailedSignFailed, log)
	}

	accepted := *job
	accepted.MakerSignature = &repaired
	lastLook := true
	accepted.LastLookResult = &lastLook
	updated := accepted.WithStatus(JobStatusPendingLastLookAccepted).(OtcJob)
	if err := s.store.UpdateJob(ctx, updated); err != nil {
		return updated, fmt.Errorf("persist last look acceptance: %w", err)
	}
	log.Info("maker accepted last look")
	return updated, nil
}

// checkTradeBalances verifies both sides can pay before the maker is asked
// to sign. With a pending gasless approval the taker's allowance does not
// exist yet, so only the raw balance is required.
func (s *WorkerService) checkTradeBalances(ctx context.Context, job *OtcJob) (bool, error) {
	spendable, err := s.balances.SpendableBalance(ctx, job.Order.MakerToken, job.Order.Maker)
	if err != nil {
		return false, err
	}
	if spendable.Cmp(job.Order.MakerAmount.ToInt()) < 0 {
		return false, nil
	}

	var takerSpendable *big.Int
	if job.Approval != nil {
		takerSpendable, err = s.chain.TokenBalance(ctx, job.Order.TakerToken, job.Order.Taker)
	} else {
		takerSpendable, err = s.chain.MinOfBalanceAndAllowance(ctx, job.Order.TakerToken, job.Order.Taker)
	}
	if err != nil {
		return false, err
	}
	return takerSpendable.Cmp(job.Order.TakerAmount.ToInt()) >= 0, nil
}

// verifyMakerSignature accepts a signature by the maker itself or by any
// signer the maker has registered on-chain.
func (s *WorkerService) verifyMakerSignature(ctx context.Context, job *OtcJob, sig Signature) error {
	recovered, err := RecoverSigner(job.OrderHash, sig)
	if err != nil {
		return err
	}
	if recovered == job.Order.Maker {
		return nil
	}
	valid, err := s.chain.IsValidOrderSigner(ctx, job.Order.Maker, recovered)
	if err != nil {
		return fmt.Errorf("check registered order signer: %w", err)
	}
	if !valid {
		return fmt.Errorf("signer %s is not authorized for maker %s", recovered.Hex(), job.Order.Maker.Hex())
	}
	return nil
}

// handleLastLookDecline resolves the declined job and runs the decline
// diagnostics. Everything past the status write is best effort: cooldown
// scheduling, the audit row and the price-delta probe may all fail without
// affecting the job outcome.
func (s *WorkerService) handleLastLookDecline(ctx context.Context, job OtcJob, log *zap.Logger) (OtcJob, error) {
	log.Info("maker declined last look")
	metrics.IncLastLookDeclined(job.MakerURI)

	lastLook := false
	job.LastLookResult = &lastLook
	job.DeclinePriceDifferenceBps = s.declinePriceDifferenceBps(ctx, &job, log)

	updated := job.WithStatus(JobStatusFailedLastLookDeclined).(OtcJob)
	if err := s.store.UpdateJob(ctx, updated); err != nil {
		return updated, fmt.Errorf("persist last look decline: %w", err)
	}

	s.scheduleDeclineCooldown(ctx, updated, log)
	return updated, errLastLookDeclined
}

// declinePriceDifferenceBps asks the maker for its current price and reports
// the move against the quoted price in basis points. Diagnostic only.
func (s *WorkerService) declinePriceDifferenceBps(ctx context.Context, job *OtcJob, log *zap.Logger) *int32 {
	currentPrice, err := s.signer.CurrentPrice(ctx, job.MakerURI, job.Order)
	if err != nil {
		log.Debug("decline price probe failed", zap.Error(err))
		return nil
	}
	quoted := job.Order.MakerAmount.ToInt()
	if quoted.Sign() == 0 {
		return nil
	}

	delta := new(big.Int).Sub(currentPrice, quoted)
	delta.Mul(delta, big.NewInt(10_000))
	delta.Quo(delta, quoted)
	if !delta.IsInt64() {
		return nil
	}
	bps := int32(delta.Int64())
	log.Info("maker price moved since quote", zap.Int32("deltaBps", bps))
	return &bps
}

// scheduleDeclineCooldown puts the maker on cooldown when it declined too
// soon after quoting, and records an audit row either way.
func (s *WorkerService) scheduleDeclineCooldown(ctx context.Context, job OtcJob, log *zap.Logger) {
	if !s.cfg.EnableDeclineCooldown {
		return
	}
	quote, err := s.store.QuoteByOrderHash(ctx, job.OrderHash)
	if err != nil {
		log.Warn("could not load quote for decline cooldown", zap.Error(err))
		return
	}
	if time.Since(quote.CreatedAt) > declineCooldownWindow {
		return
	}

	makerID, ok := s.makers.FindMakerIDByURI(job.MakerURI)
	if !ok {
		log.Warn("declined maker is not in the registry", zap.String("maker", job.MakerURI))
		return
	}

	start := time.Now()
	end := start.Add(declineCooldownDuration)
	if err := s.cooldowns.AddMakerToCooldown(ctx, makerID, start, end,
		job.ChainID, job.Order.MakerToken, job.Order.TakerToken); err != nil {
		log.Error("could not schedule maker cooldown", zap.Error(err))
	}
	if err := s.store.WriteLastLookRejectionCooldown(ctx, job.MakerURI, job.OrderHash, start, end); err != nil {
		log.Error("could not record maker cooldown", zap.Error(err))
	}
	log.Info("maker placed on decline cooldown", zap.String("makerId", makerID))
}

// prepareTradeGas estimates the trade gas with the buffer applied. With live
// prior submissions the estimate cannot be reproduced and the recovery
// estimate is used instead.
func (s *WorkerService) prepareTradeGas(ctx context.Context, job Job, calldata []byte, feeBid *GasFees, submissions []*TransactionSubmission, log *zap.Logger) (uint64, error) {
	if len(liveSubmissions(submissions)) > 0 {
		return recoveryGasEstimate, nil
	}
	call := ethereum.CallMsg{
		From: s.chain.Address(),
		To:   addressPtr(s.chain.ExchangeProxyAddress()),
		Data: calldata,
	}
	if feeBid != nil {
		call.GasFeeCap = feeBid.MaxFeePerGas
		call.GasTipCap = feeBid.MaxPriorityFeePerGas
	}
	gasLimit, err := s.estimateGasWithRetry(ctx, call, log)
	if err != nil {
		return 0, s.failJobForEthCall(ctx, job, err, log)
	}
	return gasLimit, nil
}

// estimateGasWithRetry retries transient estimation failures and pads the
// final estimate.
func (s *WorkerService) estimateGasWithRetry(ctx context.Context, call ethereum.CallMsg, log *zap.Logger) (uint64, error) {
	var estimate uint64
	retry := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(ethCallRetryDelay), ethCallAttempts-1), ctx)
	err := backoff.Retry(func() error {
		var callErr error
		estimate, callErr = s.chain.EstimateGas(ctx, call)
		if callErr != nil {
			log.Debug("gas estimate attempt failed", zap.Error(callErr))
		}
		return callErr
	}, retry)
	if err != nil {
		return 0, err
	}
	return bufferGasEstimate(estimate), nil
}

func bufferGasEstimate(estimate uint64) uint64 {
	return estimate + estimate*uint64(gasEstimateBuffer*100)/100
}

func (s *WorkerService) failJobForEthCall(ctx context.Context, job Job, callErr error, log *zap.Logger) error {
	log.Warn("eth_call validation failed", zap.Error(callErr))
	s.logEthCallDiagnostics(ctx, job, log)
	job = job.WithStatus(JobStatusFailedEthCallFailed)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist eth_call failure: %w", err)
	}
	return errJobFailedValidation
}

// logEthCallDiagnostics gathers context around a persistent simulation
// failure. Every read is best effort; a failed read is skipped rather than
// allowed to mask the original failure.
func (s *WorkerService) logEthCallDiagnostics(ctx context.Context, job Job, log *zap.Logger) {
	fields := make([]zap.Field, 0, 4)
	if block, err := s.chain.CurrentBlockNumber(ctx); err == nil {
		fields = append(fields, zap.Uint64("block", block))
	}
	if balance, err := s.chain.AccountBalance(ctx, s.chain.Address()); err == nil {
		fields = append(fields, zap.String("workerBalance", balance.String()))
	}
	if j, ok := job.(OtcJob); ok && j.Order != nil {
		if balance, err := s.chain.TokenBalance(ctx, j.Order.MakerToken, j.Order.Maker); err == nil {
			fields = append(fields, zap.String("makerBalance", balance.String()))
		}
		if balance, err := s.chain.TokenBalance(ctx, j.Order.TakerToken, j.Order.Taker); err == nil {
			fields = append(fields, zap.String("takerBalance", balance.String()))
		}
	}
	log.Warn("simulation failure diagnostics", fields...)
}

func (s *WorkerService) failOtcJob(ctx context.Context, job OtcJob, status JobStatus, log *zap.Logger) (OtcJob, error) {
	updated := job.WithStatus(status).(OtcJob)
	if err := s.store.UpdateJob(ctx, updated); err != nil {
		return updated, fmt.Errorf("persist job failure %s: %w", status, err)
	}
	log.Info("job failed before submission", zap.String("status", string(status)))
	return updated, errJobFailedValidation
}

func (s *WorkerService) submitToChain(ctx context.Context, job Job, purpose SubmissionPurpose, calldata []byte, gasLimit uint64, submissions []*TransactionSubmission, log *zap.Logger) error {
	outcome, err := s.broadcastAndWatch(ctx, job, purpose, calldata, s.chain.ExchangeProxyAddress(), gasLimit, submissions, log)
	if err != nil {
		return err
	}

	status := TradeContextStatusToJobStatus(outcome)
	job = job.WithStatus(status)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist trade outcome: %w", err)
	}
	log.Info("job resolved", zap.String("status", string(status)))
	if status == JobStatusFailedExpired {
		return errJobExpired
	}
	return nil
}

// broadcastAndWatch is the gas escalation loop: broadcast at a fixed nonce,
// watch for a receipt, raise the bid until the transaction is mined to
// finality, the tip cap is reached or the job expires.
func (s *WorkerService) broadcastAndWatch(ctx context.Context, job Job, purpose SubmissionPurpose, calldata []byte, to common.Address, gasLimit uint64, submissions []*TransactionSubmission, log *zap.Logger) (SubmissionContextStatus, error) {
	live, err := s.recoverPresubmits(ctx, submissions, log)
	if err != nil {
		return 0, err
	}

	var submissionCtx *SubmissionContext
	var fees GasFees
	var nonce uint64

	if len(live) > 0 {
		submissionCtx, err = NewSubmissionContext(s.chain, live)
		if err != nil {
			return 0, fmt.Errorf("rebuild submission context: %w", err)
		}
		nonce = submissionCtx.Nonce()
		fees, err = submissionCtx.MaxGasFees()
		if err != nil {
			return 0, err
		}
		log.Info("resuming submission watch",
			zap.Uint64("nonce", nonce), zap.Int("submissions", len(live)))
	} else {
		if jobExpired(job, 0) {
			metrics.IncExpiryTooSoon()
			return SubmissionContextStatusFailedExpired, nil
		}
		nonce, err = s.chain.PendingNonce(ctx)
		if err != nil {
			return 0, fmt.Errorf("read pending nonce: %w", err)
		}
		fees, err = s.initialGasFees(ctx)
		if err != nil {
			return 0, fmt.Errorf("price initial bid: %w", err)
		}

		// The status transition hits the store before the network can see
		// the transaction.
		job = job.WithStatus(JobStatusPendingSubmitted)
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return 0, fmt.Errorf("mark job submitted: %w", err)
		}

		accessList := s.tryAccessList(ctx, to, calldata, log)
		submission, err := s.broadcastTransaction(ctx, job, purpose, calldata, to, gasLimit, nonce, fees, accessList, false, log)
		if err != nil {
			return 0, err
		}
		submissionCtx, err = NewSubmissionContext(s.chain, []*TransactionSubmission{submission})
		if err != nil {
			return 0, fmt.Errorf("build submission context: %w", err)
		}
	}

	return s.watchSubmissions(ctx, job, purpose, calldata, to, gasLimit, nonce, fees, submissionCtx, log)
}

func (s *WorkerService) watchSubmissions(ctx context.Context, job Job, purpose SubmissionPurpose, calldata []byte, to common.Address, gasLimit uint64, nonce uint64, fees GasFees, submissionCtx *SubmissionContext, log *zap.Logger) (SubmissionContextStatus, error) {
	minedObserved := false
	lastJobStatus := job.JobStatus()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.cfg.WatcherSleep):
		}

		receipt, err := submissionCtx.Receipt(ctx)
		if err != nil {
			log.Warn("could not check receipts", zap.Error(err))
			continue
		}

		if receipt != nil {
			if !minedObserved {
				minedObserved = true
				metrics.RecordMiningLatency(time.Since(submissionCtx.FirstSubmissionTime()))
				log.Info("transaction mined",
					zap.String("txHash", receipt.TxHash.Hex()),
					zap.Uint64("block", receipt.BlockNumber.Uint64()))
			}
			if err := submissionCtx.UpdateForReceipt(ctx, receipt, time.Now()); err != nil {
				return 0, err
			}
			if err := s.store.UpdateTransactionSubmissions(ctx, submissionCtx.Transactions()); err != nil {
				return 0, fmt.Errorf("persist submission statuses: %w", err)
			}

			status := submissionCtx.Status()
			switch status {
			case SubmissionContextStatusSucceededConfirmed, SubmissionContextStatusFailedRevertedConfirmed:
				return status, nil
			}
			// Mined but not final: surface the unconfirmed status on the
			// job and keep watching.
			if jobStatus := TradeContextStatusToJobStatus(status); jobStatus != lastJobStatus && purpose == SubmissionPurposeTrade {
				job = job.WithStatus(jobStatus)
				if err := s.store.UpdateJob(ctx, job); err != nil {
					return 0, fmt.Errorf("persist unconfirmed status: %w", err)
				}
				lastJobStatus = jobStatus
			}
			continue
		}

		if jobExpired(job, expiryGracePeriod) {
			log.Warn("job expired while waiting to be mined", zap.Uint64("nonce", nonce))
			return SubmissionContextStatusFailedExpired, nil
		}

		if fees.MaxPriorityFeePerGas.Cmp(maxPriorityFeePerGasCap) >= 0 {
			// Escalation is exhausted; the bid stays live at the cap.
			continue
		}

		gasRate, err := s.gasStation.ExpectedTransactionGasRate(ctx)
		if err != nil {
			log.Warn("could not refresh gas rate", zap.Error(err))
			continue
		}
		if !ShouldResubmit(fees, gasRate) {
			continue
		}

		fees, err = s.escalateGasFees(ctx, fees)
		if err != nil {
			log.Warn("could not escalate gas fees", zap.Error(err))
			continue
		}
		log.Info("escalating gas bid",
			zap.Uint64("nonce", nonce),
			zap.String("maxFeePerGas", fees.MaxFeePerGas.String()),
			zap.String("maxPriorityFeePerGas", fees.MaxPriorityFeePerGas.String()))

		submission, err := s.broadcastTransaction(ctx, job, purpose, calldata, to, gasLimit, nonce, fees, nil, true, log)
		if err != nil {
			return 0, err
		}
		if submission != nil {
			if err := submissionCtx.AddTransaction(submission); err != nil {
				return 0, fmt.Errorf("extend submission context: %w", err)
			}
		}
	}
}

// broadcastTransaction writes a presubmit record, broadcasts and flips the
// record to submitted. On a rebroadcast a nonce-too-low rejection means a
// sibling was mined and is tolerated with a nil submission.
func (s *WorkerService) broadcastTransaction(ctx context.Context, job Job, purpose SubmissionPurpose, calldata []byte, to common.Address, gasLimit, nonce uint64, fees GasFees, accessList *types.AccessList, rebroadcast bool, log *zap.Logger) (*TransactionSubmission, error) {
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(s.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &to,
		Data:      calldata,
	})
	if accessList != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:    big.NewInt(s.cfg.ChainID),
			Nonce:      nonce,
			GasTipCap:  fees.MaxPriorityFeePerGas,
			GasFeeCap:  fees.MaxFeePerGas,
			Gas:        gasLimit,
			To:         &to,
			Data:       calldata,
			AccessList: *accessList,
		})
	}

	signedTx, err := s.chain.SignTransaction(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	now := time.Now()
	submission := &TransactionSubmission{
		TransactionHash:      signedTx.Hash(),
		Purpose:              purpose,
		Status:               SubmissionStatusPresubmit,
		From:                 s.chain.Address(),
		To:                   to,
		Nonce:                nonce,
		MaxFeePerGas:         fees.MaxFeePerGas,
		MaxPriorityFeePerGas: fees.MaxPriorityFeePerGas,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	attachJobReference(submission, job)

	// The record must hit the store before the network can see the
	// transaction, otherwise a crash leaves an untracked nonce in flight.
	if err := s.store.WriteTransactionSubmission(ctx, submission); err != nil {
		return nil, fmt.Errorf("write presubmit record: %w", err)
	}

	broadcastHash, err := s.chain.SubmitTransaction(ctx, signedTx)
	if err != nil {
		if rebroadcast && isNonceTooLow(err) {
			log.Info("replacement rejected, sibling likely mined", zap.Uint64("nonce", nonce))
			return nil, nil
		}
		return nil, fmt.Errorf("broadcast transaction: %w", err)
	}
	if broadcastHash != signedTx.Hash() {
		return nil, fmt.Errorf("broadcast hash %s does not match signed hash %s", broadcastHash, signedTx.Hash())
	}

	submission.Status = SubmissionStatusSubmitted
	submission.UpdatedAt = time.Now()
	if err := s.store.UpdateTransactionSubmissions(ctx, []*TransactionSubmission{submission}); err != nil {
		return nil, fmt.Errorf("mark submission submitted: %w", err)
	}
	log.Info("transaction broadcast",
		zap.String("txHash", submission.TransactionHash.Hex()),
		zap.Uint64("nonce", nonce))
	return submission, nil
}

// recoverPresubmits resolves records stuck in presubmit after a crash. A
// transaction the node knows is marked submitted; one the node never saw is
// dropped from consideration, its record left in place.
func (s *WorkerService) recoverPresubmits(ctx context.Context, submissions []*TransactionSubmission, log *zap.Logger) ([]*TransactionSubmission, error) {
	live := make([]*TransactionSubmission, 0, len(submissions))
	for _, submission := range submissions {
		if submission.Status != SubmissionStatusPresubmit {
			live = append(live, submission)
			continue
		}
		_, found, err := s.chain.Transaction(ctx, submission.TransactionHash)
		if err != nil {
			return nil, fmt.Errorf("resolve presubmit %s: %w", submission.TransactionHash, err)
		}
		if !found {
			log.Info("presubmit transaction never reached the network",
				zap.String("txHash", submission.TransactionHash.Hex()))
			continue
		}
		submission.Status = SubmissionStatusSubmitted
		submission.UpdatedAt = time.Now()
		if err := s.store.UpdateTransactionSubmissions(ctx, []*TransactionSubmission{submission}); err != nil {
			return nil, fmt.Errorf("mark recovered submission: %w", err)
		}
		log.Info("recovered presubmit transaction",
			zap.String("txHash", submission.TransactionHash.Hex()))
		live = append(live, submission)
	}
	return live, nil
}

func (s *WorkerService) initialGasFees(ctx context.Context) (GasFees, error) {
	baseFee, err := s.chain.PendingBaseFee(ctx)
	if err != nil {
		return GasFees{}, err
	}
	tip := Gwei(s.cfg.InitialMaxPriorityFeePerGasGwei)
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, tip)
	return GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// escalateGasFees raises the tip by half, clipped at the cap, and the max
// fee to whichever is higher: a 10% bump or double the current base fee plus
// the new tip.
func (s *WorkerService) escalateGasFees(ctx context.Context, fees GasFees) (GasFees, error) {
	tip := ceilMul(fees.MaxPriorityFeePerGas, maxPriorityFeePerGasMultiplier)
	if tip.Cmp(maxPriorityFeePerGasCap) > 0 {
		tip = new(big.Int).Set(maxPriorityFeePerGasCap)
	}

	bumped := bumpMinIncrease(fees.MaxFeePerGas)
	baseFee, err := s.chain.PendingBaseFee(ctx)
	if err != nil {
		return GasFees{}, err
	}
	marketFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	marketFee.Add(marketFee, tip)

	maxFee := bumped
	if marketFee.Cmp(bumped) > 0 {
		maxFee = marketFee
	}
	return GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// ShouldResubmit reports whether the market moved enough to justify a
// replacement: a replacement below a 10% raise would be rejected anyway.
func ShouldResubmit(fees GasFees, expectedGasRate *big.Int) bool {
	return expectedGasRate.Cmp(bumpMinIncrease(fees.MaxFeePerGas)) >= 0
}

// bumpMinIncrease raises x by the minimum replacement increase, rounding up
// so the result always clears the node's threshold.
func bumpMinIncrease(x *big.Int) *big.Int {
	bumped := new(big.Int).Mul(x, big.NewInt(11))
	bumped.Add(bumped, big.NewInt(9))
	return bumped.Quo(bumped, big.NewInt(10))
}

func (s *WorkerService) tryAccessList(ctx context.Context, to common.Address, calldata []byte, log *zap.Logger) *types.AccessList {
	if !s.cfg.EnableAccessList {
		return nil
	}
	list, _, err := s.chain.CreateAccessList(ctx, ethereum.CallMsg{
		From: s.chain.Address(),
		To:   &to,
		Data: calldata,
	})
	if err != nil {
		log.Debug("access list creation failed", zap.Error(err))
		metrics.IncAccessListFailed()
		return nil
	}
	return list
}

// jobExpired checks the job's absolute expiry. The watch loop passes a
// grace period so a transaction mined moments after expiry is still
// observed; the pre-broadcast check passes none.
func jobExpired(job Job, grace time.Duration) bool {
	expiry := time.Unix(job.ExpirySeconds().Int64(), 0)
	return time.Now().After(expiry.Add(grace))
}

func attachJobReference(submission *TransactionSubmission, job Job) {
	switch j := job.(type) {
	case OtcJob:
		hash := j.OrderHash
		submission.OrderHash = &hash
	case MetaTransactionJob:
		id := j.ID
		submission.MetaTransactionJobID = &id
	}
}

func newMakerSignBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = makerSignBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return backoff.WithMaxRetries(b, makerSignAttempts-1)
}

// liveSubmissions filters out attempts that can no longer be mined.
func liveSubmissions(submissions []*TransactionSubmission) []*TransactionSubmission {
	live := make([]*TransactionSubmission, 0, len(submissions))
	for _, submission := range submissions {
		if submission.Status == SubmissionStatusDroppedAndReplaced {
			continue
		}
		live = append(live, submission)
	}
	return live
}

// contextResolved reports whether a prior run already mined this purpose's
// transaction.
func contextResolved(submissions []*TransactionSubmission) bool {
	for _, submission := range submissions {
		switch submission.Status {
		case SubmissionStatusSucceededConfirmed, SubmissionStatusSucceededUnconfirmed:
			return true
		}
	}
	return false
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(err.Error(), "nonce too low")
}

func addressPtr(addr common.Address) *common.Address {
	return &addr
}
