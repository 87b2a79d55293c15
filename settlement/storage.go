package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Storage is the persistence surface the worker needs. Job reads return
// ErrJobNotFound when the identifier is unknown.
type Storage interface {
	OtcJobByOrderHash(ctx context.Context, orderHash common.Hash) (*OtcJob, error)
	MetaTransactionJobByID(ctx context.Context, id uuid.UUID) (*MetaTransactionJob, error)
	// UnresolvedJobs returns jobs claimed by the worker that are still in a
	// non-terminal status, oldest first.
	UnresolvedJobs(ctx context.Context, worker common.Address) ([]Job, error)
	UpdateJob(ctx context.Context, job Job) error

	TransactionSubmissions(ctx context.Context, job Job, purpose SubmissionPurpose) ([]*TransactionSubmission, error)
	WriteTransactionSubmission(ctx context.Context, submission *TransactionSubmission) error
	UpdateTransactionSubmissions(ctx context.Context, submissions []*TransactionSubmission) error

	QuoteByOrderHash(ctx context.Context, orderHash common.Hash) (*StoredQuote, error)
	WriteLastLookRejectionCooldown(ctx context.Context, maker string, orderHash common.Hash, start, end time.Time) error
	UpsertWorkerHeartbeat(ctx context.Context, worker common.Address, balance *big.Int, index int) error
}

var ErrQuoteNotFound = errors.New("quote not found")

type DBOtcJob struct {
	OrderHash      []byte         `db:"order_hash"`
	ChainID        int64          `db:"chain_id"`
	Status         string         `db:"status"`
	WorkerAddress  []byte         `db:"worker_address"`
	Expiry         string         `db:"expiry"`
	MakerURI       string         `db:"maker_uri"`
	IntegratorID   sql.NullString `db:"integrator_id"`
	IsUnwrap       bool           `db:"is_unwrap"`
	LastLookResult sql.NullBool   `db:"last_look_result"`
	DeclineBps     sql.NullInt32  `db:"decline_price_difference_bps"`
	// order, fee, signatures and approval payload as one JSON document
	Body      []byte    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type DBMetaTransactionJob struct {
	ID                  string    `db:"id"`
	ChainID             int64     `db:"chain_id"`
	Status              string    `db:"status"`
	WorkerAddress       []byte    `db:"worker_address"`
	Expiry              string    `db:"expiry"`
	MetaTransactionHash []byte    `db:"meta_transaction_hash"`
	IntegratorID        string    `db:"integrator_id"`
	Body                []byte    `db:"body"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

type DBTransactionSubmission struct {
	TransactionHash      []byte         `db:"transaction_hash"`
	OrderHash            []byte         `db:"order_hash"`
	MetaTransactionJobID sql.NullString `db:"meta_transaction_job_id"`
	Purpose              string         `db:"purpose"`
	Status               string         `db:"status"`
	FromAddress          []byte         `db:"from_address"`
	ToAddress            []byte         `db:"to_address"`
	Nonce                int64          `db:"nonce"`
	GasPrice             sql.NullString `db:"gas_price"`
	MaxFeePerGas         sql.NullString `db:"max_fee_per_gas"`
	MaxPriorityFeePerGas sql.NullString `db:"max_priority_fee_per_gas"`
	BlockMined           sql.NullString `db:"block_mined"`
	GasUsed              sql.NullString `db:"gas_used"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

type DBQuote struct {
	OrderHash []byte    `db:"order_hash"`
	MakerURI  string    `db:"maker_uri"`
	Body      []byte    `db:"body"`
	CreatedAt time.Time `db:"created_at"`
}

type DBWorkerHeartbeat struct {
	WorkerAddress []byte    `db:"worker_address"`
	Balance       string    `db:"balance"`
	WorkerIndex   int       `db:"worker_index"`
	Timestamp     time.Time `db:"timestamp"`
}

type DBCooldown struct {
	MakerURI  string    `db:"maker_uri"`
	OrderHash []byte    `db:"order_hash"`
	StartTime time.Time `db:"start_time"`
	EndTime   time.Time `db:"end_time"`
}

// otcJobBody is the JSON document stored in otc_jobs.body.
type otcJobBody struct {
	Order             *OtcOrder       `json:"order"`
	Fee               *Fee            `json:"fee"`
	MakerSignature    *Signature      `json:"makerSignature,omitempty"`
	TakerSignature    *Signature      `json:"takerSignature,omitempty"`
	Approval          *Approval       `json:"approval,omitempty"`
	ApprovalSignature *Signature      `json:"approvalSignature,omitempty"`
	AffiliateAddress  *common.Address `json:"affiliateAddress,omitempty"`
}

// metaTransactionJobBody is the JSON document stored in meta_transaction_jobs.body.
type metaTransactionJobBody struct {
	MetaTransaction   *MetaTransaction `json:"metaTransaction"`
	Fee               *Fee             `json:"fee"`
	TakerAddress      common.Address   `json:"takerAddress"`
	TakerSignature    *Signature       `json:"takerSignature,omitempty"`
	Approval          *Approval        `json:"approval,omitempty"`
	ApprovalSignature *Signature       `json:"approvalSignature,omitempty"`
	InputToken        common.Address   `json:"inputToken"`
	OutputToken       common.Address   `json:"outputToken"`
	InputTokenAmount  string           `json:"inputTokenAmount"`
	OutputTokenAmount string           `json:"outputTokenAmount"`
	AffiliateAddress  *common.Address  `json:"affiliateAddress,omitempty"`
}

type quoteBody struct {
	Order *OtcOrder `json:"order"`
	Fee   *Fee      `json:"fee"`
}

var getOtcJobQuery = `
SELECT order_hash, chain_id, status, worker_address, expiry, maker_uri, integrator_id, is_unwrap,
       last_look_result, decline_price_difference_bps, body, created_at, updated_at
FROM otc_jobs
WHERE order_hash = $1`

var getMetaTransactionJobQuery = `
SELECT id, chain_id, status, worker_address, expiry, meta_transaction_hash, integrator_id, body, created_at, updated_at
FROM meta_transaction_jobs
WHERE id = $1`

var unresolvedOtcJobsQuery = `
SELECT order_hash, chain_id, status, worker_address, expiry, maker_uri, integrator_id, is_unwrap,
       last_look_result, decline_price_difference_bps, body, created_at, updated_at
FROM otc_jobs
WHERE worker_address = $1 AND status IN ('pending_enqueued', 'pending_processing', 'pending_last_look_accepted',
                                        'pending_submitted', 'succeeded_unconfirmed', 'failed_reverted_unconfirmed')
ORDER BY created_at`

var unresolvedMetaTransactionJobsQuery = `
SELECT id, chain_id, status, worker_address, expiry, meta_transaction_hash, integrator_id, body, created_at, updated_at
FROM meta_transaction_jobs
WHERE worker_address = $1 AND status IN ('pending_enqueued', 'pending_processing', 'pending_submitted',
                                        'succeeded_unconfirmed', 'failed_reverted_unconfirmed')
ORDER BY created_at`

var updateOtcJobQuery = `
UPDATE otc_jobs
SET status = :status, worker_address = :worker_address, last_look_result = :last_look_result,
    decline_price_difference_bps = :decline_price_difference_bps, body = :body, updated_at = :updated_at
WHERE order_hash = :order_hash`

var updateMetaTransactionJobQuery = `
UPDATE meta_transaction_jobs
SET status = :status, worker_address = :worker_address, body = :body, updated_at = :updated_at
WHERE id = :id`

var getSubmissionsByOrderHashQuery = `
SELECT transaction_hash, order_hash, meta_transaction_job_id, purpose, status, from_address, to_address, nonce,
       gas_price, max_fee_per_gas, max_priority_fee_per_gas, block_mined, gas_used, created_at, updated_at
FROM transaction_submissions
WHERE order_hash = $1 AND purpose = $2
ORDER BY created_at`

var getSubmissionsByMetaTransactionJobIDQuery = `
SELECT transaction_hash, order_hash, meta_transaction_job_id, purpose, status, from_address, to_address, nonce,
       gas_price, max_fee_per_gas, max_priority_fee_per_gas, block_mined, gas_used, created_at, updated_at
FROM transaction_submissions
WHERE meta_transaction_job_id = $1 AND purpose = $2
ORDER BY created_at`

var insertSubmissionQuery = `
INSERT INTO transaction_submissions (transaction_hash, order_hash, meta_transaction_job_id, purpose, status,
                                     from_address, to_address, nonce, gas_price, max_fee_per_gas,
                                     max_priority_fee_per_gas, block_mined, gas_used, created_at, updated_at)
VALUES (:transaction_hash, :order_hash, :meta_transaction_job_id, :purpose, :status,
        :from_address, :to_address, :nonce, :gas_price, :max_fee_per_gas,
        :max_priority_fee_per_gas, :block_mined, :gas_used, :created_at, :updated_at)`

var updateSubmissionQuery = `
UPDATE transaction_submissions
SET status = :status, gas_price = :gas_price, block_mined = :block_mined, gas_used = :gas_used, updated_at = :updated_at
WHERE transaction_hash = :transaction_hash`

var getQuoteQuery = `
SELECT order_hash, maker_uri, body, created_at
FROM quotes
WHERE order_hash = $1`

var insertCooldownQuery = `
INSERT INTO last_look_rejection_cooldowns (maker_uri, order_hash, start_time, end_time)
VALUES (:maker_uri, :order_hash, :start_time, :end_time)
ON CONFLICT (maker_uri, order_hash) DO NOTHING`

var upsertHeartbeatQuery = `
INSERT INTO worker_heartbeats (worker_address, balance, worker_index, timestamp)
VALUES (:worker_address, :balance, :worker_index, :timestamp)
ON CONFLICT (worker_address) DO
UPDATE SET balance = :balance, worker_index = :worker_index, timestamp = :timestamp`

type DBBackend struct {
	db *sqlx.DB

	getOtcJob                     *sqlx.Stmt
	getMetaTransactionJob         *sqlx.Stmt
	unresolvedOtcJobs             *sqlx.Stmt
	unresolvedMetaTransactionJobs *sqlx.Stmt
	updateOtcJob                  *sqlx.NamedStmt
	updateMetaTransactionJob      *sqlx.NamedStmt
	getSubmissionsByOrderHash     *sqlx.Stmt
	getSubmissionsByMetaTxJobID   *sqlx.Stmt
	insertSubmission              *sqlx.NamedStmt
	updateSubmission              *sqlx.NamedStmt
	getQuote                      *sqlx.Stmt
	insertCooldown                *sqlx.NamedStmt
	upsertHeartbeat               *sqlx.NamedStmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	backend := &DBBackend{db: db}
	for _, prepare := range []struct {
		stmt  **sqlx.Stmt
		query string
	}{
		{&backend.getOtcJob, getOtcJobQuery},
		{&backend.getMetaTransactionJob, getMetaTransactionJobQuery},
		{&backend.unresolvedOtcJobs, unresolvedOtcJobsQuery},
		{&backend.unresolvedMetaTransactionJobs, unresolvedMetaTransactionJobsQuery},
		{&backend.getSubmissionsByOrderHash, getSubmissionsByOrderHashQuery},
		{&backend.getSubmissionsByMetaTxJobID, getSubmissionsByMetaTransactionJobIDQuery},
		{&backend.getQuote, getQuoteQuery},
	} {
		*prepare.stmt, err = db.Preparex(prepare.query)
		if err != nil {
			return nil, err
		}
	}
	for _, prepare := range []struct {
		stmt  **sqlx.NamedStmt
		query string
	}{
		{&backend.updateOtcJob, updateOtcJobQuery},
		{&backend.updateMetaTransactionJob, updateMetaTransactionJobQuery},
		{&backend.insertSubmission, insertSubmissionQuery},
		{&backend.updateSubmission, updateSubmissionQuery},
		{&backend.insertCooldown, insertCooldownQuery},
		{&backend.upsertHeartbeat, upsertHeartbeatQuery},
	} {
		*prepare.stmt, err = db.PrepareNamed(prepare.query)
		if err != nil {
			return nil, err
		}
	}
	return backend, nil
}

func (b *DBBackend) OtcJobByOrderHash(ctx context.Context, orderHash common.Hash) (*OtcJob, error) {
	var row DBOtcJob
	err := b.getOtcJob.GetContext(ctx, &row, orderHash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, err
	}
	return otcJobFromRow(&row)
}

func (b *DBBackend) MetaTransactionJobByID(ctx context.Context, id uuid.UUID) (*MetaTransactionJob, error) {
	var row DBMetaTransactionJob
	err := b.getMetaTransactionJob.GetContext(ctx, &row, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, err
	}
	return metaTransactionJobFromRow(&row)
}

func (b *DBBackend) UnresolvedJobs(ctx context.Context, worker common.Address) ([]Job, error) {
	var otcRows []DBOtcJob
	if err := b.unresolvedOtcJobs.SelectContext(ctx, &otcRows, worker.Bytes()); err != nil {
		return nil, err
	}
	var metaRows []DBMetaTransactionJob
	if err := b.unresolvedMetaTransactionJobs.SelectContext(ctx, &metaRows, worker.Bytes()); err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(otcRows)+len(metaRows))
	for i := range otcRows {
		job, err := otcJobFromRow(&otcRows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	for i := range metaRows {
		job, err := metaTransactionJobFromRow(&metaRows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (b *DBBackend) UpdateJob(ctx context.Context, job Job) error {
	switch j := job.(type) {
	case OtcJob:
		row, err := otcJobToRow(&j)
		if err != nil {
			return err
		}
		_, err = b.updateOtcJob.ExecContext(ctx, row)
		return err
	case MetaTransactionJob:
		row, err := metaTransactionJobToRow(&j)
		if err != nil {
			return err
		}
		_, err = b.updateMetaTransactionJob.ExecContext(ctx, row)
		return err
	default:
		return fmt.Errorf("update job: unknown job kind %q", job.Kind())
	}
}

func (b *DBBackend) TransactionSubmissions(ctx context.Context, job Job, purpose SubmissionPurpose) ([]*TransactionSubmission, error) {
	var rows []DBTransactionSubmission
	var err error
	switch j := job.(type) {
	case OtcJob:
		err = b.getSubmissionsByOrderHash.SelectContext(ctx, &rows, j.OrderHash.Bytes(), string(purpose))
	case MetaTransactionJob:
		err = b.getSubmissionsByMetaTxJobID.SelectContext(ctx, &rows, j.ID.String(), string(purpose))
	default:
		return nil, fmt.Errorf("transaction submissions: unknown job kind %q", job.Kind())
	}
	if err != nil {
		return nil, err
	}

	submissions := make([]*TransactionSubmission, len(rows))
	for i := range rows {
		submissions[i], err = submissionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
	}
	return submissions, nil
}

func (b *DBBackend) WriteTransactionSubmission(ctx context.Context, submission *TransactionSubmission) error {
	row, err := submissionToRow(submission)
	if err != nil {
		return err
	}
	_, err = b.insertSubmission.ExecContext(ctx, row)
	return err
}

func (b *DBBackend) UpdateTransactionSubmissions(ctx context.Context, submissions []*TransactionSubmission) error {
	dbTx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	for _, submission := range submissions {
		row, err := submissionToRow(submission)
		if err != nil {
			_ = dbTx.Rollback()
			return err
		}
		if _, err := dbTx.NamedStmtContext(ctx, b.updateSubmission).ExecContext(ctx, row); err != nil {
			_ = dbTx.Rollback()
			return err
		}
	}
	return dbTx.Commit()
}

func (b *DBBackend) QuoteByOrderHash(ctx context.Context, orderHash common.Hash) (*StoredQuote, error) {
	var row DBQuote
	err := b.getQuote.GetContext(ctx, &row, orderHash.Bytes())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuoteNotFound
	} else if err != nil {
		return nil, err
	}

	var body quoteBody
	if err := json.Unmarshal(row.Body, &body); err != nil {
		return nil, err
	}
	return &StoredQuote{
		OrderHash: common.BytesToHash(row.OrderHash),
		MakerURI:  row.MakerURI,
		Order:     body.Order,
		Fee:       body.Fee,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (b *DBBackend) WriteLastLookRejectionCooldown(ctx context.Context, maker string, orderHash common.Hash, start, end time.Time) error {
	_, err := b.insertCooldown.ExecContext(ctx, DBCooldown{
		MakerURI:  maker,
		OrderHash: orderHash.Bytes(),
		StartTime: start,
		EndTime:   end,
	})
	return err
}

func (b *DBBackend) UpsertWorkerHeartbeat(ctx context.Context, worker common.Address, balance *big.Int, index int) error {
	_, err := b.upsertHeartbeat.ExecContext(ctx, DBWorkerHeartbeat{
		WorkerAddress: worker.Bytes(),
		Balance:       balance.String(),
		WorkerIndex:   index,
		Timestamp:     time.Now(),
	})
	return err
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}

func otcJobFromRow(row *DBOtcJob) (*OtcJob, error) {
	var body otcJobBody
	if err := json.Unmarshal(row.Body, &body); err != nil {
		return nil, err
	}
	expiry, ok := new(big.Int).SetString(row.Expiry, 10)
	if !ok {
		return nil, fmt.Errorf("otc job %x: malformed expiry %q", row.OrderHash, row.Expiry)
	}

	job := &OtcJob{
		OrderHash:         common.BytesToHash(row.OrderHash),
		ChainID:           row.ChainID,
		Status:            JobStatus(row.Status),
		Expiry:            expiry,
		MakerURI:          row.MakerURI,
		IntegratorID:      row.IntegratorID.String,
		Order:             body.Order,
		Fee:               body.Fee,
		MakerSignature:    body.MakerSignature,
		TakerSignature:    body.TakerSignature,
		Approval:          body.Approval,
		ApprovalSignature: body.ApprovalSignature,
		IsUnwrap:          row.IsUnwrap,
		AffiliateAddress:  body.AffiliateAddress,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if len(row.WorkerAddress) > 0 {
		addr := common.BytesToAddress(row.WorkerAddress)
		job.WorkerAddress = &addr
	}
	if row.LastLookResult.Valid {
		job.LastLookResult = &row.LastLookResult.Bool
	}
	if row.DeclineBps.Valid {
		job.DeclinePriceDifferenceBps = &row.DeclineBps.Int32
	}
	return job, nil
}

func otcJobToRow(job *OtcJob) (*DBOtcJob, error) {
	body, err := json.Marshal(otcJobBody{
		Order:             job.Order,
		Fee:               job.Fee,
		MakerSignature:    job.MakerSignature,
		TakerSignature:    job.TakerSignature,
		Approval:          job.Approval,
		ApprovalSignature: job.ApprovalSignature,
		AffiliateAddress:  job.AffiliateAddress,
	})
	if err != nil {
		return nil, err
	}

	row := &DBOtcJob{
		OrderHash:    job.OrderHash.Bytes(),
		ChainID:      job.ChainID,
		Status:       string(job.Status),
		Expiry:       job.Expiry.String(),
		MakerURI:     job.MakerURI,
		IntegratorID: sql.NullString{String: job.IntegratorID, Valid: job.IntegratorID != ""},
		IsUnwrap:     job.IsUnwrap,
		Body:         body,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    time.Now(),
	}
	if job.WorkerAddress != nil {
		row.WorkerAddress = job.WorkerAddress.Bytes()
	}
	if job.LastLookResult != nil {
		row.LastLookResult = sql.NullBool{Bool: *job.LastLookResult, Valid: true}
	}
	if job.DeclinePriceDifferenceBps != nil {
		row.DeclineBps = sql.NullInt32{Int32: *job.DeclinePriceDifferenceBps, Valid: true}
	}
	return row, nil
}

func metaTransactionJobFromRow(row *DBMetaTransactionJob) (*MetaTransactionJob, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("meta transaction job: malformed id %q: %w", row.ID, err)
	}
	var body metaTransactionJobBody
	if err := json.Unmarshal(row.Body, &body); err != nil {
		return nil, err
	}
	expiry, ok := new(big.Int).SetString(row.Expiry, 10)
	if !ok {
		return nil, fmt.Errorf("meta transaction job %s: malformed expiry %q", row.ID, row.Expiry)
	}
	inputAmount, ok := new(big.Int).SetString(body.InputTokenAmount, 10)
	if !ok {
		return nil, fmt.Errorf("meta transaction job %s: malformed input amount %q", row.ID, body.InputTokenAmount)
	}
	outputAmount, ok := new(big.Int).SetString(body.OutputTokenAmount, 10)
	if !ok {
		return nil, fmt.Errorf("meta transaction job %s: malformed output amount %q", row.ID, body.OutputTokenAmount)
	}

	job := &MetaTransactionJob{
		ID:                  id,
		ChainID:             row.ChainID,
		Status:              JobStatus(row.Status),
		Expiry:              expiry,
		MetaTransaction:     body.MetaTransaction,
		MetaTransactionHash: common.BytesToHash(row.MetaTransactionHash),
		Fee:                 body.Fee,
		TakerAddress:        body.TakerAddress,
		TakerSignature:      body.TakerSignature,
		Approval:            body.Approval,
		ApprovalSignature:   body.ApprovalSignature,
		InputToken:          body.InputToken,
		OutputToken:         body.OutputToken,
		InputTokenAmount:    inputAmount,
		OutputTokenAmount:   outputAmount,
		AffiliateAddress:    body.AffiliateAddress,
		IntegratorID:        row.IntegratorID,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}
	if len(row.WorkerAddress) > 0 {
		addr := common.BytesToAddress(row.WorkerAddress)
		job.WorkerAddress = &addr
	}
	return job, nil
}

func metaTransactionJobToRow(job *MetaTransactionJob) (*DBMetaTransactionJob, error) {
	body, err := json.Marshal(metaTransactionJobBody{
		MetaTransaction:   job.MetaTransaction,
		Fee:               job.Fee,
		TakerAddress:      job.TakerAddress,
		TakerSignature:    job.TakerSignature,
		Approval:          job.Approval,
		ApprovalSignature: job.ApprovalSignature,
		InputToken:        job.InputToken,
		OutputToken:       job.OutputToken,
		InputTokenAmount:  job.InputTokenAmount.String(),
		OutputTokenAmount: job.OutputTokenAmount.String(),
		AffiliateAddress:  job.AffiliateAddress,
	})
	if err != nil {
		return nil, err
	}

	row := &DBMetaTransactionJob{
		ID:                  job.ID.String(),
		ChainID:             job.ChainID,
		Status:              string(job.Status),
		Expiry:              job.Expiry.String(),
		MetaTransactionHash: job.MetaTransactionHash.Bytes(),
		IntegratorID:        job.IntegratorID,
		Body:                body,
		CreatedAt:           job.CreatedAt,
		UpdatedAt:           time.Now(),
	}
	if job.WorkerAddress != nil {
		row.WorkerAddress = job.WorkerAddress.Bytes()
	}
	return row, nil
}

func submissionFromRow(row *DBTransactionSubmission) (*TransactionSubmission, error) {
	submission := &TransactionSubmission{
		TransactionHash: common.BytesToHash(row.TransactionHash),
		Purpose:         SubmissionPurpose(row.Purpose),
		Status:          SubmissionStatus(row.Status),
		From:            common.BytesToAddress(row.FromAddress),
		To:              common.BytesToAddress(row.ToAddress),
		Nonce:           uint64(row.Nonce),
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if len(row.OrderHash) > 0 {
		hash := common.BytesToHash(row.OrderHash)
		submission.OrderHash = &hash
	}
	if row.MetaTransactionJobID.Valid {
		id, err := uuid.Parse(row.MetaTransactionJobID.String)
		if err != nil {
			return nil, fmt.Errorf("submission %x: malformed job id %q: %w", row.TransactionHash, row.MetaTransactionJobID.String, err)
		}
		submission.MetaTransactionJobID = &id
	}

	for _, field := range []struct {
		dst **big.Int
		src sql.NullString
	}{
		{&submission.GasPrice, row.GasPrice},
		{&submission.MaxFeePerGas, row.MaxFeePerGas},
		{&submission.MaxPriorityFeePerGas, row.MaxPriorityFeePerGas},
		{&submission.BlockMined, row.BlockMined},
		{&submission.GasUsed, row.GasUsed},
	} {
		if !field.src.Valid {
			continue
		}
		value, ok := new(big.Int).SetString(field.src.String, 10)
		if !ok {
			return nil, fmt.Errorf("submission %x: malformed numeric column %q", row.TransactionHash, field.src.String)
		}
		*field.dst = value
	}
	return submission, nil
}

func submissionToRow(submission *TransactionSubmission) (*DBTransactionSubmission, error) {
	row := &DBTransactionSubmission{
		TransactionHash: submission.TransactionHash.Bytes(),
		Purpose:         string(submission.Purpose),
		Status:          string(submission.Status),
		FromAddress:     submission.From.Bytes(),
		ToAddress:       submission.To.Bytes(),
		Nonce:           int64(submission.Nonce),
		CreatedAt:       submission.CreatedAt,
		UpdatedAt:       submission.UpdatedAt,
	}
	if submission.OrderHash == nil && submission.MetaTransactionJobID == nil {
		return nil, fmt.Errorf("submission %s: no owning job reference", submission.TransactionHash)
	}
	if submission.OrderHash != nil {
		row.OrderHash = submission.OrderHash.Bytes()
	}
	if submission.MetaTransactionJobID != nil {
		row.MetaTransactionJobID = sql.NullString{String: submission.MetaTransactionJobID.String(), Valid: true}
	}
	for _, field := range []struct {
		dst *sql.NullString
		src *big.Int
	}{
		{&row.GasPrice, submission.GasPrice},
		{&row.MaxFeePerGas, submission.MaxFeePerGas},
		{&row.MaxPriorityFeePerGas, submission.MaxPriorityFeePerGas},
		{&row.BlockMined, submission.BlockMined},
		{&row.GasUsed, submission.GasUsed},
	} {
		if field.src != nil {
			*field.dst = sql.NullString{String: field.src.String(), Valid: true}
		}
	}
	return row, nil
}
