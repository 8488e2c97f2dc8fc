/**
 * @description
 * This file defines the repository interfaces used by the settlement pipeline. Each
 * pipeline stage depends only on the rows it owns: the orchestrator on settlement
 * requests, the executor on host payout transactions and the ledger on accumulation
 * records. Keeping these as interfaces lets the stage logic be tested without a
 * database.
 *
 * @dependencies
 * - github.com/google/uuid: Row identifiers.
 * - github.com/shopspring/decimal: Amount updates.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/domain"
)

var (
	ErrSettlementNotFound   = errors.New("settlement request not found")
	ErrStaleSettlement      = errors.New("settlement request changed concurrently")
	ErrInvalidTransition    = errors.New("invalid settlement status transition")
	ErrPayoutNotFound       = errors.New("host payout transaction not found")
	ErrPayoutInProgress     = errors.New("host payout attempt is being processed")
	ErrAccumulationNotFound = errors.New("accumulation record not found")
)

// SettlementUpdate lists the columns a transition may set. Nil fields are left alone.
// ExchangeID, DepositAddress and ContributionRecordID are write-once.
type SettlementUpdate struct {
	IncrementAttempts    bool
	NextPayoutAttempt    bool
	PayoutKind           *domain.PayoutKind
	QuotedAmount         *decimal.Decimal
	ExchangeID           *string
	DepositAddress       *string
	TxHash               *string
	ReceivedAmount       *decimal.Decimal
	ErrorKind            *string
	FailureReason        *string
	ContributionRecordID *uuid.UUID
}

// SettlementWriter is the write surface shared by the repository and ledger transactions.
type SettlementWriter interface {
	// CreateSettlement inserts req unless its idempotency key exists. When it exists, req
	// is overwritten with the stored row and created is false.
	CreateSettlement(ctx context.Context, req *domain.SettlementRequest) (created bool, err error)
	// TransitionSettlement moves req to status to, guarded by req.Version. On success req
	// is refreshed from the database.
	TransitionSettlement(ctx context.Context, req *domain.SettlementRequest, to domain.SettlementStatus, update SettlementUpdate) error
}

// SettlementRepository stores settlement requests.
type SettlementRepository interface {
	SettlementWriter
	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRequest, error)
	GetSettlementByIdempotencyKey(ctx context.Context, key string) (*domain.SettlementRequest, error)
}

// PayoutResult is the terminal outcome of a payout attempt.
type PayoutResult struct {
	Status        domain.PayoutStatus
	BlockNumber   *uint64
	GasUsed       *uint64
	ErrorKind     *string
	FailureReason *string
}

// PayoutRepository stores host payout transactions.
type PayoutRepository interface {
	// ClaimPayout creates or returns the attempt row for (p.SettlementRequestID, p.Attempt).
	// acquired is true when the caller now owns an unsigned attempt, either freshly
	// created or reclaimed after staleAfter. An unsigned attempt claimed by someone else
	// returns ErrPayoutInProgress.
	ClaimPayout(ctx context.Context, p *domain.HostPayoutTransaction, staleAfter time.Duration) (payout *domain.HostPayoutTransaction, acquired bool, err error)
	ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error
	// SavePayoutSigned stores the signed transaction, the amount it actually moves and
	// the re-estimated payout amount, if any.
	SavePayoutSigned(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reestimated *decimal.Decimal, nonce uint64, txHash string, raw []byte) error
	ResetPayoutSigned(ctx context.Context, id uuid.UUID) error
	MarkPayoutBroadcast(ctx context.Context, id uuid.UUID) error
	MarkPayoutChecked(ctx context.Context, id uuid.UUID) error
	// FinalizePayout records a terminal status. It returns false when the attempt was
	// already final.
	FinalizePayout(ctx context.Context, id uuid.UUID, result PayoutResult) (bool, error)
	GetPayout(ctx context.Context, requestID uuid.UUID, attempt int) (*domain.HostPayoutTransaction, error)
	ListPendingPayouts(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.HostPayoutTransaction, error)
}

// AccumulationTx is the view of the store inside a client's accumulation lock.
type AccumulationTx interface {
	SettlementWriter
	// OpenRecord returns the client's open record for the settlement asset, locked for
	// update, or ErrAccumulationNotFound.
	OpenRecord(ctx context.Context, clientID int64, currency, network string) (*domain.AccumulationRecord, error)
	InsertRecord(ctx context.Context, rec *domain.AccumulationRecord) error
	SaveRecord(ctx context.Context, rec *domain.AccumulationRecord) error
}

// AccumulationRepository stores accumulation records.
type AccumulationRepository interface {
	// WithAccumulationLock runs fn in one transaction holding the client's advisory
	// lock. The transaction commits when fn returns nil.
	WithAccumulationLock(ctx context.Context, clientID int64, fn func(tx AccumulationTx) error) error
	GetAccumulationRecord(ctx context.Context, id uuid.UUID) (*domain.AccumulationRecord, error)
	ListAccumulationRecords(ctx context.Context, clientID int64, limit int) ([]domain.AccumulationRecord, error)
	MarkAccumulationPaidOut(ctx context.Context, id uuid.UUID, txRef string) error
	MarkAccumulationFailed(ctx context.Context, id uuid.UUID) error
}

// Repository is everything the service stores.
type Repository interface {
	SettlementRepository
	PayoutRepository
	AccumulationRepository
	Ping(ctx context.Context) error
}
