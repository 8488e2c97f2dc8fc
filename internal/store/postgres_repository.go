/**
 * @description
 * This file provides the PostgreSQL implementation of the repository interfaces for
 * settlement requests. Payout and accumulation queries live in their own files.
 *
 * @notes
 * - Every status change is an optimistic update guarded by the row version, so two
 *   deliveries of the same task cannot both advance the saga.
 * - Creating a request is idempotent on its idempotency key (the upstream payment id).
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresRepository is a concrete implementation of Repository for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

const settlementColumns = `
	id, idempotency_key, payment_id, payer_id, client_id,
	wallet_address, payout_currency, payout_network, settlement_currency, settlement_network,
	declared_price::text, actual_amount::text, fee_amount::text, net_amount::text,
	payout_mode, threshold_usd::text, description, accumulation_id, contribution_record_id,
	status, attempts, payout_attempt, version, payout_kind, quoted_amount::text, exchange_id, deposit_address,
	tx_hash, received_amount::text, error_kind, failure_reason,
	last_transition_at, created_at, updated_at`

func scanSettlement(row pgx.Row) (*domain.SettlementRequest, error) {
	var (
		req                                   domain.SettlementRequest
		declared, actual, fee, net, threshold string
		quoted, received                      *string
		mode, status, kind                    string
	)
	err := row.Scan(
		&req.ID,
		&req.IdempotencyKey,
		&req.PaymentID,
		&req.PayerID,
		&req.ClientID,
		&req.WalletAddress,
		&req.PayoutCurrency,
		&req.PayoutNetwork,
		&req.SettlementCurrency,
		&req.SettlementNetwork,
		&declared,
		&actual,
		&fee,
		&net,
		&mode,
		&threshold,
		&req.Description,
		&req.AccumulationID,
		&req.ContributionRecordID,
		&status,
		&req.Attempts,
		&req.PayoutAttempt,
		&req.Version,
		&kind,
		&quoted,
		&req.ExchangeID,
		&req.DepositAddress,
		&req.TxHash,
		&received,
		&req.ErrorKind,
		&req.FailureReason,
		&req.LastTransitionAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}

	req.PayoutMode = domain.PayoutMode(mode)
	req.Status = domain.SettlementStatus(status)
	req.PayoutKind = domain.PayoutKind(kind)
	for _, f := range []struct {
		column string
		raw    string
		dst    *decimal.Decimal
	}{
		{"declared_price", declared, &req.DeclaredPrice},
		{"actual_amount", actual, &req.ActualAmount},
		{"fee_amount", fee, &req.FeeAmount},
		{"net_amount", net, &req.NetAmount},
		{"threshold_usd", threshold, &req.ThresholdUSD},
	} {
		d, err := parseDecimal(f.column, f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = d
	}
	if req.QuotedAmount, err = parseNullableDecimal("quoted_amount", quoted); err != nil {
		return nil, err
	}
	if req.ReceivedAmount, err = parseNullableDecimal("received_amount", received); err != nil {
		return nil, err
	}
	return &req, nil
}

// CreateSettlement inserts req or loads the existing row with the same idempotency key.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, req *domain.SettlementRequest) (bool, error) {
	return createSettlement(ctx, r.db, req)
}

// TransitionSettlement applies a guarded status change.
func (r *PostgresRepository) TransitionSettlement(ctx context.Context, req *domain.SettlementRequest, to domain.SettlementStatus, update SettlementUpdate) error {
	return transitionSettlement(ctx, r.db, req, to, update)
}

// GetSettlement loads a request by id.
func (r *PostgresRepository) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRequest, error) {
	return scanSettlement(r.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlement_requests WHERE id = $1`, id))
}

// GetSettlementByIdempotencyKey loads a request by its idempotency key.
func (r *PostgresRepository) GetSettlementByIdempotencyKey(ctx context.Context, key string) (*domain.SettlementRequest, error) {
	return scanSettlement(r.db.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlement_requests WHERE idempotency_key = $1`, key))
}

func createSettlement(ctx context.Context, q querier, req *domain.SettlementRequest) (bool, error) {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = domain.StatusReceived
	}
	query := `
		INSERT INTO settlement_requests (
			id, idempotency_key, payment_id, payer_id, client_id,
			wallet_address, payout_currency, payout_network, settlement_currency, settlement_network,
			declared_price, actual_amount, fee_amount, net_amount,
			payout_mode, threshold_usd, description, accumulation_id, status
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11::numeric, $12::numeric, $13::numeric, $14::numeric,
			$15, $16::numeric, $17, $18, $19
		)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + settlementColumns
	created, err := scanSettlement(q.QueryRow(ctx, query,
		req.ID,
		req.IdempotencyKey,
		req.PaymentID,
		req.PayerID,
		req.ClientID,
		req.WalletAddress,
		req.PayoutCurrency,
		req.PayoutNetwork,
		req.SettlementCurrency,
		req.SettlementNetwork,
		decimalArg(req.DeclaredPrice),
		decimalArg(req.ActualAmount),
		decimalArg(req.FeeAmount),
		decimalArg(req.NetAmount),
		string(req.PayoutMode),
		decimalArg(req.ThresholdUSD),
		req.Description,
		req.AccumulationID,
		string(req.Status),
	))
	if err == nil {
		*req = *created
		return true, nil
	}
	if !errors.Is(err, ErrSettlementNotFound) {
		return false, fmt.Errorf("insert settlement request: %w", err)
	}

	existing, err := scanSettlement(q.QueryRow(ctx, `SELECT `+settlementColumns+` FROM settlement_requests WHERE idempotency_key = $1`, req.IdempotencyKey))
	if err != nil {
		return false, fmt.Errorf("load existing settlement request: %w", err)
	}
	*req = *existing
	return false, nil
}

func transitionSettlement(ctx context.Context, q querier, req *domain.SettlementRequest, to domain.SettlementStatus, u SettlementUpdate) error {
	if !domain.CanTransition(req.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, to)
	}
	attempts, payoutAttempt := 0, 0
	if u.IncrementAttempts {
		attempts = 1
	}
	if u.NextPayoutAttempt {
		payoutAttempt = 1
	}
	query := `
		UPDATE settlement_requests
		SET
			status = $3,
			version = version + 1,
			attempts = attempts + $4,
			payout_attempt = payout_attempt + $5,
			payout_kind = COALESCE($6, payout_kind),
			quoted_amount = COALESCE($7::numeric, quoted_amount),
			exchange_id = COALESCE(exchange_id, $8),
			deposit_address = COALESCE(deposit_address, $9),
			tx_hash = COALESCE($10, tx_hash),
			received_amount = COALESCE($11::numeric, received_amount),
			error_kind = COALESCE($12, error_kind),
			failure_reason = COALESCE($13, failure_reason),
			contribution_record_id = COALESCE(contribution_record_id, $14),
			last_transition_at = CASE WHEN status = $3 THEN last_transition_at ELSE NOW() END,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING ` + settlementColumns
	updated, err := scanSettlement(q.QueryRow(ctx, query,
		req.ID,
		req.Version,
		string(to),
		attempts,
		payoutAttempt,
		stringPtrArg(u.PayoutKind),
		nullableDecimalArg(u.QuotedAmount),
		u.ExchangeID,
		u.DepositAddress,
		u.TxHash,
		nullableDecimalArg(u.ReceivedAmount),
		u.ErrorKind,
		u.FailureReason,
		u.ContributionRecordID,
	))
	if errors.Is(err, ErrSettlementNotFound) {
		return fmt.Errorf("%w: %s at version %d", ErrStaleSettlement, req.ID, req.Version)
	}
	if err != nil {
		return fmt.Errorf("transition settlement request %s: %w", req.ID, err)
	}
	*req = *updated
	return nil
}
