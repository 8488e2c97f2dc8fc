package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/domain"
)

const payoutColumns = `
	id, settlement_request_id, attempt, client_id, payer_id,
	destination, currency, network, amount::text, reestimated_dest::text, status,
	nonce, tx_hash, raw_tx, block_number, gas_used, error_kind, failure_reason,
	claimed_at, broadcast_at, last_checked_at, created_at, updated_at`

func scanPayout(row pgx.Row) (*domain.HostPayoutTransaction, error) {
	var (
		p                     domain.HostPayoutTransaction
		amount, status        string
		reestimated           *string
		nonce, block, gasUsed *int64
	)
	err := row.Scan(
		&p.ID,
		&p.SettlementRequestID,
		&p.Attempt,
		&p.ClientID,
		&p.PayerID,
		&p.Destination,
		&p.Currency,
		&p.Network,
		&amount,
		&reestimated,
		&status,
		&nonce,
		&p.TxHash,
		&p.RawTx,
		&block,
		&gasUsed,
		&p.ErrorKind,
		&p.FailureReason,
		&p.ClaimedAt,
		&p.BroadcastAt,
		&p.LastCheckedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	p.Status = domain.PayoutStatus(status)
	p.Nonce = nullableUint64(nonce)
	p.BlockNumber = nullableUint64(block)
	p.GasUsed = nullableUint64(gasUsed)
	if p.Amount, err = parseDecimal("amount", amount); err != nil {
		return nil, err
	}
	if p.ReestimatedDest, err = parseNullableDecimal("reestimated_dest", reestimated); err != nil {
		return nil, err
	}
	return &p, nil
}

// ClaimPayout reserves the attempt row for one execution, mirroring the idempotency
// reservation used for other at-least-once handlers: insert, otherwise lock the
// existing row and decide whether it can be reclaimed.
func (r *PostgresRepository) ClaimPayout(ctx context.Context, p *domain.HostPayoutTransaction, staleAfter time.Duration) (*domain.HostPayoutTransaction, bool, error) {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin payout claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO host_payout_transactions (
			id, settlement_request_id, attempt, client_id, payer_id,
			destination, currency, network, amount, status, claimed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, NOW())
		ON CONFLICT (settlement_request_id, attempt) DO NOTHING
		RETURNING ` + payoutColumns
	inserted, err := scanPayout(tx.QueryRow(ctx, insertQuery,
		p.ID,
		p.SettlementRequestID,
		p.Attempt,
		p.ClientID,
		p.PayerID,
		p.Destination,
		p.Currency,
		p.Network,
		decimalArg(p.Amount),
		string(domain.PayoutPending),
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return inserted, true, nil
	}
	if !errors.Is(err, ErrPayoutNotFound) {
		return nil, false, fmt.Errorf("reserve payout attempt: %w", err)
	}

	existing, err := scanPayout(tx.QueryRow(ctx, `
		SELECT `+payoutColumns+`
		FROM host_payout_transactions
		WHERE settlement_request_id = $1 AND attempt = $2
		FOR UPDATE`, p.SettlementRequestID, p.Attempt))
	if err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			return nil, false, ErrPayoutInProgress
		}
		return nil, false, fmt.Errorf("load payout attempt: %w", err)
	}

	// Signed or finished attempts are never re-signed; the caller resumes them.
	if existing.Status.Final() || len(existing.RawTx) > 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	now := time.Now().UTC()
	if existing.ClaimedAt != nil && existing.ClaimedAt.After(now.Add(-staleAfter)) {
		return nil, false, ErrPayoutInProgress
	}

	reclaimed, err := scanPayout(tx.QueryRow(ctx, `
		UPDATE host_payout_transactions
		SET claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING `+payoutColumns, existing.ID))
	if err != nil {
		return nil, false, fmt.Errorf("reclaim stale payout attempt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return reclaimed, true, nil
}

// ReleasePayoutClaim lets another delivery take over an attempt that was never signed.
func (r *PostgresRepository) ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE host_payout_transactions
		SET claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND raw_tx IS NULL AND status = $2
	`
	_, err := r.db.Exec(ctx, query, id, string(domain.PayoutPending))
	return err
}

// SavePayoutSigned stores the signed transaction before it is broadcast so a later
// delivery re-broadcasts the same bytes instead of signing a second transfer. A
// non-nil reestimated is kept for the confirmation checks that follow.
func (r *PostgresRepository) SavePayoutSigned(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reestimated *decimal.Decimal, nonce uint64, txHash string, raw []byte) error {
	query := `
		UPDATE host_payout_transactions
		SET amount = $2::numeric, reestimated_dest = $3::numeric, nonce = $4, tx_hash = $5, raw_tx = $6, updated_at = NOW()
		WHERE id = $1 AND raw_tx IS NULL AND status = $7
	`
	result, err := r.db.Exec(ctx, query, id, decimalArg(amount), nullableDecimalArg(reestimated), int64(nonce), txHash, raw, string(domain.PayoutPending))
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s already signed or final", ErrPayoutInProgress, id)
	}
	return nil
}

// ResetPayoutSigned discards a signed transaction the node never accepted, for example
// after its nonce was consumed elsewhere.
func (r *PostgresRepository) ResetPayoutSigned(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE host_payout_transactions
		SET nonce = NULL, tx_hash = NULL, raw_tx = NULL, broadcast_at = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	_, err := r.db.Exec(ctx, query, id, string(domain.PayoutPending))
	return err
}

func (r *PostgresRepository) MarkPayoutBroadcast(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE host_payout_transactions
		SET broadcast_at = COALESCE(broadcast_at, NOW()), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkPayoutChecked(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE host_payout_transactions SET last_checked_at = NOW() WHERE id = $1`, id)
	return err
}

// FinalizePayout moves a pending attempt to its terminal status. Final rows are immutable.
func (r *PostgresRepository) FinalizePayout(ctx context.Context, id uuid.UUID, result PayoutResult) (bool, error) {
	if !result.Status.Final() {
		return false, fmt.Errorf("finalize payout %s: %q is not a final status", id, result.Status)
	}
	query := `
		UPDATE host_payout_transactions
		SET
			status = $2,
			block_number = $3,
			gas_used = $4,
			error_kind = $5,
			failure_reason = $6,
			last_checked_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = $7
	`
	tag, err := r.db.Exec(ctx, query,
		id,
		string(result.Status),
		nullableInt64Arg(result.BlockNumber),
		nullableInt64Arg(result.GasUsed),
		result.ErrorKind,
		result.FailureReason,
		string(domain.PayoutPending),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) GetPayout(ctx context.Context, requestID uuid.UUID, attempt int) (*domain.HostPayoutTransaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM host_payout_transactions WHERE settlement_request_id = $1 AND attempt = $2`
	return scanPayout(r.db.QueryRow(ctx, query, requestID, attempt))
}

// ListPendingPayouts returns broadcast attempts whose confirmation has not been checked
// since checkedBefore, oldest first.
func (r *PostgresRepository) ListPendingPayouts(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.HostPayoutTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + payoutColumns + `
		FROM host_payout_transactions
		WHERE status = $1
		  AND broadcast_at IS NOT NULL
		  AND COALESCE(last_checked_at, broadcast_at) < $2
		ORDER BY COALESCE(last_checked_at, broadcast_at) ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, string(domain.PayoutPending), checkedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.HostPayoutTransaction
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *p)
	}
	return payouts, rows.Err()
}
