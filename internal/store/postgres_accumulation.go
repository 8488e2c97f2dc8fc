package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/transfa/settlement-service/internal/domain"
)

const accumulationColumns = `
	id, client_id, settlement_currency, settlement_network, payout_currency, payout_network,
	wallet_address, accumulated_amount::text, accumulated_usd::text, threshold_usd::text,
	conversion_rate::text, conversion_tx_ref, conversion_status, attempts, is_paid_out,
	settlement_id, paid_out_at, created_at, updated_at`

func scanAccumulation(row pgx.Row) (*domain.AccumulationRecord, error) {
	var (
		rec                    domain.AccumulationRecord
		amount, usd, threshold string
		rate                   *string
		status                 string
	)
	err := row.Scan(
		&rec.ID,
		&rec.ClientID,
		&rec.SettlementCurrency,
		&rec.SettlementNetwork,
		&rec.PayoutCurrency,
		&rec.PayoutNetwork,
		&rec.WalletAddress,
		&amount,
		&usd,
		&threshold,
		&rate,
		&rec.ConversionTxRef,
		&status,
		&rec.Attempts,
		&rec.IsPaidOut,
		&rec.SettlementID,
		&rec.PaidOutAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccumulationNotFound
		}
		return nil, err
	}
	rec.ConversionStatus = domain.ConversionStatus(status)
	if rec.AccumulatedAmount, err = parseDecimal("accumulated_amount", amount); err != nil {
		return nil, err
	}
	if rec.AccumulatedUSD, err = parseDecimal("accumulated_usd", usd); err != nil {
		return nil, err
	}
	if rec.ThresholdUSD, err = parseDecimal("threshold_usd", threshold); err != nil {
		return nil, err
	}
	if rec.ConversionRate, err = parseNullableDecimal("conversion_rate", rate); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WithAccumulationLock serialises all read-modify-write cycles on one client's records
// with a transaction-scoped advisory lock keyed by the client id.
func (r *PostgresRepository) WithAccumulationLock(ctx context.Context, clientID int64, fn func(tx AccumulationTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin accumulation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, clientID); err != nil {
		return fmt.Errorf("lock accumulation for client %d: %w", clientID, err)
	}
	if err := fn(&pgAccumulationTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgAccumulationTx struct {
	tx pgx.Tx
}

func (t *pgAccumulationTx) CreateSettlement(ctx context.Context, req *domain.SettlementRequest) (bool, error) {
	return createSettlement(ctx, t.tx, req)
}

func (t *pgAccumulationTx) TransitionSettlement(ctx context.Context, req *domain.SettlementRequest, to domain.SettlementStatus, update SettlementUpdate) error {
	return transitionSettlement(ctx, t.tx, req, to, update)
}

func (t *pgAccumulationTx) OpenRecord(ctx context.Context, clientID int64, currency, network string) (*domain.AccumulationRecord, error) {
	query := `
		SELECT ` + accumulationColumns + `
		FROM accumulation_records
		WHERE client_id = $1
		  AND lower(settlement_currency) = lower($2)
		  AND lower(settlement_network) = lower($3)
		  AND conversion_status = $4
		FOR UPDATE
	`
	return scanAccumulation(t.tx.QueryRow(ctx, query, clientID, currency, network, string(domain.ConversionOpen)))
}

func (t *pgAccumulationTx) InsertRecord(ctx context.Context, rec *domain.AccumulationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ConversionStatus == "" {
		rec.ConversionStatus = domain.ConversionOpen
	}
	query := `
		INSERT INTO accumulation_records (
			id, client_id, settlement_currency, settlement_network, payout_currency, payout_network,
			wallet_address, accumulated_amount, accumulated_usd, threshold_usd, conversion_status, attempts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		rec.ID,
		rec.ClientID,
		rec.SettlementCurrency,
		rec.SettlementNetwork,
		rec.PayoutCurrency,
		rec.PayoutNetwork,
		rec.WalletAddress,
		decimalArg(rec.AccumulatedAmount),
		decimalArg(rec.AccumulatedUSD),
		decimalArg(rec.ThresholdUSD),
		string(rec.ConversionStatus),
		rec.Attempts,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert accumulation record: %w", err)
	}
	return nil
}

func (t *pgAccumulationTx) SaveRecord(ctx context.Context, rec *domain.AccumulationRecord) error {
	query := `
		UPDATE accumulation_records
		SET
			payout_currency = $2,
			payout_network = $3,
			wallet_address = $4,
			accumulated_amount = $5::numeric,
			accumulated_usd = $6::numeric,
			threshold_usd = $7::numeric,
			conversion_rate = $8::numeric,
			conversion_status = $9,
			attempts = $10,
			settlement_id = $11,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		rec.ID,
		rec.PayoutCurrency,
		rec.PayoutNetwork,
		rec.WalletAddress,
		decimalArg(rec.AccumulatedAmount),
		decimalArg(rec.AccumulatedUSD),
		decimalArg(rec.ThresholdUSD),
		nullableDecimalArg(rec.ConversionRate),
		string(rec.ConversionStatus),
		rec.Attempts,
		rec.SettlementID,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAccumulationNotFound
	}
	return err
}

func (r *PostgresRepository) GetAccumulationRecord(ctx context.Context, id uuid.UUID) (*domain.AccumulationRecord, error) {
	return scanAccumulation(r.db.QueryRow(ctx, `SELECT `+accumulationColumns+` FROM accumulation_records WHERE id = $1`, id))
}

// ListAccumulationRecords returns a client's records, newest first.
func (r *PostgresRepository) ListAccumulationRecords(ctx context.Context, clientID int64, limit int) ([]domain.AccumulationRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + accumulationColumns + ` FROM accumulation_records WHERE client_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.AccumulationRecord{}
	for rows.Next() {
		rec, err := scanAccumulation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// MarkAccumulationPaidOut closes a converting record after its aggregated settlement
// completed. Repeated calls are no-ops.
func (r *PostgresRepository) MarkAccumulationPaidOut(ctx context.Context, id uuid.UUID, txRef string) error {
	query := `
		UPDATE accumulation_records
		SET is_paid_out = TRUE, conversion_status = $2, conversion_tx_ref = $3, paid_out_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND conversion_status = $4
	`
	return r.closeAccumulation(ctx, id, query, string(domain.ConversionCompleted), txRef, string(domain.ConversionConverting))
}

// MarkAccumulationFailed records that the aggregated settlement failed. The record stays
// closed for operator follow-up.
func (r *PostgresRepository) MarkAccumulationFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE accumulation_records
		SET conversion_status = $2, updated_at = NOW()
		WHERE id = $1 AND conversion_status = $3
	`
	return r.closeAccumulation(ctx, id, query, string(domain.ConversionFailed), string(domain.ConversionConverting))
}

func (r *PostgresRepository) closeAccumulation(ctx context.Context, id uuid.UUID, query string, args ...interface{}) error {
	tag, err := r.db.Exec(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetAccumulationRecord(ctx, id); err != nil {
		return err
	}
	return nil
}
