/**
 * @description
 * The accumulation ledger defers threshold-mode payouts. Each payment is folded into
 * the client's open AccumulationRecord; once the record's USD value reaches the client's
 * threshold the ledger closes it and synthesises one aggregated SettlementRequest that
 * enters the saga at ESTIMATING.
 *
 * @notes
 * - Every read-modify-write of a client's records runs inside WithAccumulationLock, so
 *   concurrent payments for the same client are applied one at a time.
 * - The contribution is valued in USD before the lock is taken; only database work
 *   happens while it is held.
 * - A record that is converting is never written again by contributions. Payments that
 *   arrive meanwhile open a fresh record, which is the remainder after the payout.
 *
 * @dependencies
 * - internal/store: Accumulation records and the per-client lock.
 * - pkg/exchangeclient: USD valuation through the shared Quoter.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/errclass"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/exchangeclient"
)

// AggregatedKeyPrefix prefixes the idempotency key of ledger-created requests.
const AggregatedKeyPrefix = "accumulation:"

// LedgerStore is the storage the ledger needs.
type LedgerStore interface {
	store.AccumulationRepository
	GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRequest, error)
}

// LedgerConfig names the USD reference asset contributions are valued in.
type LedgerConfig struct {
	USDCurrency string
	USDNetwork  string
}

// Ledger maintains accumulation records.
type Ledger struct {
	repo   LedgerStore
	quoter Quoter
	cfg    LedgerConfig
}

func NewLedger(repo LedgerStore, quoter Quoter, cfg LedgerConfig) *Ledger {
	if cfg.USDCurrency == "" {
		cfg.USDCurrency = "usdt"
	}
	if cfg.USDNetwork == "" {
		cfg.USDNetwork = "eth"
	}
	return &Ledger{repo: repo, quoter: quoter, cfg: cfg}
}

// Contribute folds req into its client's open record and moves req to ACCUMULATED.
// When the contribution reaches the threshold the aggregated request is returned; it
// has been stored in ESTIMATING and the caller must dispatch its first step.
func (l *Ledger) Contribute(ctx context.Context, req *domain.SettlementRequest) (*domain.SettlementRequest, error) {
	if req.Status != domain.StatusReceived {
		return nil, fmt.Errorf("contribute %s: status %s", req.ID, req.Status)
	}
	usd, err := l.valueUSD(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		contributor domain.SettlementRequest
		record      *domain.AccumulationRecord
		aggregated  *domain.SettlementRequest
	)
	err = l.repo.WithAccumulationLock(ctx, req.ClientID, func(tx store.AccumulationTx) error {
		contributor, aggregated = *req, nil

		rec, err := tx.OpenRecord(ctx, req.ClientID, req.SettlementCurrency, req.SettlementNetwork)
		if errors.Is(err, store.ErrAccumulationNotFound) {
			rec = &domain.AccumulationRecord{
				ClientID:           req.ClientID,
				SettlementCurrency: req.SettlementCurrency,
				SettlementNetwork:  req.SettlementNetwork,
				PayoutCurrency:     req.PayoutCurrency,
				PayoutNetwork:      req.PayoutNetwork,
				WalletAddress:      req.WalletAddress,
				ThresholdUSD:       req.ThresholdUSD,
				ConversionStatus:   domain.ConversionOpen,
			}
			err = tx.InsertRecord(ctx, rec)
		}
		if err != nil {
			return err
		}

		recordID := rec.ID
		if err := tx.TransitionSettlement(ctx, &contributor, domain.StatusAccumulated, store.SettlementUpdate{ContributionRecordID: &recordID}); err != nil {
			return err
		}

		rec.AccumulatedAmount = rec.AccumulatedAmount.Add(req.NetAmount)
		rec.AccumulatedUSD = rec.AccumulatedUSD.Add(usd)
		rec.Attempts++
		// The latest payment carries the client's current payout preferences.
		rec.PayoutCurrency = req.PayoutCurrency
		rec.PayoutNetwork = req.PayoutNetwork
		rec.WalletAddress = req.WalletAddress
		if req.ThresholdUSD.IsPositive() {
			rec.ThresholdUSD = req.ThresholdUSD
		}

		if rec.ThresholdReached() {
			if rate, err := domain.ConversionRate(rec.AccumulatedAmount, rec.AccumulatedUSD); err == nil {
				rec.ConversionRate = &rate
			}
			rec.ConversionStatus = domain.ConversionConverting
			aggregated = aggregateFor(rec, req)
			if _, err := tx.CreateSettlement(ctx, aggregated); err != nil {
				return err
			}
			rec.SettlementID = &aggregated.ID
		}
		record = rec
		return tx.SaveRecord(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	*req = contributor
	ledgerContributions.Inc()
	log.Printf("level=info component=ledger msg=\"contribution recorded\" request_id=%s record_id=%s client_id=%d amount=%s usd=%s total_usd=%s threshold_usd=%s", req.ID, record.ID, req.ClientID, req.NetAmount, usd, record.AccumulatedUSD, record.ThresholdUSD)
	if aggregated != nil {
		ledgerTriggers.Inc()
		log.Printf("level=info component=ledger msg=\"threshold reached; aggregated settlement created\" record_id=%s settlement_id=%s client_id=%d amount=%s total_usd=%s contributions=%d", record.ID, aggregated.ID, record.ClientID, record.AccumulatedAmount, record.AccumulatedUSD, record.Attempts)
	}
	return aggregated, nil
}

func aggregateFor(rec *domain.AccumulationRecord, trigger *domain.SettlementRequest) *domain.SettlementRequest {
	recordID := rec.ID
	key := AggregatedKeyPrefix + rec.ID.String()
	return &domain.SettlementRequest{
		IdempotencyKey:     key,
		PaymentID:          key,
		PayerID:            trigger.PayerID,
		ClientID:           rec.ClientID,
		WalletAddress:      rec.WalletAddress,
		PayoutCurrency:     rec.PayoutCurrency,
		PayoutNetwork:      rec.PayoutNetwork,
		SettlementCurrency: rec.SettlementCurrency,
		SettlementNetwork:  rec.SettlementNetwork,
		DeclaredPrice:      rec.AccumulatedUSD,
		ActualAmount:       rec.AccumulatedAmount,
		FeeAmount:          decimal.Zero,
		NetAmount:          rec.AccumulatedAmount,
		PayoutMode:         domain.PayoutThreshold,
		ThresholdUSD:       rec.ThresholdUSD,
		Description:        fmt.Sprintf("accumulated payout of %d payments", rec.Attempts),
		AccumulationID:     &recordID,
		Status:             domain.StatusEstimating,
	}
}

func (l *Ledger) valueUSD(ctx context.Context, req *domain.SettlementRequest) (decimal.Decimal, error) {
	if domain.SameAsset(req.SettlementCurrency, req.SettlementNetwork, l.cfg.USDCurrency, l.cfg.USDNetwork) {
		return req.NetAmount, nil
	}
	quote, err := l.quoter.Quote(ctx, exchangeclient.Pair{
		FromCurrency: req.SettlementCurrency,
		FromNetwork:  req.SettlementNetwork,
		ToCurrency:   l.cfg.USDCurrency,
		ToNetwork:    l.cfg.USDNetwork,
	}, req.NetAmount)
	if err != nil {
		return decimal.Zero, err
	}
	if !quote.ToAmount.IsPositive() {
		return decimal.Zero, errclass.New(errclass.KindInvalidAmount, "usd valuation of %s %s returned %s", req.NetAmount, req.SettlementCurrency, quote.ToAmount)
	}
	return quote.ToAmount, nil
}

// AggregateFor returns the aggregated request that pays out the record req was folded
// into, or nil while that record is still open.
func (l *Ledger) AggregateFor(ctx context.Context, req *domain.SettlementRequest) (*domain.SettlementRequest, error) {
	if req.ContributionRecordID == nil {
		return nil, nil
	}
	rec, err := l.repo.GetAccumulationRecord(ctx, *req.ContributionRecordID)
	if err != nil {
		return nil, err
	}
	if rec.SettlementID == nil {
		return nil, nil
	}
	return l.repo.GetSettlement(ctx, *rec.SettlementID)
}

// SettlementFinished closes the record paid out by a terminal aggregated request.
// Calling it again for the same request is a no-op.
func (l *Ledger) SettlementFinished(ctx context.Context, agg *domain.SettlementRequest) error {
	if !agg.IsAggregated() {
		return nil
	}
	switch agg.Status {
	case domain.StatusCompleted:
		if err := l.repo.MarkAccumulationPaidOut(ctx, *agg.AccumulationID, deref(agg.TxHash)); err != nil {
			return fmt.Errorf("mark accumulation %s paid out: %w", agg.AccumulationID, err)
		}
		log.Printf("level=info component=ledger msg=\"accumulation paid out\" record_id=%s settlement_id=%s", agg.AccumulationID, agg.ID)
	case domain.StatusFailed:
		if err := l.repo.MarkAccumulationFailed(ctx, *agg.AccumulationID); err != nil {
			return fmt.Errorf("mark accumulation %s failed: %w", agg.AccumulationID, err)
		}
		log.Printf("level=error component=ledger msg=\"aggregated settlement failed; record needs operator action\" record_id=%s settlement_id=%s error_kind=%s", agg.AccumulationID, agg.ID, deref(agg.ErrorKind))
	}
	return nil
}

// Records lists a client's accumulation records, newest first.
func (l *Ledger) Records(ctx context.Context, clientID int64, limit int) ([]domain.AccumulationRecord, error) {
	return l.repo.ListAccumulationRecords(ctx, clientID, limit)
}
