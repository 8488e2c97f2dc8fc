package app

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
)

func (h *harness) storeThresholdRequest(t *testing.T, paymentID, currency, amount, threshold string) *domain.SettlementRequest {
	t.Helper()
	req := &domain.SettlementRequest{
		IdempotencyKey:     paymentID,
		PaymentID:          paymentID,
		PayerID:            testPayer,
		ClientID:           testClient,
		WalletAddress:      testWallet,
		PayoutCurrency:     "usdt",
		PayoutNetwork:      "eth",
		SettlementCurrency: currency,
		SettlementNetwork:  "eth",
		ActualAmount:       decimal.RequireFromString(amount),
		NetAmount:          decimal.RequireFromString(amount),
		PayoutMode:         domain.PayoutThreshold,
		ThresholdUSD:       decimal.RequireFromString(threshold),
	}
	if _, err := h.store.CreateSettlement(context.Background(), req); err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}
	return req
}

func TestLedger_ConcurrentContributionsTriggerOnce(t *testing.T) {
	h := newHarness()
	const payments = 6

	reqs := make([]*domain.SettlementRequest, payments)
	for i := range reqs {
		reqs[i] = h.storeThresholdRequest(t, fmt.Sprintf("pay-acc-%d", i), "usdt", "25", "100")
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		aggregates []*domain.SettlementRequest
		errs       []error
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(req *domain.SettlementRequest) {
			defer wg.Done()
			agg, err := h.ledger.Contribute(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if agg != nil {
				aggregates = append(aggregates, agg)
			}
		}(req)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected contribution errors: %v", errs)
	}
	if len(aggregates) != 1 {
		t.Fatalf("expected exactly one aggregated request, got %d", len(aggregates))
	}
	agg := aggregates[0]
	if agg.Status != domain.StatusEstimating || !agg.NetAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected estimating aggregate of 100, got %s %s", agg.Status, agg.NetAmount)
	}

	records, err := h.ledger.Records(context.Background(), testClient, 10)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected the triggered record and a remainder, got %d", len(records))
	}
	for _, rec := range records {
		switch rec.ConversionStatus {
		case domain.ConversionConverting:
			if !rec.AccumulatedAmount.Equal(decimal.NewFromInt(100)) || rec.Attempts != 4 {
				t.Fatalf("expected converting record of 100 from 4 payments, got %s/%d", rec.AccumulatedAmount, rec.Attempts)
			}
			if rec.SettlementID == nil || *rec.SettlementID != agg.ID {
				t.Fatal("expected converting record linked to the aggregate")
			}
		case domain.ConversionOpen:
			if !rec.AccumulatedAmount.Equal(decimal.NewFromInt(50)) {
				t.Fatalf("expected remainder of 50, got %s", rec.AccumulatedAmount)
			}
		default:
			t.Fatalf("unexpected record status %s", rec.ConversionStatus)
		}
	}

	for _, req := range reqs {
		if req.Status != domain.StatusAccumulated || req.ContributionRecordID == nil {
			t.Fatalf("expected %s accumulated with a record, got %s", req.PaymentID, req.Status)
		}
	}
}

func TestLedger_ValuesContributionInUSD(t *testing.T) {
	h := newHarness()
	h.quoter.rates["eth>usdt"] = decimal.RequireFromString("2450.0945")
	req := h.storeThresholdRequest(t, "pay-eth", "eth", "0.01", "20")

	agg, err := h.ledger.Contribute(context.Background(), req)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if agg == nil {
		t.Fatal("expected the threshold to be reached")
	}
	rec, err := h.store.GetAccumulationRecord(context.Background(), *agg.AccumulationID)
	if err != nil {
		t.Fatalf("GetAccumulationRecord: %v", err)
	}
	if !rec.AccumulatedUSD.Equal(decimal.RequireFromString("24.500945")) {
		t.Fatalf("expected 24.500945 USD, got %s", rec.AccumulatedUSD)
	}
	if rec.ConversionRate == nil || rec.ConversionRate.String() != "2450.0945" {
		t.Fatalf("expected rate 2450.0945, got %v", rec.ConversionRate)
	}
	if !agg.DeclaredPrice.Equal(rec.AccumulatedUSD) || agg.SettlementCurrency != "eth" {
		t.Fatalf("expected aggregate in eth declared at the USD total, got %s %s", agg.SettlementCurrency, agg.DeclaredPrice)
	}
}

func TestLedger_ValuationFailureLeavesRequestReceived(t *testing.T) {
	h := newHarness()
	req := h.storeThresholdRequest(t, "pay-no-rate", "eth", "0.01", "20")

	if _, err := h.ledger.Contribute(context.Background(), req); err == nil {
		t.Fatal("expected valuation error")
	}
	if got := h.request(t, "pay-no-rate"); got.Status != domain.StatusReceived {
		t.Fatalf("expected request left received, got %s", got.Status)
	}
	records, _ := h.ledger.Records(context.Background(), testClient, 10)
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestSaga_ThresholdPaymentsPayOutTogether(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tok := paymentToken(fmt.Sprintf("pay-th-%d", i), "25")
		tok.PayoutMode = domain.PayoutThreshold
		tok.ThresholdUSD = decimal.NewFromInt(90)
		if _, err := h.orch.HandlePaymentConfirmed(ctx, tok); err != nil {
			t.Fatalf("HandlePaymentConfirmed: %v", err)
		}
		h.drain(t)
	}

	var aggregate *domain.SettlementRequest
	for _, req := range h.store.settlementsForClient(testClient) {
		req := req
		if req.IsAggregated() {
			aggregate = &req
			continue
		}
		if req.Status != domain.StatusAccumulated {
			t.Fatalf("expected contributor %s accumulated, got %s", req.PaymentID, req.Status)
		}
	}
	if aggregate == nil {
		t.Fatal("expected an aggregated request")
	}
	if aggregate.Status != domain.StatusCompleted {
		t.Fatalf("expected aggregate completed, got %s", aggregate.Status)
	}
	// Four payments of 25 less the 1% fee.
	if !aggregate.NetAmount.Equal(decimal.RequireFromString("99")) {
		t.Fatalf("expected aggregate of 99, got %s", aggregate.NetAmount)
	}
	if len(h.chain.signed) != 1 {
		t.Fatalf("expected one payout for all payments, got %d", len(h.chain.signed))
	}

	rec, err := h.store.GetAccumulationRecord(ctx, *aggregate.AccumulationID)
	if err != nil {
		t.Fatalf("GetAccumulationRecord: %v", err)
	}
	if !rec.IsPaidOut || rec.ConversionStatus != domain.ConversionCompleted {
		t.Fatalf("expected record paid out, got %s paid=%t", rec.ConversionStatus, rec.IsPaidOut)
	}
	if rec.ConversionTxRef == nil || *rec.ConversionTxRef != *aggregate.TxHash {
		t.Fatal("expected record to carry the payout tx hash")
	}

	triggered := 0
	for _, typ := range h.events.types() {
		if typ == domain.EventAccumulationTriggered {
			triggered++
		}
	}
	if triggered != 1 {
		t.Fatalf("expected one accumulation.triggered event, got %d", triggered)
	}
}

func TestLedger_SettlementFinishedMarksFailure(t *testing.T) {
	h := newHarness()
	req := h.storeThresholdRequest(t, "pay-fail-agg", "usdt", "100", "50")
	agg, err := h.ledger.Contribute(context.Background(), req)
	if err != nil || agg == nil {
		t.Fatalf("Contribute: agg=%v err=%v", agg, err)
	}

	if err := h.store.TransitionSettlement(context.Background(), agg, domain.StatusFailed, store.SettlementUpdate{}); err != nil {
		t.Fatalf("TransitionSettlement: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.ledger.SettlementFinished(context.Background(), agg); err != nil {
			t.Fatalf("SettlementFinished #%d: %v", i+1, err)
		}
	}
	rec, _ := h.store.GetAccumulationRecord(context.Background(), *agg.AccumulationID)
	if rec.ConversionStatus != domain.ConversionFailed || rec.IsPaidOut {
		t.Fatalf("expected failed unpaid record, got %s paid=%t", rec.ConversionStatus, rec.IsPaidOut)
	}
}
