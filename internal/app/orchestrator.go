/**
 * @description
 * This file contains the settlement saga. The Orchestrator drives one SettlementRequest
 * from RECEIVED to COMPLETED or FAILED, one task at a time:
 *
 *	RECEIVED -> ESTIMATING -> SWAP_REQUESTED -> SWAP_CONFIRMED -> EXECUTING -> CONFIRMING -> COMPLETED
 *
 * Direct payouts (payout asset equal to the settlement asset) go from ESTIMATING straight
 * to EXECUTING and complete on the executor's confirmed report. Threshold-mode payments
 * are handed to the Ledger instead of being estimated.
 *
 * @notes
 * - Every handler starts from the persisted status, so redelivered tasks resume where
 *   the previous delivery stopped instead of repeating work.
 * - Status changes are guarded by the row version. A delivery that loses the race
 *   stops quietly; the winner owns the next step.
 * - Classified failures (errclass) drive the saga: retryable ones re-dispatch the same
 *   stage after RetryDelay until MaxRetryDuration, anything else fails the request.
 *   Unclassified failures (database, decoding) are returned to the task layer, which
 *   redelivers the task.
 *
 * @dependencies
 * - internal/store: Settlement requests.
 * - internal/dispatch, pkg/token: Next-hop tasks.
 * - pkg/exchangeclient: Quotes, swap orders and order status.
 * - pkg/rabbitmq: Domain events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/errclass"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/exchangeclient"
	"github.com/transfa/settlement-service/pkg/rabbitmq"
)

// Quoter returns conversion estimates. *exchangeclient.Quoter satisfies it.
type Quoter interface {
	Quote(ctx context.Context, pair exchangeclient.Pair, amount decimal.Decimal) (exchangeclient.ConversionQuote, error)
}

// ExchangeAPI submits and tracks swap orders. *exchangeclient.Client satisfies it.
type ExchangeAPI interface {
	CreateExchange(ctx context.Context, req exchangeclient.CreateExchangeRequest) (*exchangeclient.Exchange, error)
	GetExchangeStatus(ctx context.Context, id string) (*exchangeclient.ExchangeStatus, error)
}

// OrchestratorConfig holds the saga's money and timing settings.
type OrchestratorConfig struct {
	// FeePercent of the actual received amount is retained by the platform.
	FeePercent       decimal.Decimal
	RetryDelay       time.Duration
	StatusDelay      time.Duration
	MaxRetryDuration time.Duration
	EventExchange    string
}

// errSuperseded stops a delivery whose request was advanced by another delivery.
var errSuperseded = errors.New("settlement request advanced concurrently")

// Orchestrator runs the settlement saga.
type Orchestrator struct {
	repo       store.SettlementRepository
	ledger     *Ledger
	quoter     Quoter
	exchange   ExchangeAPI
	dispatcher dispatch.Dispatcher
	events     rabbitmq.Publisher
	codecs     domain.TokenCodecs
	cfg        OrchestratorConfig
	now        func() time.Time
}

func NewOrchestrator(repo store.SettlementRepository, ledger *Ledger, quoter Quoter, exchange ExchangeAPI, dispatcher dispatch.Dispatcher, events rabbitmq.Publisher, codecs domain.TokenCodecs, cfg OrchestratorConfig) *Orchestrator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.StatusDelay <= 0 {
		cfg.StatusDelay = 5 * time.Minute
	}
	if cfg.MaxRetryDuration <= 0 {
		cfg.MaxRetryDuration = 24 * time.Hour
	}
	if cfg.EventExchange == "" {
		cfg.EventExchange = "settlement.events"
	}
	return &Orchestrator{
		repo:       repo,
		ledger:     ledger,
		quoter:     quoter,
		exchange:   exchange,
		dispatcher: dispatcher,
		events:     events,
		codecs:     codecs,
		cfg:        cfg,
		now:        time.Now,
	}
}

// HandlePaymentConfirmed records an upstream payment and starts its saga. The upstream
// payment id is the idempotency key: a repeated payment resumes the existing request.
func (o *Orchestrator) HandlePaymentConfirmed(ctx context.Context, tok domain.PaymentConfirmedToken) (*domain.SettlementRequest, error) {
	if err := validatePayment(tok); err != nil {
		return nil, err
	}
	mode := tok.PayoutMode
	if mode == "" {
		mode = domain.PayoutInstant
	}

	fee := tok.ActualAmount.Mul(o.cfg.FeePercent).Shift(-2).Truncate(18)
	req := &domain.SettlementRequest{
		IdempotencyKey:     tok.PaymentID,
		PaymentID:          tok.PaymentID,
		PayerID:            tok.PayerID,
		ClientID:           tok.ClientID,
		WalletAddress:      tok.WalletAddress,
		PayoutCurrency:     tok.PayoutCurrency,
		PayoutNetwork:      tok.PayoutNetwork,
		SettlementCurrency: tok.SettlementCurrency,
		SettlementNetwork:  tok.SettlementNetwork,
		DeclaredPrice:      tok.DeclaredPrice,
		ActualAmount:       tok.ActualAmount,
		FeeAmount:          fee,
		NetAmount:          tok.ActualAmount.Sub(fee),
		PayoutMode:         mode,
		ThresholdUSD:       tok.ThresholdUSD,
		Description:        tok.Description,
		Status:             domain.StatusReceived,
	}
	created, err := o.repo.CreateSettlement(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Printf("level=info component=orchestrator msg=\"duplicate payment; resuming existing request\" payment_id=%s request_id=%s status=%s", tok.PaymentID, req.ID, req.Status)
		if req.Status != domain.StatusReceived {
			return req, nil
		}
	} else {
		sagaTransitions.WithLabelValues(string(domain.StatusReceived)).Inc()
		log.Printf("level=info component=orchestrator msg=\"settlement request received\" request_id=%s payment_id=%s client_id=%d declared_usd=%s actual=%s fee=%s net=%s mode=%s", req.ID, req.PaymentID, req.ClientID, req.DeclaredPrice, req.ActualAmount, req.FeeAmount, req.NetAmount, req.PayoutMode)
	}

	if err := o.dispatchStage(ctx, req, domain.StageEstimate, 0); err != nil {
		return nil, err
	}
	return req, nil
}

func validatePayment(tok domain.PaymentConfirmedToken) error {
	switch {
	case tok.PaymentID == "":
		return errclass.New(errclass.KindUnknown, "payment id is required")
	case tok.WalletAddress == "":
		return errclass.New(errclass.KindInvalidAddress, "payment %s: wallet address is required", tok.PaymentID)
	case tok.PayoutCurrency == "" || tok.PayoutNetwork == "" || tok.SettlementCurrency == "" || tok.SettlementNetwork == "":
		return errclass.New(errclass.KindUnknown, "payment %s: currencies and networks are required", tok.PaymentID)
	case !tok.ActualAmount.IsPositive():
		return errclass.New(errclass.KindInvalidAmount, "payment %s: actual amount must be positive, got %s", tok.PaymentID, tok.ActualAmount)
	case tok.DeclaredPrice.IsNegative():
		return errclass.New(errclass.KindInvalidAmount, "payment %s: declared price is negative", tok.PaymentID)
	}
	switch tok.PayoutMode {
	case "", domain.PayoutInstant:
	case domain.PayoutThreshold:
		if !tok.ThresholdUSD.IsPositive() {
			return errclass.New(errclass.KindInvalidAmount, "payment %s: threshold payout needs a positive threshold", tok.PaymentID)
		}
	default:
		return errclass.New(errclass.KindUnknown, "payment %s: unknown payout mode %q", tok.PaymentID, tok.PayoutMode)
	}
	return nil
}

// HandleEstimate advances a request through every step that does not wait on an
// external outcome: estimation, the swap order and the hand-off to the executor.
func (o *Orchestrator) HandleEstimate(ctx context.Context, tok domain.StageToken) error {
	if tok.Stage != domain.StageEstimate {
		return fmt.Errorf("%w: stage %q on estimate endpoint", ErrTokenMismatch, tok.Stage)
	}
	req, err := o.load(ctx, tok.RequestID, tok.ClientID)
	if err != nil {
		return err
	}
	if err := o.advance(ctx, req); err != nil {
		return o.stepFailed(ctx, req, domain.StageEstimate, err)
	}
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, req *domain.SettlementRequest) error {
	for {
		switch req.Status {
		case domain.StatusReceived:
			if req.PayoutMode == domain.PayoutThreshold && !req.IsAggregated() {
				return o.contribute(ctx, req)
			}
			if err := o.transition(ctx, req, domain.StatusEstimating, store.SettlementUpdate{}); err != nil {
				return err
			}

		case domain.StatusEstimating:
			if err := o.estimate(ctx, req); err != nil {
				return err
			}

		case domain.StatusSwapRequested:
			if err := o.requestSwap(ctx, req); err != nil {
				return err
			}

		case domain.StatusSwapConfirmed:
			if err := o.transition(ctx, req, domain.StatusExecuting, store.SettlementUpdate{}); err != nil {
				return err
			}

		case domain.StatusExecuting:
			return o.dispatchExecute(ctx, req)

		case domain.StatusAccumulated:
			agg, err := o.ledger.AggregateFor(ctx, req)
			if err != nil || agg == nil {
				return err
			}
			if agg.Status == domain.StatusEstimating {
				return o.dispatchStage(ctx, agg, domain.StageEstimate, 0)
			}
			return nil

		case domain.StatusCompleted, domain.StatusFailed:
			return o.ledger.SettlementFinished(ctx, req)

		default:
			return nil
		}
	}
}

func (o *Orchestrator) contribute(ctx context.Context, req *domain.SettlementRequest) error {
	agg, err := o.ledger.Contribute(ctx, req)
	if errors.Is(err, store.ErrStaleSettlement) {
		return errSuperseded
	}
	if err != nil {
		return err
	}
	sagaTransitions.WithLabelValues(string(domain.StatusAccumulated)).Inc()
	if agg == nil {
		return nil
	}
	o.publish(ctx, domain.EventAccumulationTriggered, agg)
	return o.dispatchStage(ctx, agg, domain.StageEstimate, 0)
}

func (o *Orchestrator) estimate(ctx context.Context, req *domain.SettlementRequest) error {
	if !req.NeedsSwap() {
		kind := domain.PayoutDirect
		amount := req.NetAmount
		return o.transition(ctx, req, domain.StatusExecuting, store.SettlementUpdate{PayoutKind: &kind, QuotedAmount: &amount})
	}

	quote, err := o.quoter.Quote(ctx, payoutPair(req), req.NetAmount)
	if err != nil {
		return err
	}
	if !quote.ToAmount.IsPositive() {
		return errclass.New(errclass.KindInvalidAmount, "quote for %s %s returned %s %s", req.NetAmount, req.SettlementCurrency, quote.ToAmount, req.PayoutCurrency)
	}
	log.Printf("level=info component=orchestrator msg=\"conversion estimated\" request_id=%s from=%s/%s to=%s/%s amount=%s expected=%s rate=%s reused=%t", req.ID, req.SettlementCurrency, req.SettlementNetwork, req.PayoutCurrency, req.PayoutNetwork, req.NetAmount, quote.ToAmount, quote.Rate(), quote.Reused)

	kind := domain.PayoutSwap
	expected := quote.ToAmount
	return o.transition(ctx, req, domain.StatusSwapRequested, store.SettlementUpdate{PayoutKind: &kind, QuotedAmount: &expected})
}

// requestSwap submits the exchange order. The version bump before the call makes
// concurrent deliveries of the same task lose the race before an order is placed.
func (o *Orchestrator) requestSwap(ctx context.Context, req *domain.SettlementRequest) error {
	if req.DepositAddress != nil {
		return o.transition(ctx, req, domain.StatusSwapConfirmed, store.SettlementUpdate{})
	}
	if err := o.transition(ctx, req, domain.StatusSwapRequested, store.SettlementUpdate{IncrementAttempts: true}); err != nil {
		return err
	}

	order, err := o.exchange.CreateExchange(ctx, exchangeclient.CreateExchangeRequest{
		FromCurrency: req.SettlementCurrency,
		FromNetwork:  req.SettlementNetwork,
		ToCurrency:   req.PayoutCurrency,
		ToNetwork:    req.PayoutNetwork,
		FromAmount:   req.NetAmount,
		Address:      req.WalletAddress,
		Flow:         "standard",
		Type:         "direct",
	})
	if err != nil {
		return err
	}
	if order.ID == "" || order.PayinAddress == "" {
		return errclass.New(errclass.KindUnknown, "exchange order for %s returned no deposit address", req.ID)
	}
	log.Printf("level=info component=orchestrator msg=\"swap order created\" request_id=%s exchange_id=%s deposit_address=%s expected=%s", req.ID, order.ID, order.PayinAddress, order.ToAmount)

	update := store.SettlementUpdate{ExchangeID: &order.ID, DepositAddress: &order.PayinAddress}
	if order.ToAmount.IsPositive() {
		expected := order.ToAmount
		update.QuotedAmount = &expected
	}
	return o.transition(ctx, req, domain.StatusSwapConfirmed, update)
}

// HandlePayoutReport applies the executor's outcome for the current payout attempt.
func (o *Orchestrator) HandlePayoutReport(ctx context.Context, rep domain.PayoutReportToken) error {
	req, err := o.load(ctx, rep.RequestID, rep.ClientID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return o.ledger.SettlementFinished(ctx, req)
	}

	if int(rep.Attempt) != req.PayoutAttempt {
		// A dropped report whose follow-up attempt was never dispatched.
		if rep.Status == domain.PayoutDropped && int(rep.Attempt)+1 == req.PayoutAttempt && req.Status == domain.StatusExecuting {
			return ignoreSuperseded(o.dispatchExecute(ctx, req))
		}
		log.Printf("level=warn component=orchestrator msg=\"ignoring report for superseded payout attempt\" request_id=%s attempt=%d current=%d", req.ID, rep.Attempt, req.PayoutAttempt)
		return nil
	}

	switch req.Status {
	case domain.StatusExecuting, domain.StatusConfirming:
	default:
		log.Printf("level=warn component=orchestrator msg=\"payout report outside execution\" request_id=%s status=%s", req.ID, req.Status)
		return nil
	}

	update := store.SettlementUpdate{}
	if rep.ReestimatedDest.IsPositive() {
		reestimated := rep.ReestimatedDest
		update.QuotedAmount = &reestimated
		log.Printf("level=info component=orchestrator msg=\"payout re-estimated\" request_id=%s quoted=%s reestimated=%s", req.ID, req.QuotedAmount, reestimated)
	}

	switch rep.Status {
	case domain.PayoutPending:
		if req.Status == domain.StatusConfirming {
			return nil
		}
		hash := rep.TxHash
		update.TxHash = &hash
		return ignoreSuperseded(o.transition(ctx, req, domain.StatusConfirming, update))

	case domain.PayoutConfirmed:
		hash := rep.TxHash
		update.TxHash = &hash
		if req.Status == domain.StatusExecuting {
			// The pending report has not been applied yet.
			if err := o.transition(ctx, req, domain.StatusConfirming, update); err != nil {
				return ignoreSuperseded(err)
			}
			update = store.SettlementUpdate{}
		}
		if req.PayoutKind == domain.PayoutSwap {
			return ignoreSuperseded(o.dispatchStage(ctx, req, domain.StageExchangeStatus, o.cfg.StatusDelay))
		}
		received := rep.AmountSent
		update.ReceivedAmount = &received
		return ignoreSuperseded(o.complete(ctx, req, update))

	case domain.PayoutDropped:
		update.NextPayoutAttempt = true
		log.Printf("level=warn component=orchestrator msg=\"payout dropped by the network; executing a new attempt\" request_id=%s attempt=%d tx_hash=%s", req.ID, rep.Attempt, rep.TxHash)
		if err := o.transition(ctx, req, domain.StatusExecuting, update); err != nil {
			return ignoreSuperseded(err)
		}
		return ignoreSuperseded(o.dispatchExecute(ctx, req))

	case domain.PayoutFailed:
		kind := errclass.Kind(rep.ErrorKind)
		if !kind.Valid() {
			kind = errclass.KindUnknown
		}
		return ignoreSuperseded(o.fail(ctx, req, kind, rep.Reason))
	}
	return errclass.New(errclass.KindUnknown, "payout report for %s has unknown status %q", req.ID, rep.Status)
}

// HandleExchangeStatus polls the swap order of a CONFIRMING request.
func (o *Orchestrator) HandleExchangeStatus(ctx context.Context, tok domain.StageToken) error {
	if tok.Stage != domain.StageExchangeStatus {
		return fmt.Errorf("%w: stage %q on exchange status endpoint", ErrTokenMismatch, tok.Stage)
	}
	req, err := o.load(ctx, tok.RequestID, tok.ClientID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return o.ledger.SettlementFinished(ctx, req)
	}
	if req.Status != domain.StatusConfirming {
		return nil
	}
	if req.ExchangeID == nil {
		return ignoreSuperseded(o.fail(ctx, req, errclass.KindUnknown, "confirming swap payout without exchange id"))
	}

	status, err := o.exchange.GetExchangeStatus(ctx, *req.ExchangeID)
	if errors.Is(err, exchangeclient.ErrOrderNotFound) {
		return ignoreSuperseded(o.fail(ctx, req, errclass.KindUnknown, err.Error()))
	}
	if err != nil {
		return o.stepFailed(ctx, req, domain.StageExchangeStatus, err)
	}

	switch status.Status {
	case exchangeclient.OrderFinished:
		received := status.ExpectedAmountTo
		if status.AmountTo != nil && status.AmountTo.IsPositive() {
			received = *status.AmountTo
		}
		if rate, err := domain.ConversionRate(req.NetAmount, received); err == nil {
			log.Printf("level=info component=orchestrator msg=\"swap finished\" request_id=%s exchange_id=%s sent=%s %s received=%s %s rate=%s quoted=%s", req.ID, status.ID, req.NetAmount, req.SettlementCurrency, received, req.PayoutCurrency, rate, req.QuotedAmount)
		}
		return ignoreSuperseded(o.complete(ctx, req, store.SettlementUpdate{ReceivedAmount: &received}))

	case exchangeclient.OrderFailed, exchangeclient.OrderRefunded, exchangeclient.OrderExpired:
		return ignoreSuperseded(o.fail(ctx, req, errclass.KindUnknown, "exchange order "+status.Status))
	}

	if o.now().Sub(req.CreatedAt) >= o.cfg.MaxRetryDuration {
		return ignoreSuperseded(o.fail(ctx, req, errclass.KindConfirmationTimeout, fmt.Sprintf("exchange order still %s after %s", status.Status, o.cfg.MaxRetryDuration)))
	}
	return ignoreSuperseded(o.dispatchStage(ctx, req, domain.StageExchangeStatus, o.cfg.StatusDelay))
}

// ignoreSuperseded absorbs a lost race. Other errors reach the task layer unchanged.
func ignoreSuperseded(err error) error {
	if errors.Is(err, errSuperseded) {
		return nil
	}
	return err
}

// stepFailed decides between a delayed retry of stage and failing the request.
func (o *Orchestrator) stepFailed(ctx context.Context, req *domain.SettlementRequest, stage string, err error) error {
	if errors.Is(err, errSuperseded) {
		return nil
	}
	var classified *errclass.Error
	if !errors.As(err, &classified) || req.Status.Terminal() {
		return err
	}

	kind, retry := errclass.Classify(err)
	if !retry {
		return ignoreSuperseded(o.fail(ctx, req, kind, err.Error()))
	}
	if o.now().Sub(req.CreatedAt) >= o.cfg.MaxRetryDuration {
		return ignoreSuperseded(o.fail(ctx, req, kind, fmt.Sprintf("retry budget of %s exhausted: %v", o.cfg.MaxRetryDuration, err)))
	}

	if terr := o.transition(ctx, req, req.Status, store.SettlementUpdate{IncrementAttempts: true}); terr != nil {
		return ignoreSuperseded(terr)
	}
	sagaRetries.WithLabelValues(stage, string(kind)).Inc()
	log.Printf("level=warn component=orchestrator msg=\"step failed; retrying after delay\" request_id=%s stage=%s status=%s attempt=%d kind=%s delay=%s err=%v", req.ID, stage, req.Status, req.Attempts, kind, o.cfg.RetryDelay, err)
	return o.dispatchStage(ctx, req, stage, o.cfg.RetryDelay)
}

func (o *Orchestrator) complete(ctx context.Context, req *domain.SettlementRequest, update store.SettlementUpdate) error {
	if err := o.transition(ctx, req, domain.StatusCompleted, update); err != nil {
		return err
	}
	log.Printf("level=info component=orchestrator msg=\"settlement completed\" request_id=%s payment_id=%s client_id=%d received=%s %s tx_hash=%s", req.ID, req.PaymentID, req.ClientID, req.ReceivedAmount, req.PayoutCurrency, deref(req.TxHash))
	o.publish(ctx, domain.EventSettlementCompleted, req)
	return o.ledger.SettlementFinished(ctx, req)
}

func (o *Orchestrator) fail(ctx context.Context, req *domain.SettlementRequest, kind errclass.Kind, reason string) error {
	k := string(kind)
	reason = truncateReason(reason)
	if err := o.transition(ctx, req, domain.StatusFailed, store.SettlementUpdate{ErrorKind: &k, FailureReason: &reason}); err != nil {
		return err
	}
	log.Printf("level=error component=orchestrator msg=\"settlement failed\" request_id=%s payment_id=%s client_id=%d error_kind=%s reason=%q", req.ID, req.PaymentID, req.ClientID, kind, reason)
	o.publish(ctx, domain.EventSettlementFailed, req)
	return o.ledger.SettlementFinished(ctx, req)
}

// transition persists a status change. When another delivery changed the row first,
// req is refreshed and errSuperseded is returned.
func (o *Orchestrator) transition(ctx context.Context, req *domain.SettlementRequest, to domain.SettlementStatus, update store.SettlementUpdate) error {
	from := req.Status
	err := o.repo.TransitionSettlement(ctx, req, to, update)
	if errors.Is(err, store.ErrStaleSettlement) {
		if fresh, gerr := o.repo.GetSettlement(ctx, req.ID); gerr == nil {
			*req = *fresh
		}
		log.Printf("level=info component=orchestrator msg=\"request advanced by another delivery\" request_id=%s from=%s to=%s now=%s", req.ID, from, to, req.Status)
		return errSuperseded
	}
	if err != nil {
		return err
	}
	if from != to {
		sagaTransitions.WithLabelValues(string(to)).Inc()
		log.Printf("level=info component=orchestrator msg=\"status changed\" request_id=%s from=%s to=%s", req.ID, from, to)
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, rawID string, clientID int64) (*domain.SettlementRequest, error) {
	id, err := parseRequestID(rawID)
	if err != nil {
		return nil, err
	}
	req, err := o.repo.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ClientID != clientID {
		return nil, fmt.Errorf("%w: request %s belongs to client %d, token names %d", ErrTokenMismatch, id, req.ClientID, clientID)
	}
	return req, nil
}

// Settlement returns a request for operator reads.
func (o *Orchestrator) Settlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRequest, error) {
	return o.repo.GetSettlement(ctx, id)
}

// SettlementByPayment returns the request created for an upstream payment id.
func (o *Orchestrator) SettlementByPayment(ctx context.Context, paymentID string) (*domain.SettlementRequest, error) {
	return o.repo.GetSettlementByIdempotencyKey(ctx, paymentID)
}

func (o *Orchestrator) dispatchStage(ctx context.Context, req *domain.SettlementRequest, stage string, delay time.Duration) error {
	path := PathEstimate
	if stage == domain.StageExchangeStatus {
		path = PathExchangeStatus
	}
	tok := domain.StageToken{
		ClientID:  req.ClientID,
		PayerID:   req.PayerID,
		Attempt:   uint16(req.Attempts),
		RequestID: req.ID.String(),
		Stage:     stage,
	}
	return sendToken(ctx, o.dispatcher, o.codecs.Orchestration, QueueOrchestrate, path, tok, delay)
}

func (o *Orchestrator) dispatchExecute(ctx context.Context, req *domain.SettlementRequest) error {
	destination := req.WalletAddress
	if req.PayoutKind == domain.PayoutSwap {
		if req.DepositAddress == nil {
			return errclass.New(errclass.KindInvalidAddress, "swap payout %s has no deposit address", req.ID)
		}
		destination = *req.DepositAddress
	}
	quoted := decimal.Zero
	if req.QuotedAmount != nil {
		quoted = *req.QuotedAmount
	}
	tok := domain.ExecuteToken{
		ClientID:         req.ClientID,
		PayerID:          req.PayerID,
		Attempt:          uint16(req.PayoutAttempt),
		RequestID:        req.ID.String(),
		Destination:      destination,
		Currency:         req.SettlementCurrency,
		Network:          req.SettlementNetwork,
		Amount:           req.NetAmount,
		QuotedDestAmount: quoted,
		DestCurrency:     req.PayoutCurrency,
		DestNetwork:      req.PayoutNetwork,
		PayoutKind:       req.PayoutKind,
		ExchangeID:       deref(req.ExchangeID),
	}
	return sendToken(ctx, o.dispatcher, o.codecs.Execution, QueueExecute, PathExecute, tok, 0)
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, req *domain.SettlementRequest) {
	if o.events == nil {
		return
	}
	amount := req.NetAmount
	if req.ReceivedAmount != nil {
		amount = *req.ReceivedAmount
	}
	event := domain.SettlementEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		SettlementID:   req.ID.String(),
		PaymentID:      req.PaymentID,
		ClientID:       req.ClientID,
		Status:         string(req.Status),
		PayoutCurrency: req.PayoutCurrency,
		Amount:         amount.String(),
		TxHash:         deref(req.TxHash),
		ErrorKind:      deref(req.ErrorKind),
		Reason:         deref(req.FailureReason),
		OccurredAt:     o.now().UTC(),
	}
	if err := o.events.Publish(ctx, o.cfg.EventExchange, eventType, event); err != nil {
		log.Printf("level=warn component=orchestrator msg=\"failed to publish settlement event\" event_type=%s request_id=%s err=%v", eventType, req.ID, err)
	}
}

func payoutPair(req *domain.SettlementRequest) exchangeclient.Pair {
	return exchangeclient.Pair{
		FromCurrency: req.SettlementCurrency,
		FromNetwork:  req.SettlementNetwork,
		ToCurrency:   req.PayoutCurrency,
		ToNetwork:    req.PayoutNetwork,
	}
}
