/**
 * @description
 * The Executor is the only holder of the host wallet key. It turns ExecuteTokens into
 * signed on-chain transfers of the settlement asset, tracks their confirmation and
 * reports the outcome back to the orchestrator with a PayoutReportToken.
 *
 * @notes
 * - Each (request, payout attempt) owns exactly one HostPayoutTransaction row. The row is
 *   claimed before signing and the signed bytes are stored before broadcasting, so a
 *   redelivered task re-broadcasts the same transaction instead of paying twice.
 * - Native-coin payouts pay their own network fee out of the forwarded amount.
 * - Failures are classified with errclass. Retryable ones re-enqueue the same task
 *   after RetryDelay until MaxRetryDuration; the rest finalize the attempt as failed.
 *
 * @dependencies
 * - pkg/chain: Signing, broadcast and receipts (go-ethereum).
 * - internal/store: Host payout transactions.
 * - internal/dispatch, pkg/token: Confirm and report tasks.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/errclass"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chain"
	"github.com/transfa/settlement-service/pkg/exchangeclient"
)

// ChainClient is the wallet surface the executor needs. *chain.Client satisfies it.
type ChainClient interface {
	SignTransfer(ctx context.Context, t chain.Transfer) (*chain.SignedTransfer, error)
	Broadcast(ctx context.Context, raw []byte) (string, error)
	CheckReceipt(ctx context.Context, hash string) (chain.Receipt, error)
	Known(ctx context.Context, hash string) (bool, error)
	NativeTransferFee(ctx context.Context) (*big.Int, error)
}

// ExecutorConfig holds the executor's timing and tolerance settings.
type ExecutorConfig struct {
	RetryDelay       time.Duration
	ConfirmDelay     time.Duration
	MaxRetryDuration time.Duration
	// ClaimStaleAfter lets another delivery take over an unsigned attempt.
	ClaimStaleAfter time.Duration
	// DropAfter is how long a broadcast transaction may be unknown to the node before
	// the attempt is reported as dropped.
	DropAfter time.Duration
	// ReestimateTolerance is the relative difference between the quoted and the
	// sendable amount above which the payout is re-quoted.
	ReestimateTolerance decimal.Decimal
}

// Executor signs, broadcasts and confirms payouts.
type Executor struct {
	repo       store.PayoutRepository
	chain      ChainClient
	assets     *domain.AssetRegistry
	quoter     Quoter
	dispatcher dispatch.Dispatcher
	codecs     domain.TokenCodecs
	cfg        ExecutorConfig
	now        func() time.Time
}

func NewExecutor(repo store.PayoutRepository, chainClient ChainClient, assets *domain.AssetRegistry, quoter Quoter, dispatcher dispatch.Dispatcher, codecs domain.TokenCodecs, cfg ExecutorConfig) *Executor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 60 * time.Second
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = 30 * time.Second
	}
	if cfg.MaxRetryDuration <= 0 {
		cfg.MaxRetryDuration = 24 * time.Hour
	}
	if cfg.ClaimStaleAfter <= 0 {
		cfg.ClaimStaleAfter = 10 * time.Minute
	}
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = time.Hour
	}
	if !cfg.ReestimateTolerance.IsPositive() {
		cfg.ReestimateTolerance = decimal.RequireFromString("0.02")
	}
	return &Executor{
		repo:       repo,
		chain:      chainClient,
		assets:     assets,
		quoter:     quoter,
		dispatcher: dispatcher,
		codecs:     codecs,
		cfg:        cfg,
		now:        time.Now,
	}
}

// HandleExecute sends the payout named by tok, or resumes the attempt a previous
// delivery started.
func (e *Executor) HandleExecute(ctx context.Context, tok domain.ExecuteToken) error {
	requestID, err := parseRequestID(tok.RequestID)
	if err != nil {
		return err
	}
	if tok.Attempt == 0 {
		return fmt.Errorf("%w: payout attempt 0", ErrTokenMismatch)
	}

	payout, acquired, err := e.repo.ClaimPayout(ctx, &domain.HostPayoutTransaction{
		SettlementRequestID: requestID,
		Attempt:             int(tok.Attempt),
		ClientID:            tok.ClientID,
		PayerID:             tok.PayerID,
		Destination:         tok.Destination,
		Currency:            tok.Currency,
		Network:             tok.Network,
		Amount:              tok.Amount,
		Status:              domain.PayoutPending,
	}, e.cfg.ClaimStaleAfter)
	if err != nil {
		return err
	}
	if payout.ClientID != tok.ClientID {
		return fmt.Errorf("%w: payout %s belongs to client %d", ErrTokenMismatch, payout.ID, payout.ClientID)
	}

	switch {
	case payout.Status.Final():
		return e.reportPayout(ctx, payout)
	case len(payout.RawTx) > 0:
		log.Printf("level=info component=executor msg=\"resuming signed payout\" request_id=%s attempt=%d tx_hash=%s broadcast=%t", requestID, payout.Attempt, deref(payout.TxHash), payout.BroadcastAt != nil)
		if payout.BroadcastAt == nil {
			if err := e.broadcast(ctx, payout); err != nil {
				return e.broadcastFailed(ctx, tok, payout, err)
			}
		}
		return e.broadcasted(ctx, tok, payout)
	case !acquired:
		return store.ErrPayoutInProgress
	}

	asset, err := e.assets.Lookup(tok.Currency, tok.Network)
	if err != nil {
		return e.finish(ctx, payout, failedResult(errclass.KindUnknown, err.Error()))
	}

	sendable := tok.Amount
	if asset.Native() {
		feeWei, err := e.chain.NativeTransferFee(ctx)
		if err != nil {
			return e.executeFailed(ctx, tok, payout, err)
		}
		sendable = sendable.Sub(domain.ToDecimal(feeWei, asset.Decimals))
		if !sendable.IsPositive() {
			return e.finish(ctx, payout, failedResult(errclass.KindInsufficientFunds, fmt.Sprintf("network fee exceeds payout amount %s %s", tok.Amount, tok.Currency)))
		}
	}
	base := domain.ToBaseUnits(sendable, asset.Decimals)
	if base.Sign() <= 0 {
		return e.finish(ctx, payout, failedResult(errclass.KindInvalidAmount, fmt.Sprintf("payout amount %s %s is below one base unit", sendable, tok.Currency)))
	}
	sendable = domain.ToDecimal(base, asset.Decimals)
	var reestimated *decimal.Decimal
	if d := e.reestimate(ctx, tok, sendable); d.IsPositive() {
		reestimated = &d
	}

	signed, err := e.chain.SignTransfer(ctx, chain.Transfer{To: tok.Destination, Amount: base, Token: asset.Contract})
	if err != nil {
		return e.executeFailed(ctx, tok, payout, err)
	}
	if err := e.repo.SavePayoutSigned(ctx, payout.ID, sendable, reestimated, signed.Nonce, signed.Hash, signed.Raw); err != nil {
		if !errors.Is(err, store.ErrPayoutInProgress) {
			if rerr := e.repo.ReleasePayoutClaim(ctx, payout.ID); rerr != nil {
				log.Printf("level=warn component=executor msg=\"failed to release payout claim\" payout_id=%s err=%v", payout.ID, rerr)
			}
		}
		return err
	}
	payout.Amount = sendable
	payout.ReestimatedDest = reestimated
	payout.Nonce = &signed.Nonce
	payout.TxHash = &signed.Hash
	payout.RawTx = signed.Raw
	log.Printf("level=info component=executor msg=\"payout signed\" request_id=%s attempt=%d to=%s amount=%s %s nonce=%d tx_hash=%s", requestID, payout.Attempt, tok.Destination, sendable, tok.Currency, signed.Nonce, signed.Hash)

	if err := e.broadcast(ctx, payout); err != nil {
		return e.broadcastFailed(ctx, tok, payout, err)
	}
	return e.broadcasted(ctx, tok, payout)
}

// reestimate re-quotes the payout when the sendable amount moved too far from the
// amount the orchestrator quoted. It returns zero when no new quote is needed.
func (e *Executor) reestimate(ctx context.Context, tok domain.ExecuteToken, sendable decimal.Decimal) decimal.Decimal {
	if !tok.Amount.IsPositive() {
		return decimal.Zero
	}
	drift := tok.Amount.Sub(sendable).Abs().DivRound(tok.Amount, 18)
	if drift.LessThanOrEqual(e.cfg.ReestimateTolerance) {
		return decimal.Zero
	}
	if tok.PayoutKind == domain.PayoutDirect {
		return sendable
	}
	if e.quoter == nil {
		return decimal.Zero
	}
	quote, err := e.quoter.Quote(ctx, exchangeclient.Pair{
		FromCurrency: tok.Currency,
		FromNetwork:  tok.Network,
		ToCurrency:   tok.DestCurrency,
		ToNetwork:    tok.DestNetwork,
	}, sendable)
	if err != nil {
		log.Printf("level=warn component=executor msg=\"re-estimate failed; keeping original quote\" request_id=%s err=%v", tok.RequestID, err)
		return decimal.Zero
	}
	log.Printf("level=info component=executor msg=\"payout re-estimated\" request_id=%s drift=%s quoted=%s reestimated=%s", tok.RequestID, drift, tok.QuotedDestAmount, quote.ToAmount)
	return quote.ToAmount
}

func (e *Executor) broadcast(ctx context.Context, payout *domain.HostPayoutTransaction) error {
	hash, err := e.chain.Broadcast(ctx, payout.RawTx)
	if err != nil {
		chainBroadcasts.WithLabelValues("error").Inc()
		return err
	}
	chainBroadcasts.WithLabelValues("ok").Inc()
	if err := e.repo.MarkPayoutBroadcast(ctx, payout.ID); err != nil {
		return err
	}
	now := e.now().UTC()
	payout.BroadcastAt = &now
	log.Printf("level=info component=executor msg=\"payout broadcast\" request_id=%s attempt=%d tx_hash=%s", payout.SettlementRequestID, payout.Attempt, hash)
	return nil
}

// broadcastFailed handles a rejected broadcast. A nonce conflict either means the node
// already has the transaction or that the nonce was used elsewhere, in which case the
// signature is discarded and the attempt is signed again on retry.
func (e *Executor) broadcastFailed(ctx context.Context, tok domain.ExecuteToken, payout *domain.HostPayoutTransaction, err error) error {
	kind, _ := errclass.Classify(err)
	if kind == errclass.KindNonceConflict && payout.TxHash != nil {
		known, kerr := e.chain.Known(ctx, *payout.TxHash)
		switch {
		case kerr != nil:
			log.Printf("level=warn component=executor msg=\"could not check conflicting transaction\" tx_hash=%s err=%v", *payout.TxHash, kerr)
		case known:
			if err := e.repo.MarkPayoutBroadcast(ctx, payout.ID); err != nil {
				return err
			}
			return e.broadcasted(ctx, tok, payout)
		default:
			log.Printf("level=warn component=executor msg=\"nonce consumed elsewhere; discarding signed payout\" request_id=%s attempt=%d tx_hash=%s", payout.SettlementRequestID, payout.Attempt, *payout.TxHash)
			if err := e.repo.ResetPayoutSigned(ctx, payout.ID); err != nil {
				return err
			}
			payout.RawTx, payout.TxHash, payout.Nonce = nil, nil, nil
		}
	}
	return e.executeFailed(ctx, tok, payout, err)
}

// broadcasted schedules the receipt check and reports the payout as pending so the
// request moves on to CONFIRMING.
func (e *Executor) broadcasted(ctx context.Context, tok domain.ExecuteToken, payout *domain.HostPayoutTransaction) error {
	err := e.scheduleConfirm(ctx, payout, e.cfg.ConfirmDelay)
	if err == nil {
		err = e.reportPayout(ctx, payout)
	}
	return e.retryOrFail(ctx, tok, payout, err)
}

func (e *Executor) retryOrFail(ctx context.Context, tok domain.ExecuteToken, payout *domain.HostPayoutTransaction, err error) error {
	if err == nil {
		return nil
	}
	return e.executeFailed(ctx, tok, payout, err)
}

// executeFailed re-enqueues the execute task for retryable failures and finalizes the
// attempt otherwise.
func (e *Executor) executeFailed(ctx context.Context, tok domain.ExecuteToken, payout *domain.HostPayoutTransaction, err error) error {
	kind, retry := errclass.Classify(err)
	if retry && e.now().Sub(payout.CreatedAt) < e.cfg.MaxRetryDuration {
		if len(payout.RawTx) == 0 {
			if rerr := e.repo.ReleasePayoutClaim(ctx, payout.ID); rerr != nil {
				log.Printf("level=warn component=executor msg=\"failed to release payout claim\" payout_id=%s err=%v", payout.ID, rerr)
			}
		}
		log.Printf("level=warn component=executor msg=\"payout step failed; retrying after delay\" request_id=%s attempt=%d kind=%s delay=%s err=%v", tok.RequestID, tok.Attempt, kind, e.cfg.RetryDelay, err)
		return sendToken(ctx, e.dispatcher, e.codecs.Execution, QueueExecute, PathExecute, tok, e.cfg.RetryDelay)
	}
	reason := err.Error()
	if retry {
		reason = fmt.Sprintf("retry budget of %s exhausted: %v", e.cfg.MaxRetryDuration, err)
	}
	return e.finish(ctx, payout, failedResult(kind, reason))
}

// HandleConfirm checks the receipt of a broadcast payout.
func (e *Executor) HandleConfirm(ctx context.Context, tok domain.ConfirmToken) error {
	requestID, err := parseRequestID(tok.RequestID)
	if err != nil {
		return err
	}
	payout, err := e.repo.GetPayout(ctx, requestID, int(tok.Attempt))
	if err != nil {
		return err
	}
	if payout.ClientID != tok.ClientID {
		return fmt.Errorf("%w: payout %s belongs to client %d", ErrTokenMismatch, payout.ID, payout.ClientID)
	}
	if payout.ReestimatedDest == nil && tok.ReestimatedDest.IsPositive() {
		reestimated := tok.ReestimatedDest
		payout.ReestimatedDest = &reestimated
	}
	if payout.Status.Final() {
		return e.reportPayout(ctx, payout)
	}
	if payout.TxHash == nil || *payout.TxHash != tok.TxHash {
		log.Printf("level=warn component=executor msg=\"confirm task for replaced transaction; ignoring\" request_id=%s attempt=%d tx_hash=%s current=%s", requestID, tok.Attempt, tok.TxHash, deref(payout.TxHash))
		return nil
	}

	receipt, err := e.chain.CheckReceipt(ctx, tok.TxHash)
	if err != nil {
		kind, retry := errclass.Classify(err)
		if retry && e.now().Sub(payout.CreatedAt) < e.cfg.MaxRetryDuration {
			log.Printf("level=warn component=executor msg=\"receipt lookup failed; retrying after delay\" request_id=%s tx_hash=%s kind=%s err=%v", requestID, tok.TxHash, kind, err)
			return e.scheduleConfirm(ctx, payout, e.cfg.RetryDelay)
		}
		return e.finish(ctx, payout, failedResult(kind, err.Error()))
	}
	if err := e.repo.MarkPayoutChecked(ctx, payout.ID); err != nil {
		log.Printf("level=warn component=executor msg=\"failed to record confirmation check\" payout_id=%s err=%v", payout.ID, err)
	}

	if receipt.Found {
		if receipt.Success {
			block, gas := receipt.BlockNumber, receipt.GasUsed
			return e.finish(ctx, payout, store.PayoutResult{Status: domain.PayoutConfirmed, BlockNumber: &block, GasUsed: &gas})
		}
		return e.finish(ctx, payout, failedResult(errclass.KindRevertedPermanent, fmt.Sprintf("transaction %s reverted in block %d", tok.TxHash, receipt.BlockNumber)))
	}

	since := payout.CreatedAt
	if payout.BroadcastAt != nil {
		since = *payout.BroadcastAt
	}
	if e.now().Sub(since) >= e.cfg.DropAfter {
		known, kerr := e.chain.Known(ctx, tok.TxHash)
		if kerr == nil && !known {
			reason := fmt.Sprintf("transaction %s unknown to the node %s after broadcast", tok.TxHash, e.cfg.DropAfter)
			return e.finish(ctx, payout, store.PayoutResult{Status: domain.PayoutDropped, FailureReason: &reason})
		}
	}
	if e.now().Sub(payout.CreatedAt) >= e.cfg.MaxRetryDuration {
		log.Printf("level=error component=executor msg=\"payout not confirmed within retry budget\" request_id=%s attempt=%d tx_hash=%s", requestID, tok.Attempt, tok.TxHash)
		return e.finish(ctx, payout, failedResult(errclass.KindConfirmationTimeout, fmt.Sprintf("transaction %s not confirmed after %s", tok.TxHash, e.cfg.MaxRetryDuration)))
	}
	return e.scheduleConfirm(ctx, payout, e.cfg.ConfirmDelay)
}

func failedResult(kind errclass.Kind, reason string) store.PayoutResult {
	k := string(kind)
	reason = truncateReason(reason)
	return store.PayoutResult{Status: domain.PayoutFailed, ErrorKind: &k, FailureReason: &reason}
}

// finish finalizes the attempt and reports it. When the attempt was already final the
// stored outcome is reported instead.
func (e *Executor) finish(ctx context.Context, payout *domain.HostPayoutTransaction, result store.PayoutResult) error {
	changed, err := e.repo.FinalizePayout(ctx, payout.ID, result)
	if err != nil {
		return err
	}
	if !changed {
		stored, err := e.repo.GetPayout(ctx, payout.SettlementRequestID, payout.Attempt)
		if err != nil {
			return err
		}
		return e.reportPayout(ctx, stored)
	}

	payout.Status = result.Status
	payout.BlockNumber = result.BlockNumber
	payout.GasUsed = result.GasUsed
	payout.ErrorKind = result.ErrorKind
	payout.FailureReason = result.FailureReason
	payoutOutcomes.WithLabelValues(string(result.Status)).Inc()
	level := "info"
	if result.Status != domain.PayoutConfirmed {
		level = "error"
	}
	log.Printf("level=%s component=executor msg=\"payout finalized\" request_id=%s attempt=%d status=%s tx_hash=%s error_kind=%s", level, payout.SettlementRequestID, payout.Attempt, result.Status, deref(payout.TxHash), deref(result.ErrorKind))
	return e.reportPayout(ctx, payout)
}

func (e *Executor) reportPayout(ctx context.Context, payout *domain.HostPayoutTransaction) error {
	rep := domain.PayoutReportToken{
		ClientID:        payout.ClientID,
		PayerID:         payout.PayerID,
		Attempt:         uint16(payout.Attempt),
		RequestID:       payout.SettlementRequestID.String(),
		TxHash:          deref(payout.TxHash),
		Status:          payout.Status,
		ErrorKind:       deref(payout.ErrorKind),
		AmountSent:      payout.Amount,
		ReestimatedDest: reestimatedOf(payout),
		Reason:          deref(payout.FailureReason),
	}
	if payout.BlockNumber != nil {
		rep.BlockNumber = *payout.BlockNumber
	}
	if payout.GasUsed != nil {
		rep.GasUsed = *payout.GasUsed
	}
	return sendToken(ctx, e.dispatcher, e.codecs.Report, QueueOrchestrate, PathPayoutReport, rep, 0)
}

// ScheduleConfirm enqueues a receipt check for a broadcast payout.
func (e *Executor) ScheduleConfirm(ctx context.Context, payout *domain.HostPayoutTransaction, delay time.Duration) error {
	return e.scheduleConfirm(ctx, payout, delay)
}

func (e *Executor) scheduleConfirm(ctx context.Context, payout *domain.HostPayoutTransaction, delay time.Duration) error {
	if payout.TxHash == nil {
		return fmt.Errorf("schedule confirm for payout %s: no transaction hash", payout.ID)
	}
	tok := domain.ConfirmToken{
		ClientID:        payout.ClientID,
		PayerID:         payout.PayerID,
		Attempt:         uint16(payout.Attempt),
		RequestID:       payout.SettlementRequestID.String(),
		TxHash:          *payout.TxHash,
		ReestimatedDest: reestimatedOf(payout),
	}
	return sendToken(ctx, e.dispatcher, e.codecs.Execution, QueueExecute, PathConfirm, tok, delay)
}

func reestimatedOf(payout *domain.HostPayoutTransaction) decimal.Decimal {
	if payout.ReestimatedDest == nil {
		return decimal.Zero
	}
	return *payout.ReestimatedDest
}
