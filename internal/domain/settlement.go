/**
 * @description
 * Core domain models for the settlement-service. These structs map to the
 * settlement_requests, host_payout_transactions and accumulation_records tables and
 * are shared by the orchestrator, executor, ledger and API layers.
 *
 * @notes
 * - Amounts are decimal.Decimal values in display units of their asset. Conversion to
 *   on-chain base units happens only at the chain boundary (see asset.go).
 * - Each pipeline stage mutates only the rows it owns; other stages learn about changes
 *   through signed tokens.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementStatus is the saga state of a SettlementRequest.
type SettlementStatus string

const (
	StatusReceived      SettlementStatus = "received"
	StatusEstimating    SettlementStatus = "estimating"
	StatusSwapRequested SettlementStatus = "swap_requested"
	StatusSwapConfirmed SettlementStatus = "swap_confirmed"
	StatusExecuting     SettlementStatus = "executing"
	StatusConfirming    SettlementStatus = "confirming"
	StatusCompleted     SettlementStatus = "completed"
	StatusFailed        SettlementStatus = "failed"
	// StatusAccumulated marks a threshold-mode payment folded into an accumulation record.
	// Its funds are paid out by the aggregated request the ledger creates.
	StatusAccumulated SettlementStatus = "accumulated"
)

var transitions = map[SettlementStatus][]SettlementStatus{
	StatusReceived:      {StatusEstimating, StatusAccumulated, StatusFailed},
	StatusEstimating:    {StatusSwapRequested, StatusExecuting, StatusFailed},
	StatusSwapRequested: {StatusSwapConfirmed, StatusFailed},
	StatusSwapConfirmed: {StatusExecuting, StatusFailed},
	StatusExecuting:     {StatusConfirming, StatusFailed},
	StatusConfirming:    {StatusExecuting, StatusCompleted, StatusFailed},
}

// CanTransition reports whether the saga may move from one status to another.
// Staying in the same non-terminal status is allowed for retries.
func CanTransition(from, to SettlementStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s SettlementStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAccumulated
}

// InFlight reports whether a saga step is running or scheduled for the request.
func (s SettlementStatus) InFlight() bool {
	return !s.Terminal() && s != StatusReceived
}

// PayoutMode decides whether a payment is forwarded immediately or accumulated.
type PayoutMode string

const (
	PayoutInstant   PayoutMode = "instant"
	PayoutThreshold PayoutMode = "threshold"
)

// PayoutKind tells the executor where funds go.
type PayoutKind string

const (
	// PayoutSwap sends the settlement asset to an exchange deposit address.
	PayoutSwap PayoutKind = "swap"
	// PayoutDirect sends the settlement asset straight to the client wallet.
	PayoutDirect PayoutKind = "direct"
)

// SettlementRequest is one payer payment moving through the saga.
type SettlementRequest struct {
	ID             uuid.UUID `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	PaymentID      string    `json:"payment_id"`
	PayerID        int64     `json:"payer_id"`
	ClientID       int64     `json:"client_id"`

	WalletAddress      string `json:"wallet_address"`
	PayoutCurrency     string `json:"payout_currency"`
	PayoutNetwork      string `json:"payout_network"`
	SettlementCurrency string `json:"settlement_currency"`
	SettlementNetwork  string `json:"settlement_network"`

	DeclaredPrice decimal.Decimal `json:"declared_price"` // USD
	ActualAmount  decimal.Decimal `json:"actual_amount"`  // settlement asset actually received
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	NetAmount     decimal.Decimal `json:"net_amount"` // ActualAmount minus FeeAmount
	PayoutMode    PayoutMode      `json:"payout_mode"`
	ThresholdUSD  decimal.Decimal `json:"threshold_usd"`
	Description   string          `json:"description"`

	// AccumulationID links an aggregated request to the record it pays out.
	AccumulationID *uuid.UUID `json:"accumulation_id,omitempty"`
	// ContributionRecordID is the record a threshold-mode payment was folded into.
	ContributionRecordID *uuid.UUID `json:"contribution_record_id,omitempty"`

	Status   SettlementStatus `json:"status"`
	Attempts int              `json:"attempts"`
	// PayoutAttempt keys the executor's payout row. It only advances after a dropped
	// transaction, so retries of the same step never start a second transfer.
	PayoutAttempt    int              `json:"payout_attempt"`
	Version          int64            `json:"-"`
	PayoutKind       PayoutKind       `json:"payout_kind,omitempty"`
	QuotedAmount     *decimal.Decimal `json:"quoted_amount,omitempty"` // expected payout currency amount
	ExchangeID       *string          `json:"exchange_id,omitempty"`
	DepositAddress   *string          `json:"deposit_address,omitempty"`
	TxHash           *string          `json:"tx_hash,omitempty"`
	ReceivedAmount   *decimal.Decimal `json:"received_amount,omitempty"` // reported by the exchange on finish
	ErrorKind        *string          `json:"error_kind,omitempty"`
	FailureReason    *string          `json:"failure_reason,omitempty"`
	LastTransitionAt time.Time        `json:"last_transition_at"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// IsAggregated reports whether the request was synthesised by the accumulation ledger.
func (r *SettlementRequest) IsAggregated() bool {
	return r.AccumulationID != nil
}

// NeedsSwap reports whether the payout asset differs from the settlement asset.
func (r *SettlementRequest) NeedsSwap() bool {
	return !SameAsset(r.PayoutCurrency, r.PayoutNetwork, r.SettlementCurrency, r.SettlementNetwork)
}

// PayoutStatus is the state of one on-chain transfer attempt.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutConfirmed PayoutStatus = "confirmed"
	PayoutFailed    PayoutStatus = "failed"
	PayoutDropped   PayoutStatus = "dropped"
)

// Final reports whether the payout row is immutable.
func (s PayoutStatus) Final() bool {
	return s == PayoutConfirmed || s == PayoutFailed || s == PayoutDropped
}

// HostPayoutTransaction is one on-chain transfer attempt owned by the executor.
type HostPayoutTransaction struct {
	ID                  uuid.UUID        `json:"id"`
	SettlementRequestID uuid.UUID        `json:"settlement_request_id"`
	Attempt             int              `json:"attempt"`
	ClientID            int64            `json:"client_id"`
	PayerID             int64            `json:"payer_id"`
	Destination         string           `json:"destination"`
	Currency            string           `json:"currency"`
	Network             string           `json:"network"`
	Amount              decimal.Decimal  `json:"amount"`
	ReestimatedDest     *decimal.Decimal `json:"reestimated_dest,omitempty"` // re-quoted at signing
	Status              PayoutStatus     `json:"status"`
	Nonce               *uint64          `json:"nonce,omitempty"`
	TxHash              *string          `json:"tx_hash,omitempty"`
	RawTx               []byte           `json:"-"`
	BlockNumber         *uint64          `json:"block_number,omitempty"`
	GasUsed             *uint64          `json:"gas_used,omitempty"`
	ErrorKind           *string          `json:"error_kind,omitempty"`
	FailureReason       *string          `json:"failure_reason,omitempty"`
	ClaimedAt           *time.Time       `json:"claimed_at,omitempty"`
	BroadcastAt         *time.Time       `json:"broadcast_at,omitempty"`
	LastCheckedAt       *time.Time       `json:"last_checked_at,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ConversionStatus is the state of an accumulation record's payout cycle.
type ConversionStatus string

const (
	ConversionOpen       ConversionStatus = "open"
	ConversionConverting ConversionStatus = "converting"
	ConversionCompleted  ConversionStatus = "completed"
	ConversionFailed     ConversionStatus = "failed"
)

// AccumulationRecord is a client's running balance for threshold payouts.
type AccumulationRecord struct {
	ID                 uuid.UUID        `json:"id"`
	ClientID           int64            `json:"client_id"`
	SettlementCurrency string           `json:"settlement_currency"`
	SettlementNetwork  string           `json:"settlement_network"`
	PayoutCurrency     string           `json:"payout_currency"`
	PayoutNetwork      string           `json:"payout_network"`
	WalletAddress      string           `json:"wallet_address"`
	AccumulatedAmount  decimal.Decimal  `json:"accumulated_amount"` // settlement asset
	AccumulatedUSD     decimal.Decimal  `json:"accumulated_usd"`
	ThresholdUSD       decimal.Decimal  `json:"threshold_usd"`
	ConversionRate     *decimal.Decimal `json:"conversion_rate,omitempty"` // USD per settlement unit at trigger
	ConversionTxRef    *string          `json:"conversion_tx_ref,omitempty"`
	ConversionStatus   ConversionStatus `json:"conversion_status"`
	Attempts           int              `json:"attempts"`
	IsPaidOut          bool             `json:"is_paid_out"`
	SettlementID       *uuid.UUID       `json:"settlement_id,omitempty"`
	PaidOutAt          *time.Time       `json:"paid_out_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// ThresholdReached reports whether the running USD total meets the client's threshold.
func (a *AccumulationRecord) ThresholdReached() bool {
	return a.ThresholdUSD.IsPositive() && a.AccumulatedUSD.GreaterThanOrEqual(a.ThresholdUSD)
}

// SettlementEvent is published on the event exchange when a saga reaches a notable state.
type SettlementEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	SettlementID   string    `json:"settlement_id"`
	PaymentID      string    `json:"payment_id"`
	ClientID       int64     `json:"client_id"`
	Status         string    `json:"status"`
	PayoutCurrency string    `json:"payout_currency"`
	Amount         string    `json:"amount"`
	TxHash         string    `json:"tx_hash,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

const (
	EventSettlementCompleted   = "settlement.completed"
	EventSettlementFailed      = "settlement.failed"
	EventAccumulationTriggered = "accumulation.triggered"
)
