package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/pkg/token"
)

// Acceptance windows per hop. Wider windows absorb queue delay and upstream retries.
const (
	InboundTokenWindow       = 24 * time.Hour
	OrchestrationTokenWindow = 2 * time.Hour
	ExecutionTokenWindow     = 30 * time.Minute
	ReportTokenWindow        = 2 * time.Hour
	WebhookSignatureWindow   = 5 * time.Minute
)

// TokenSecrets holds one shared secret per pipeline segment.
type TokenSecrets struct {
	Inbound       string
	Orchestration string
	Execution     string
	Report        string
}

// TokenCodecs bundles the codec for each hop.
type TokenCodecs struct {
	Inbound       *token.Codec
	Orchestration *token.Codec
	Execution     *token.Codec
	Report        *token.Codec
}

// NewTokenCodecs builds the hop codecs. legacyInbound keeps the upstream payment hop on
// 48-bit ids and full-length signatures.
func NewTokenCodecs(secrets TokenSecrets, legacyInbound bool) TokenCodecs {
	inbound := token.NewCodec(secrets.Inbound, InboundTokenWindow)
	if legacyInbound {
		inbound = token.NewLegacyCodec(secrets.Inbound, InboundTokenWindow)
	}
	return TokenCodecs{
		Inbound:       inbound,
		Orchestration: token.NewCodec(secrets.Orchestration, OrchestrationTokenWindow),
		Execution:     token.NewCodec(secrets.Execution, ExecutionTokenWindow),
		Report:        token.NewCodec(secrets.Report, ReportTokenWindow),
	}
}

// PaymentConfirmedToken is sent by the upstream payment processor once a payer's
// payment has settled in the settlement asset.
type PaymentConfirmedToken struct {
	PayerID            int64
	ClientID           int64
	PaymentID          string
	WalletAddress      string
	PayoutCurrency     string
	PayoutNetwork      string
	SettlementCurrency string
	SettlementNetwork  string
	DeclaredPrice      decimal.Decimal
	ActualAmount       decimal.Decimal
	PayoutMode         PayoutMode
	ThresholdUSD       decimal.Decimal
	Description        string
}

func (t PaymentConfirmedToken) MarshalToken(w *token.Writer) {
	w.ID(t.PayerID)
	w.ID(t.ClientID)
	w.String8(t.PaymentID)
	w.String8(t.WalletAddress)
	w.String8(t.PayoutCurrency)
	w.String8(t.PayoutNetwork)
	w.String8(t.SettlementCurrency)
	w.String8(t.SettlementNetwork)
	w.Decimal8(t.DeclaredPrice)
	w.Decimal8(t.ActualAmount)
	w.String8(string(t.PayoutMode))
	w.Decimal8(t.ThresholdUSD)
	w.String16(t.Description)
}

func (t *PaymentConfirmedToken) UnmarshalToken(r *token.Reader) {
	t.PayerID = r.ID()
	t.ClientID = r.ID()
	t.PaymentID = r.String8()
	t.WalletAddress = r.String8()
	t.PayoutCurrency = r.String8()
	t.PayoutNetwork = r.String8()
	t.SettlementCurrency = r.String8()
	t.SettlementNetwork = r.String8()
	t.DeclaredPrice = r.Decimal8()
	t.ActualAmount = r.Decimal8()
	t.PayoutMode = PayoutMode(r.String8())
	t.ThresholdUSD = r.Decimal8()
	t.Description = r.String16()
}

// Stage names carried by StageToken.
const (
	StageEstimate       = "estimate"
	StageExchangeStatus = "exchange_status"
)

// StageToken re-enters an orchestrator stage for a request, either as the next hop or
// as a delayed retry.
type StageToken struct {
	ClientID  int64
	PayerID   int64
	Attempt   uint16
	RequestID string
	Stage     string
}

func (t StageToken) MarshalToken(w *token.Writer) {
	w.ID(t.ClientID)
	w.ID(t.PayerID)
	w.Uint(uint64(t.Attempt), 16)
	w.String8(t.RequestID)
	w.String8(t.Stage)
}

func (t *StageToken) UnmarshalToken(r *token.Reader) {
	t.ClientID = r.ID()
	t.PayerID = r.ID()
	t.Attempt = uint16(r.Uint(16))
	t.RequestID = r.String8()
	t.Stage = r.String8()
}

// ExecuteToken instructs the executor to send funds on chain.
type ExecuteToken struct {
	ClientID         int64
	PayerID          int64
	Attempt          uint16
	RequestID        string
	Destination      string
	Currency         string
	Network          string
	Amount           decimal.Decimal
	QuotedDestAmount decimal.Decimal
	DestCurrency     string
	DestNetwork      string
	PayoutKind       PayoutKind
	ExchangeID       string
}

func (t ExecuteToken) MarshalToken(w *token.Writer) {
	w.ID(t.ClientID)
	w.ID(t.PayerID)
	w.Uint(uint64(t.Attempt), 16)
	w.String8(t.RequestID)
	w.String8(t.Destination)
	w.String8(t.Currency)
	w.String8(t.Network)
	w.Decimal8(t.Amount)
	w.Decimal8(t.QuotedDestAmount)
	w.String8(t.DestCurrency)
	w.String8(t.DestNetwork)
	w.String8(string(t.PayoutKind))
	w.String8(t.ExchangeID)
}

func (t *ExecuteToken) UnmarshalToken(r *token.Reader) {
	t.ClientID = r.ID()
	t.PayerID = r.ID()
	t.Attempt = uint16(r.Uint(16))
	t.RequestID = r.String8()
	t.Destination = r.String8()
	t.Currency = r.String8()
	t.Network = r.String8()
	t.Amount = r.Decimal8()
	t.QuotedDestAmount = r.Decimal8()
	t.DestCurrency = r.String8()
	t.DestNetwork = r.String8()
	t.PayoutKind = PayoutKind(r.String8())
	t.ExchangeID = r.String8()
}

// ConfirmToken asks the executor to check a broadcast transaction. ReestimatedDest is
// carried through to the report when execution re-quoted the payout.
type ConfirmToken struct {
	ClientID        int64
	PayerID         int64
	Attempt         uint16
	RequestID       string
	TxHash          string
	ReestimatedDest decimal.Decimal
}

func (t ConfirmToken) MarshalToken(w *token.Writer) {
	w.ID(t.ClientID)
	w.ID(t.PayerID)
	w.Uint(uint64(t.Attempt), 16)
	w.String8(t.RequestID)
	w.String8(t.TxHash)
	w.Decimal8(t.ReestimatedDest)
}

func (t *ConfirmToken) UnmarshalToken(r *token.Reader) {
	t.ClientID = r.ID()
	t.PayerID = r.ID()
	t.Attempt = uint16(r.Uint(16))
	t.RequestID = r.String8()
	t.TxHash = r.String8()
	t.ReestimatedDest = r.Decimal8()
}

// PayoutReportToken carries the executor's outcome back to the orchestrator.
type PayoutReportToken struct {
	ClientID        int64
	PayerID         int64
	Attempt         uint16
	BlockNumber     uint64
	GasUsed         uint64
	RequestID       string
	TxHash          string
	Status          PayoutStatus
	ErrorKind       string
	AmountSent      decimal.Decimal
	ReestimatedDest decimal.Decimal
	Reason          string
}

func (t PayoutReportToken) MarshalToken(w *token.Writer) {
	w.ID(t.ClientID)
	w.ID(t.PayerID)
	w.Uint(uint64(t.Attempt), 16)
	w.Uint(t.BlockNumber, 64)
	w.Uint(t.GasUsed, 64)
	w.String8(t.RequestID)
	w.String8(t.TxHash)
	w.String8(string(t.Status))
	w.String8(t.ErrorKind)
	w.Decimal8(t.AmountSent)
	w.Decimal8(t.ReestimatedDest)
	w.String16(t.Reason)
}

func (t *PayoutReportToken) UnmarshalToken(r *token.Reader) {
	t.ClientID = r.ID()
	t.PayerID = r.ID()
	t.Attempt = uint16(r.Uint(16))
	t.BlockNumber = r.Uint(64)
	t.GasUsed = r.Uint(64)
	t.RequestID = r.String8()
	t.TxHash = r.String8()
	t.Status = PayoutStatus(r.String8())
	t.ErrorKind = r.String8()
	t.AmountSent = r.Decimal8()
	t.ReestimatedDest = r.Decimal8()
	t.Reason = r.String16()
}

// PaymentConfirmedHook is the JSON body of the legacy HMAC-header payment hook.
type PaymentConfirmedHook struct {
	PayerID            int64           `json:"payer_id"`
	ClientID           int64           `json:"client_id"`
	PaymentID          string          `json:"payment_id"`
	WalletAddress      string          `json:"wallet_address"`
	PayoutCurrency     string          `json:"payout_currency"`
	PayoutNetwork      string          `json:"payout_network"`
	SettlementCurrency string          `json:"settlement_currency"`
	SettlementNetwork  string          `json:"settlement_network"`
	DeclaredPrice      decimal.Decimal `json:"declared_price"`
	ActualAmount       decimal.Decimal `json:"actual_amount"`
	PayoutMode         PayoutMode      `json:"payout_mode"`
	ThresholdUSD       decimal.Decimal `json:"threshold_usd"`
	Description        string          `json:"description"`
}

// Token converts the hook body into the canonical inbound message.
func (h PaymentConfirmedHook) Token() PaymentConfirmedToken {
	return PaymentConfirmedToken(h)
}
