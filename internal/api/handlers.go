/**
 * @description
 * This file contains the HTTP handlers for the settlement-service. Task endpoints are
 * invoked by the task worker with a signed token in the body; they decode the token with
 * the codec of their hop and run one saga step. The payment hook is the upstream's entry
 * point and only enqueues work. Operator endpoints expose read-only views of the saga.
 *
 * @notes
 * - Token failures are answered with 401/403 before anything is read or written.
 * - Retryable failures are answered with 503 so the task worker redelivers the task.
 *   Non-retryable classified failures are answered with 422 and are not redelivered.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app: Saga stages.
 * - internal/dispatch, pkg/token: Inbound task hand-off and signature checks.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/errclass"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/token"
)

const maxBodyBytes = 64 << 10

// Orchestrator is the orchestrator role. *app.Orchestrator satisfies it.
type Orchestrator interface {
	HandlePaymentConfirmed(ctx context.Context, tok domain.PaymentConfirmedToken) (*domain.SettlementRequest, error)
	HandleEstimate(ctx context.Context, tok domain.StageToken) error
	HandleExchangeStatus(ctx context.Context, tok domain.StageToken) error
	HandlePayoutReport(ctx context.Context, rep domain.PayoutReportToken) error
	Settlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRequest, error)
	SettlementByPayment(ctx context.Context, paymentID string) (*domain.SettlementRequest, error)
}

// Executor is the executor role. *app.Executor satisfies it.
type Executor interface {
	HandleExecute(ctx context.Context, tok domain.ExecuteToken) error
	HandleConfirm(ctx context.Context, tok domain.ConfirmToken) error
}

// Accumulations lists accumulation records. *app.Ledger satisfies it.
type Accumulations interface {
	Records(ctx context.Context, clientID int64, limit int) ([]domain.AccumulationRecord, error)
}

// HandlerConfig wires the handlers. Orchestrator and Executor are nil when this
// instance does not run the role; their routes are then not mounted.
type HandlerConfig struct {
	Orchestrator  Orchestrator
	Executor      Executor
	Accumulations Accumulations
	// Dispatcher receives payments accepted by the hook.
	Dispatcher dispatch.Dispatcher
	Codecs     domain.TokenCodecs
	// WebhookSecret authenticates the signed-header payment hook.
	WebhookSecret string
	Health        func(ctx context.Context) error
}

// SettlementHandlers holds the pipeline stages the handlers call into.
type SettlementHandlers struct {
	orchestrator  Orchestrator
	executor      Executor
	accumulations Accumulations
	dispatcher    dispatch.Dispatcher
	codecs        domain.TokenCodecs
	webhookSecret []byte
	health        func(ctx context.Context) error
	now           func() time.Time
}

func NewSettlementHandlers(cfg HandlerConfig) *SettlementHandlers {
	return &SettlementHandlers{
		orchestrator:  cfg.Orchestrator,
		executor:      cfg.Executor,
		accumulations: cfg.Accumulations,
		dispatcher:    cfg.Dispatcher,
		codecs:        cfg.Codecs,
		webhookSecret: []byte(cfg.WebhookSecret),
		health:        cfg.Health,
		now:           time.Now,
	}
}

type taskResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state,omitempty"`
}

// PaymentHookHandler accepts a confirmed payment from the upstream processor and queues
// it for the orchestrator. It takes either {"token": ...} or the JSON hook body signed
// with X-Signature/X-Timestamp.
func (h *SettlementHandlers) PaymentHookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	task := dispatch.Task{Queue: app.QueueInbound, Path: app.PathPaymentConfirmed}
	if r.Header.Get(token.HeaderSignature) != "" {
		err := token.VerifyBody(h.webhookSecret, r.Header.Get(token.HeaderSignature), r.Header.Get(token.HeaderTimestamp), body, h.now(), domain.WebhookSignatureWindow)
		if err != nil {
			log.Printf("level=warn component=api endpoint=payment_hook outcome=reject reason=signature err=%v", err)
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
			return
		}
		var hook domain.PaymentConfirmedHook
		if err := json.Unmarshal(body, &hook); err != nil || hook.PaymentID == "" {
			h.writeError(w, http.StatusBadRequest, "Invalid payment body")
			return
		}
		// The queued copy is re-signed for the inbound hop, whose window covers redelivery.
		signature, timestamp := token.SignBody(h.codecs.Inbound.Secret, h.now(), body)
		task.Payload = dispatch.SignedPayload{Body: body, Signature: signature, Timestamp: timestamp}
	} else {
		var payload dispatch.TokenPayload
		var tok domain.PaymentConfirmedToken
		if err := json.Unmarshal(body, &payload); err != nil || payload.Token == "" {
			h.writeError(w, http.StatusBadRequest, "Token is required")
			return
		}
		if err := h.codecs.Inbound.DecodeString(payload.Token, &tok); err != nil {
			log.Printf("level=warn component=api endpoint=payment_hook outcome=reject reason=token err=%v", err)
			h.writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		task.Payload = payload
	}

	if err := h.dispatcher.Dispatch(r.Context(), task); err != nil {
		log.Printf("level=error component=api endpoint=payment_hook outcome=failed reason=dispatch err=%v", err)
		h.writeError(w, http.StatusServiceUnavailable, "Could not queue payment")
		return
	}
	h.writeJSON(w, http.StatusAccepted, taskResponse{Status: "accepted"})
}

// PaymentConfirmedHandler creates the settlement request for a queued payment.
func (h *SettlementHandlers) PaymentConfirmedHandler(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var tok domain.PaymentConfirmedToken
	if sig := r.Header.Get(token.HeaderSignature); sig != "" {
		if err := token.VerifyBody(h.codecs.Inbound.Secret, sig, r.Header.Get(token.HeaderTimestamp), body, h.now(), domain.InboundTokenWindow); err != nil {
			h.taskFailed(w, "payment_confirmed", err)
			return
		}
		var hook domain.PaymentConfirmedHook
		if err := json.Unmarshal(body, &hook); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid payment body")
			return
		}
		tok = hook.Token()
	} else if !h.decodeToken(w, "payment_confirmed", body, h.codecs.Inbound, &tok) {
		return
	}

	req, err := h.orchestrator.HandlePaymentConfirmed(r.Context(), tok)
	if err != nil {
		h.taskFailed(w, "payment_confirmed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse{Status: "ok", RequestID: req.ID.String(), State: string(req.Status)})
}

func (h *SettlementHandlers) EstimateHandler(w http.ResponseWriter, r *http.Request) {
	var tok domain.StageToken
	if !h.decodeRequest(w, r, "estimate", h.codecs.Orchestration, &tok) {
		return
	}
	h.taskDone(w, "estimate", h.orchestrator.HandleEstimate(r.Context(), tok))
}

func (h *SettlementHandlers) ExchangeStatusHandler(w http.ResponseWriter, r *http.Request) {
	var tok domain.StageToken
	if !h.decodeRequest(w, r, "exchange_status", h.codecs.Orchestration, &tok) {
		return
	}
	h.taskDone(w, "exchange_status", h.orchestrator.HandleExchangeStatus(r.Context(), tok))
}

func (h *SettlementHandlers) PayoutReportHandler(w http.ResponseWriter, r *http.Request) {
	var rep domain.PayoutReportToken
	if !h.decodeRequest(w, r, "payout_report", h.codecs.Report, &rep) {
		return
	}
	h.taskDone(w, "payout_report", h.orchestrator.HandlePayoutReport(r.Context(), rep))
}

func (h *SettlementHandlers) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	var tok domain.ExecuteToken
	if !h.decodeRequest(w, r, "execute", h.codecs.Execution, &tok) {
		return
	}
	h.taskDone(w, "execute", h.executor.HandleExecute(r.Context(), tok))
}

func (h *SettlementHandlers) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	var tok domain.ConfirmToken
	if !h.decodeRequest(w, r, "confirm", h.codecs.Execution, &tok) {
		return
	}
	h.taskDone(w, "confirm", h.executor.HandleConfirm(r.Context(), tok))
}

// GetSettlementHandler returns one settlement request by id.
func (h *SettlementHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid settlement ID format")
		return
	}
	req, err := h.orchestrator.Settlement(r.Context(), id)
	if err != nil {
		h.readFailed(w, r, "get_settlement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// GetSettlementByPaymentHandler returns the settlement request created for an upstream payment.
func (h *SettlementHandlers) GetSettlementByPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID := strings.TrimSpace(chi.URLParam(r, "paymentID"))
	if paymentID == "" {
		h.writeError(w, http.StatusBadRequest, "Payment ID is required")
		return
	}
	req, err := h.orchestrator.SettlementByPayment(r.Context(), paymentID)
	if err != nil {
		h.readFailed(w, r, "get_settlement_by_payment", err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListAccumulationsHandler returns a client's accumulation records, newest first.
func (h *SettlementHandlers) ListAccumulationsHandler(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "clientID"), 10, 64)
	if err != nil || clientID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(n, 200)
	}
	records, err := h.accumulations.Records(r.Context(), clientID, limit)
	if err != nil {
		h.readFailed(w, r, "list_accumulations", err)
		return
	}
	if records == nil {
		records = []domain.AccumulationRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"client_id": clientID,
		"records":   records,
	})
}

func (h *SettlementHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			log.Printf("level=warn component=api endpoint=health outcome=unhealthy err=%v", err)
			h.writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

func (h *SettlementHandlers) decodeRequest(w http.ResponseWriter, r *http.Request, endpoint string, codec *token.Codec, msg token.Unmarshaler) bool {
	body, err := readBody(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return h.decodeToken(w, endpoint, body, codec, msg)
}

func (h *SettlementHandlers) decodeToken(w http.ResponseWriter, endpoint string, body []byte, codec *token.Codec, msg token.Unmarshaler) bool {
	var payload dispatch.TokenPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Token == "" {
		h.writeError(w, http.StatusBadRequest, "Token is required")
		return false
	}
	if err := codec.DecodeString(payload.Token, msg); err != nil {
		h.taskFailed(w, endpoint, err)
		return false
	}
	return true
}

func (h *SettlementHandlers) taskDone(w http.ResponseWriter, endpoint string, err error) {
	if err != nil {
		h.taskFailed(w, endpoint, err)
		return
	}
	h.writeJSON(w, http.StatusOK, taskResponse{Status: "ok"})
}

func (h *SettlementHandlers) taskFailed(w http.ResponseWriter, endpoint string, err error) {
	status, message := statusFor(err)
	level := "warn"
	if status >= http.StatusInternalServerError {
		level = "error"
	}
	log.Printf("level=%s component=api endpoint=%s outcome=failed status=%d err=%v", level, endpoint, status, err)
	h.writeError(w, status, message)
}

func (h *SettlementHandlers) readFailed(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		operator, _ := GetOperator(r.Context())
		log.Printf("level=error component=api endpoint=%s outcome=failed operator=%s err=%v", endpoint, operator, err)
	}
	h.writeError(w, status, message)
}

// statusFor maps a pipeline error to the response the task worker acts on: 4xx drops
// the task, 5xx redelivers it.
func statusFor(err error) (int, string) {
	var classified *errclass.Error
	switch {
	case errors.Is(err, token.ErrTokenInvalid):
		return http.StatusUnauthorized, "Invalid token"
	case errors.Is(err, app.ErrTokenMismatch):
		return http.StatusForbidden, "Token does not match settlement"
	case errors.Is(err, store.ErrSettlementNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrAccumulationNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, store.ErrPayoutInProgress):
		return http.StatusServiceUnavailable, "Payout in progress"
	case errors.As(err, &classified):
		if classified.Retryable() {
			return http.StatusServiceUnavailable, string(classified.Kind)
		}
		return http.StatusUnprocessableEntity, string(classified.Kind)
	}
	return http.StatusInternalServerError, "Internal server error"
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
