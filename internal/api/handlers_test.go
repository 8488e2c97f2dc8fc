package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transfa/settlement-service/internal/app"
	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/errclass"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/token"
)

const (
	testWebhookSecret  = "webhook-secret"
	testOperatorSecret = "operator-secret"
)

type stubOrchestrator struct {
	Orchestrator
	payments  []domain.PaymentConfirmedToken
	estimates []domain.StageToken
	reports   []domain.PayoutReportToken
	err       error
	requests  map[uuid.UUID]*domain.SettlementRequest
}

func (s *stubOrchestrator) HandlePaymentConfirmed(_ context.Context, tok domain.PaymentConfirmedToken) (*domain.SettlementRequest, error) {
	s.payments = append(s.payments, tok)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.SettlementRequest{ID: uuid.New(), PaymentID: tok.PaymentID, Status: domain.StatusReceived}, nil
}

func (s *stubOrchestrator) HandleEstimate(_ context.Context, tok domain.StageToken) error {
	s.estimates = append(s.estimates, tok)
	return s.err
}

func (s *stubOrchestrator) HandlePayoutReport(_ context.Context, rep domain.PayoutReportToken) error {
	s.reports = append(s.reports, rep)
	return s.err
}

func (s *stubOrchestrator) Settlement(_ context.Context, id uuid.UUID) (*domain.SettlementRequest, error) {
	if req, ok := s.requests[id]; ok {
		return req, nil
	}
	return nil, store.ErrSettlementNotFound
}

type stubExecutor struct {
	Executor
	executes []domain.ExecuteToken
	err      error
}

func (s *stubExecutor) HandleExecute(_ context.Context, tok domain.ExecuteToken) error {
	s.executes = append(s.executes, tok)
	return s.err
}

type stubAccumulations struct {
	clientID int64
	limit    int
}

func (s *stubAccumulations) Records(_ context.Context, clientID int64, limit int) ([]domain.AccumulationRecord, error) {
	s.clientID, s.limit = clientID, limit
	return []domain.AccumulationRecord{{ID: uuid.New(), ClientID: clientID, ConversionStatus: domain.ConversionOpen}}, nil
}

type recordingDispatcher struct {
	tasks []dispatch.Task
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task dispatch.Task) error {
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type fixture struct {
	orch     *stubOrchestrator
	exec     *stubExecutor
	accs     *stubAccumulations
	queue    *recordingDispatcher
	codecs   domain.TokenCodecs
	handlers *SettlementHandlers
	router   http.Handler
	healthy  error
}

func newFixture() *fixture {
	f := &fixture{
		orch:  &stubOrchestrator{requests: map[uuid.UUID]*domain.SettlementRequest{}},
		exec:  &stubExecutor{},
		accs:  &stubAccumulations{},
		queue: &recordingDispatcher{},
		codecs: domain.NewTokenCodecs(domain.TokenSecrets{
			Inbound:       "inbound-secret",
			Orchestration: "orchestration-secret",
			Execution:     "execution-secret",
			Report:        "report-secret",
		}, false),
	}
	f.handlers = NewSettlementHandlers(HandlerConfig{
		Orchestrator:  f.orch,
		Executor:      f.exec,
		Accumulations: f.accs,
		Dispatcher:    f.queue,
		Codecs:        f.codecs,
		WebhookSecret: testWebhookSecret,
		Health:        func(context.Context) error { return f.healthy },
	})
	f.router = SettlementRoutes(f.handlers, AuthConfig{Secret: testOperatorSecret})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func tokenBody(t *testing.T, codec *token.Codec, msg token.Marshaler) []byte {
	t.Helper()
	encoded, err := codec.EncodeString(msg)
	require.NoError(t, err)
	body, err := json.Marshal(dispatch.TokenPayload{Token: encoded})
	require.NoError(t, err)
	return body
}

func operatorToken(t *testing.T, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@transfa",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func hookBody() domain.PaymentConfirmedHook {
	return domain.PaymentConfirmedHook{
		PayerID:            77,
		ClientID:           4242,
		PaymentID:          "pay-hook-1",
		WalletAddress:      "0x00000000000000000000000000000000000000a1",
		PayoutCurrency:     "usdt",
		PayoutNetwork:      "eth",
		SettlementCurrency: "usdt",
		SettlementNetwork:  "eth",
		DeclaredPrice:      decimal.NewFromInt(100),
		ActualAmount:       decimal.NewFromInt(100),
		PayoutMode:         domain.PayoutInstant,
	}
}

func TestEstimateHandler_RunsStageForValidToken(t *testing.T) {
	f := newFixture()
	tok := domain.StageToken{ClientID: 4242, PayerID: 77, RequestID: uuid.NewString(), Stage: domain.StageEstimate}

	rec := f.do(t, http.MethodPost, app.PathEstimate, tokenBody(t, f.codecs.Orchestration, tok), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.orch.estimates, 1)
	assert.Equal(t, tok, f.orch.estimates[0])
}

func TestEstimateHandler_RejectsTokenFromAnotherHop(t *testing.T) {
	f := newFixture()
	tok := domain.StageToken{ClientID: 4242, RequestID: uuid.NewString(), Stage: domain.StageEstimate}

	rec := f.do(t, http.MethodPost, app.PathEstimate, tokenBody(t, f.codecs.Execution, tok), nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.orch.estimates)
}

func TestEstimateHandler_RequiresToken(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, app.PathEstimate, []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteHandler_MapsPipelineErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, http.StatusOK},
		{"retryable", errclass.New(errclass.KindRateLimitExceeded, "slow down"), http.StatusServiceUnavailable},
		{"permanent", errclass.New(errclass.KindInvalidAddress, "bad address"), http.StatusUnprocessableEntity},
		{"mismatch", fmt.Errorf("load: %w", app.ErrTokenMismatch), http.StatusForbidden},
		{"missing", store.ErrSettlementNotFound, http.StatusNotFound},
		{"in progress", store.ErrPayoutInProgress, http.StatusServiceUnavailable},
		{"database", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.exec.err = tc.err
			tok := domain.ExecuteToken{ClientID: 4242, RequestID: uuid.NewString(), Attempt: 1}

			rec := f.do(t, http.MethodPost, app.PathExecute, tokenBody(t, f.codecs.Execution, tok), nil)

			assert.Equal(t, tc.want, rec.Code)
			assert.Len(t, f.exec.executes, 1)
		})
	}
}

func TestPayoutReportHandler_UsesReportCodec(t *testing.T) {
	f := newFixture()
	rep := domain.PayoutReportToken{ClientID: 4242, RequestID: uuid.NewString(), Attempt: 1, Status: domain.PayoutConfirmed}

	rec := f.do(t, http.MethodPost, app.PathPayoutReport, tokenBody(t, f.codecs.Report, rep), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, app.PathPayoutReport, tokenBody(t, f.codecs.Orchestration, rep), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, f.orch.reports, 1)
}

func TestPaymentHook_QueuesToken(t *testing.T) {
	f := newFixture()
	tok := hookBody().Token()
	body := tokenBody(t, f.codecs.Inbound, tok)

	rec := f.do(t, http.MethodPost, "/hooks/payment-confirmed", body, nil)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, app.QueueInbound, task.Queue)
	assert.Equal(t, app.PathPaymentConfirmed, task.Path)
	assert.IsType(t, dispatch.TokenPayload{}, task.Payload)
	assert.Empty(t, f.orch.payments, "the hook only queues")
}

func TestPaymentHook_ResignsSignedBodyForInboundHop(t *testing.T) {
	f := newFixture()
	body, err := json.Marshal(hookBody())
	require.NoError(t, err)
	sig, ts := token.SignBody([]byte(testWebhookSecret), time.Now(), body)

	rec := f.do(t, http.MethodPost, "/hooks/payment-confirmed", body, map[string]string{
		token.HeaderSignature: sig,
		token.HeaderTimestamp: ts,
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.queue.tasks, 1)
	signed, ok := f.queue.tasks[0].Payload.(dispatch.SignedPayload)
	require.True(t, ok)
	assert.NoError(t, token.VerifyBody(f.codecs.Inbound.Secret, signed.Signature, signed.Timestamp, signed.Body, time.Now(), domain.InboundTokenWindow))
	assert.Error(t, token.VerifyBody([]byte(testWebhookSecret), signed.Signature, signed.Timestamp, signed.Body, time.Now(), domain.InboundTokenWindow))
}

func TestPaymentHook_RejectsBadSignature(t *testing.T) {
	f := newFixture()
	body, err := json.Marshal(hookBody())
	require.NoError(t, err)
	sig, ts := token.SignBody([]byte("someone-else"), time.Now(), body)

	rec := f.do(t, http.MethodPost, "/hooks/payment-confirmed", body, map[string]string{
		token.HeaderSignature: sig,
		token.HeaderTimestamp: ts,
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.queue.tasks)
}

func TestPaymentHook_DispatchFailureIsRetryable(t *testing.T) {
	f := newFixture()
	f.queue.err = errors.New("broker down")
	body := tokenBody(t, f.codecs.Inbound, hookBody().Token())

	rec := f.do(t, http.MethodPost, "/hooks/payment-confirmed", body, nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPaymentConfirmedHandler_AcceptsSignedBody(t *testing.T) {
	f := newFixture()
	body, err := json.Marshal(hookBody())
	require.NoError(t, err)
	sig, ts := token.SignBody(f.codecs.Inbound.Secret, time.Now().Add(-3*time.Hour), body)

	rec := f.do(t, http.MethodPost, app.PathPaymentConfirmed, body, map[string]string{
		token.HeaderSignature: sig,
		token.HeaderTimestamp: ts,
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.orch.payments, 1)
	assert.Equal(t, "pay-hook-1", f.orch.payments[0].PaymentID)
	assert.True(t, f.orch.payments[0].ActualAmount.Equal(decimal.NewFromInt(100)))

	var resp taskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.StatusReceived), resp.State)
	assert.NotEmpty(t, resp.RequestID)
}

func TestPaymentConfirmedHandler_InvalidPaymentIsNotRetried(t *testing.T) {
	f := newFixture()
	f.orch.err = errclass.New(errclass.KindInvalidAmount, "actual amount must be positive")
	body := tokenBody(t, f.codecs.Inbound, hookBody().Token())

	rec := f.do(t, http.MethodPost, app.PathPaymentConfirmed, body, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestOperatorRoutes_RequireJWT(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	f.orch.requests[id] = &domain.SettlementRequest{ID: id, PaymentID: "pay-1", Status: domain.StatusCompleted}
	path := "/settlements/" + id.String()

	rec := f.do(t, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": operatorToken(t, "wrong")})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": operatorToken(t, testOperatorSecret)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got domain.SettlementRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)

	rec = f.do(t, http.MethodGet, "/settlements/"+uuid.NewString(), nil, map[string]string{"Authorization": operatorToken(t, testOperatorSecret)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAccumulationsHandler_CapsLimit(t *testing.T) {
	f := newFixture()
	auth := map[string]string{"Authorization": operatorToken(t, testOperatorSecret)}

	rec := f.do(t, http.MethodGet, "/accumulations/4242?limit=1000", nil, auth)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(4242), f.accs.clientID)
	assert.Equal(t, 200, f.accs.limit)

	rec = f.do(t, http.MethodGet, "/accumulations/not-a-client", nil, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_MountOnlyConfiguredRoles(t *testing.T) {
	f := newFixture()
	h := NewSettlementHandlers(HandlerConfig{Executor: f.exec, Codecs: f.codecs})
	router := SettlementRoutes(h, AuthConfig{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, app.PathEstimate, bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	tok := domain.ExecuteToken{ClientID: 4242, RequestID: uuid.NewString(), Attempt: 1}
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, app.PathExecute, bytes.NewReader(tokenBody(t, f.codecs.Execution, tok))))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthHandler_ReportsStoreFailure(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.healthy = errors.New("pool closed")
	rec = f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
