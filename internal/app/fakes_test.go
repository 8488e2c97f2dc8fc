package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/store"
	"github.com/transfa/settlement-service/pkg/chain"
	"github.com/transfa/settlement-service/pkg/exchangeclient"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory store.Repository with the same guards as the Postgres one.
type memStore struct {
	mu          sync.Mutex
	clock       *testClock
	settlements map[uuid.UUID]domain.SettlementRequest
	byKey       map[string]uuid.UUID
	payouts     map[string]*domain.HostPayoutTransaction
	records     map[uuid.UUID]domain.AccumulationRecord
	clientLocks map[int64]*sync.Mutex
}

var _ store.Repository = (*memStore)(nil)

func newMemStore(clock *testClock) *memStore {
	return &memStore{
		clock:       clock,
		settlements: map[uuid.UUID]domain.SettlementRequest{},
		byKey:       map[string]uuid.UUID{},
		payouts:     map[string]*domain.HostPayoutTransaction{},
		records:     map[uuid.UUID]domain.AccumulationRecord{},
		clientLocks: map[int64]*sync.Mutex{},
	}
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

func (s *memStore) CreateSettlement(ctx context.Context, req *domain.SettlementRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(req)
}

func (s *memStore) createLocked(req *domain.SettlementRequest) (bool, error) {
	if id, ok := s.byKey[req.IdempotencyKey]; ok {
		*req = s.settlements[id]
		return false, nil
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = domain.StatusReceived
	}
	now := s.clock.Now()
	req.PayoutAttempt = 1
	req.Version = 1
	req.CreatedAt, req.UpdatedAt, req.LastTransitionAt = now, now, now
	s.settlements[req.ID] = *req
	s.byKey[req.IdempotencyKey] = req.ID
	return true, nil
}

func (s *memStore) TransitionSettlement(ctx context.Context, req *domain.SettlementRequest, to domain.SettlementStatus, u store.SettlementUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(req, to, u)
}

func (s *memStore) transitionLocked(req *domain.SettlementRequest, to domain.SettlementStatus, u store.SettlementUpdate) error {
	if !domain.CanTransition(req.Status, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, req.Status, to)
	}
	row, ok := s.settlements[req.ID]
	if !ok || row.Version != req.Version {
		return store.ErrStaleSettlement
	}
	now := s.clock.Now()
	if row.Status != to {
		row.LastTransitionAt = now
	}
	row.Status = to
	row.Version++
	if u.IncrementAttempts {
		row.Attempts++
	}
	if u.NextPayoutAttempt {
		row.PayoutAttempt++
	}
	if u.PayoutKind != nil {
		row.PayoutKind = *u.PayoutKind
	}
	if u.QuotedAmount != nil {
		row.QuotedAmount = u.QuotedAmount
	}
	if row.ExchangeID == nil {
		row.ExchangeID = u.ExchangeID
	}
	if row.DepositAddress == nil {
		row.DepositAddress = u.DepositAddress
	}
	if u.TxHash != nil {
		row.TxHash = u.TxHash
	}
	if u.ReceivedAmount != nil {
		row.ReceivedAmount = u.ReceivedAmount
	}
	if u.ErrorKind != nil {
		row.ErrorKind = u.ErrorKind
	}
	if u.FailureReason != nil {
		row.FailureReason = u.FailureReason
	}
	if row.ContributionRecordID == nil {
		row.ContributionRecordID = u.ContributionRecordID
	}
	row.UpdatedAt = now
	s.settlements[row.ID] = row
	*req = row
	return nil
}

func (s *memStore) GetSettlement(ctx context.Context, id uuid.UUID) (*domain.SettlementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.settlements[id]
	if !ok {
		return nil, store.ErrSettlementNotFound
	}
	return &row, nil
}

func (s *memStore) GetSettlementByIdempotencyKey(ctx context.Context, key string) (*domain.SettlementRequest, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, store.ErrSettlementNotFound
	}
	return s.GetSettlement(ctx, id)
}

func (s *memStore) settlementsForClient(clientID int64) []domain.SettlementRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SettlementRequest
	for _, row := range s.settlements {
		if row.ClientID == clientID {
			out = append(out, row)
		}
	}
	return out
}

func payoutKey(requestID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s/%d", requestID, attempt)
}

func copyPayout(p *domain.HostPayoutTransaction) *domain.HostPayoutTransaction {
	out := *p
	out.RawTx = append([]byte(nil), p.RawTx...)
	if len(p.RawTx) == 0 {
		out.RawTx = nil
	}
	return &out
}

func (s *memStore) payoutByID(id uuid.UUID) *domain.HostPayoutTransaction {
	for _, p := range s.payouts {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *memStore) ClaimPayout(ctx context.Context, p *domain.HostPayoutTransaction, staleAfter time.Duration) (*domain.HostPayoutTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	key := payoutKey(p.SettlementRequestID, p.Attempt)
	existing, ok := s.payouts[key]
	if !ok {
		row := copyPayout(p)
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		row.Status = domain.PayoutPending
		row.ClaimedAt = &now
		row.CreatedAt, row.UpdatedAt = now, now
		s.payouts[key] = row
		return copyPayout(row), true, nil
	}
	if existing.Status.Final() || len(existing.RawTx) > 0 {
		return copyPayout(existing), false, nil
	}
	if existing.ClaimedAt != nil && existing.ClaimedAt.After(now.Add(-staleAfter)) {
		return nil, false, store.ErrPayoutInProgress
	}
	existing.ClaimedAt = &now
	return copyPayout(existing), true, nil
}

func (s *memStore) ReleasePayoutClaim(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.payoutByID(id); p != nil && len(p.RawTx) == 0 && p.Status == domain.PayoutPending {
		p.ClaimedAt = nil
	}
	return nil
}

func (s *memStore) SavePayoutSigned(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reestimated *decimal.Decimal, nonce uint64, txHash string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payoutByID(id)
	if p == nil || len(p.RawTx) > 0 || p.Status != domain.PayoutPending {
		return fmt.Errorf("%w: %s already signed or final", store.ErrPayoutInProgress, id)
	}
	p.Amount = amount
	p.ReestimatedDest = reestimated
	p.Nonce = &nonce
	p.TxHash = &txHash
	p.RawTx = append([]byte(nil), raw...)
	return nil
}

func (s *memStore) ResetPayoutSigned(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.payoutByID(id); p != nil && p.Status == domain.PayoutPending {
		p.Nonce, p.TxHash, p.RawTx, p.BroadcastAt, p.ClaimedAt = nil, nil, nil, nil, nil
	}
	return nil
}

func (s *memStore) MarkPayoutBroadcast(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payoutByID(id)
	if p == nil {
		return store.ErrPayoutNotFound
	}
	if p.BroadcastAt == nil {
		now := s.clock.Now()
		p.BroadcastAt = &now
	}
	return nil
}

func (s *memStore) MarkPayoutChecked(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.payoutByID(id); p != nil {
		now := s.clock.Now()
		p.LastCheckedAt = &now
	}
	return nil
}

func (s *memStore) FinalizePayout(ctx context.Context, id uuid.UUID, result store.PayoutResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.payoutByID(id)
	if p == nil || p.Status != domain.PayoutPending {
		return false, nil
	}
	p.Status = result.Status
	p.BlockNumber = result.BlockNumber
	p.GasUsed = result.GasUsed
	p.ErrorKind = result.ErrorKind
	p.FailureReason = result.FailureReason
	return true, nil
}

func (s *memStore) GetPayout(ctx context.Context, requestID uuid.UUID, attempt int) (*domain.HostPayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[payoutKey(requestID, attempt)]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	return copyPayout(p), nil
}

func (s *memStore) ListPendingPayouts(ctx context.Context, checkedBefore time.Time, limit int) ([]domain.HostPayoutTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HostPayoutTransaction
	for _, p := range s.payouts {
		if p.Status != domain.PayoutPending || p.BroadcastAt == nil {
			continue
		}
		last := *p.BroadcastAt
		if p.LastCheckedAt != nil {
			last = *p.LastCheckedAt
		}
		if last.Before(checkedBefore) {
			out = append(out, *copyPayout(p))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) clientLock(clientID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.clientLocks[clientID]
	if !ok {
		l = &sync.Mutex{}
		s.clientLocks[clientID] = l
	}
	return l
}

func (s *memStore) WithAccumulationLock(ctx context.Context, clientID int64, fn func(tx store.AccumulationTx) error) error {
	l := s.clientLock(clientID)
	l.Lock()
	defer l.Unlock()

	tx := &memAccumulationTx{s: s}
	if err := fn(tx); err != nil {
		s.mu.Lock()
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

// memAccumulationTx applies writes immediately and undoes them on error.
type memAccumulationTx struct {
	s    *memStore
	undo []func()
}

func (t *memAccumulationTx) saveSettlementUndo(id uuid.UUID) {
	prev, existed := t.s.settlements[id]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.settlements[id] = prev
			return
		}
		delete(t.s.byKey, t.s.settlements[id].IdempotencyKey)
		delete(t.s.settlements, id)
	})
}

func (t *memAccumulationTx) CreateSettlement(ctx context.Context, req *domain.SettlementRequest) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	t.saveSettlementUndo(req.ID)
	return t.s.createLocked(req)
}

func (t *memAccumulationTx) TransitionSettlement(ctx context.Context, req *domain.SettlementRequest, to domain.SettlementStatus, u store.SettlementUpdate) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.saveSettlementUndo(req.ID)
	return t.s.transitionLocked(req, to, u)
}

func (t *memAccumulationTx) OpenRecord(ctx context.Context, clientID int64, currency, network string) (*domain.AccumulationRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, rec := range t.s.records {
		if rec.ClientID == clientID && rec.ConversionStatus == domain.ConversionOpen &&
			domain.SameAsset(rec.SettlementCurrency, rec.SettlementNetwork, currency, network) {
			out := rec
			return &out, nil
		}
	}
	return nil, store.ErrAccumulationNotFound
}

func (t *memAccumulationTx) InsertRecord(ctx context.Context, rec *domain.AccumulationRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := t.s.clock.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now
	t.s.records[rec.ID] = *rec
	id := rec.ID
	t.undo = append(t.undo, func() { delete(t.s.records, id) })
	return nil
}

func (t *memAccumulationTx) SaveRecord(ctx context.Context, rec *domain.AccumulationRecord) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.records[rec.ID]
	if !ok {
		return store.ErrAccumulationNotFound
	}
	t.undo = append(t.undo, func() { t.s.records[prev.ID] = prev })
	t.s.records[rec.ID] = *rec
	return nil
}

func (s *memStore) GetAccumulationRecord(ctx context.Context, id uuid.UUID) (*domain.AccumulationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrAccumulationNotFound
	}
	return &rec, nil
}

func (s *memStore) ListAccumulationRecords(ctx context.Context, clientID int64, limit int) ([]domain.AccumulationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.AccumulationRecord{}
	for _, rec := range s.records {
		if rec.ClientID == clientID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) MarkAccumulationPaidOut(ctx context.Context, id uuid.UUID, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return store.ErrAccumulationNotFound
	}
	if rec.ConversionStatus == domain.ConversionConverting {
		now := s.clock.Now()
		rec.ConversionStatus = domain.ConversionCompleted
		rec.IsPaidOut = true
		rec.ConversionTxRef = &txRef
		rec.PaidOutAt = &now
		s.records[id] = rec
	}
	return nil
}

func (s *memStore) MarkAccumulationFailed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return store.ErrAccumulationNotFound
	}
	if rec.ConversionStatus == domain.ConversionConverting {
		rec.ConversionStatus = domain.ConversionFailed
		s.records[id] = rec
	}
	return nil
}

// memDispatcher queues tasks in memory.
type memDispatcher struct {
	mu        sync.Mutex
	tasks     []dispatch.Task
	failNext  int
	duplicate bool
}

func (d *memDispatcher) Dispatch(ctx context.Context, task dispatch.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return errors.New("amqp publish: connection reset by peer")
	}
	d.tasks = append(d.tasks, task)
	if d.duplicate {
		d.tasks = append(d.tasks, task)
	}
	return nil
}

func (d *memDispatcher) pop() (dispatch.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tasks) == 0 {
		return dispatch.Task{}, false
	}
	task := d.tasks[0]
	d.tasks = d.tasks[1:]
	return task, true
}

func (d *memDispatcher) pending() []dispatch.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatch.Task(nil), d.tasks...)
}

// fakeQuoter quotes at fixed rates keyed "from>to" by currency.
type fakeQuoter struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	err   error
	calls int
}

func (q *fakeQuoter) Quote(ctx context.Context, pair exchangeclient.Pair, amount decimal.Decimal) (exchangeclient.ConversionQuote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return exchangeclient.ConversionQuote{}, q.err
	}
	rate, ok := q.rates[strings.ToLower(pair.FromCurrency+">"+pair.ToCurrency)]
	if !ok {
		return exchangeclient.ConversionQuote{}, fmt.Errorf("no rate for %s>%s", pair.FromCurrency, pair.ToCurrency)
	}
	return exchangeclient.ConversionQuote{
		Pair:       pair,
		FromAmount: amount,
		ToAmount:   amount.Mul(rate).Truncate(18),
	}, nil
}

type fakeExchange struct {
	mu         sync.Mutex
	created    []exchangeclient.CreateExchangeRequest
	createErr  error
	status     string
	amountTo   *decimal.Decimal
	expectedTo decimal.Decimal
	statusErr  error
	statusHits int
}

func (e *fakeExchange) CreateExchange(ctx context.Context, req exchangeclient.CreateExchangeRequest) (*exchangeclient.Exchange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	e.created = append(e.created, req)
	return &exchangeclient.Exchange{
		ID:           fmt.Sprintf("ex-%d", len(e.created)),
		PayinAddress: "0x00000000000000000000000000000000000000d1",
		FromAmount:   req.FromAmount,
	}, nil
}

func (e *fakeExchange) GetExchangeStatus(ctx context.Context, id string) (*exchangeclient.ExchangeStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statusHits++
	if e.statusErr != nil {
		return nil, e.statusErr
	}
	status := e.status
	if status == "" {
		status = exchangeclient.OrderFinished
	}
	return &exchangeclient.ExchangeStatus{ID: id, Status: status, ExpectedAmountTo: e.expectedTo, AmountTo: e.amountTo}, nil
}

// fakeChain signs deterministic transactions and answers receipts from a map.
type fakeChain struct {
	mu           sync.Mutex
	nonce        uint64
	signed       []chain.Transfer
	broadcasts   int
	broadcastErr []error
	receipts     map[string]chain.Receipt
	known        map[string]bool
	fee          *big.Int
	autoConfirm  bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		receipts:    map[string]chain.Receipt{},
		known:       map[string]bool{},
		fee:         big.NewInt(420000000000000),
		autoConfirm: true,
	}
}

func (c *fakeChain) SignTransfer(ctx context.Context, t chain.Transfer) (*chain.SignedTransfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := c.nonce
	c.nonce++
	c.signed = append(c.signed, t)
	hash := fmt.Sprintf("0x%064x", nonce+1)
	return &chain.SignedTransfer{Hash: hash, Nonce: nonce, Raw: []byte(hash)}, nil
}

func (c *fakeChain) Broadcast(ctx context.Context, raw []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.broadcastErr) > 0 {
		err := c.broadcastErr[0]
		c.broadcastErr = c.broadcastErr[1:]
		return "", err
	}
	c.broadcasts++
	hash := string(raw)
	c.known[hash] = true
	if c.autoConfirm {
		c.receipts[hash] = chain.Receipt{Found: true, Success: true, BlockNumber: 100, GasUsed: 21000}
	}
	return hash, nil
}

func (c *fakeChain) CheckReceipt(ctx context.Context, hash string) (chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receipts[hash], nil
}

func (c *fakeChain) Known(ctx context.Context, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[hash], nil
}

// forget makes the node lose track of hash, as after a mempool eviction.
func (c *fakeChain) forget(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.known[hash] = false
	delete(c.receipts, hash)
}

func (c *fakeChain) broadcastCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcasts
}

func (c *fakeChain) NativeTransferFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.fee), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.SettlementEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.SettlementEvent); ok {
		p.events = append(p.events, event)
	}
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

const (
	testWallet = "0x00000000000000000000000000000000000000a1"
	testClient = int64(4242)
	testPayer  = int64(77)
)

var testAssets = []domain.Asset{
	{Currency: "eth", Network: "eth", Decimals: 18, ChainID: 1},
	{Currency: "usdt", Network: "eth", Decimals: 6, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", ChainID: 1},
}

// harness wires the orchestrator, ledger and executor to in-memory fakes.
type harness struct {
	clock    *testClock
	store    *memStore
	queue    *memDispatcher
	quoter   *fakeQuoter
	exchange *fakeExchange
	chain    *fakeChain
	events   *fakePublisher
	codecs   domain.TokenCodecs
	ledger   *Ledger
	orch     *Orchestrator
	exec     *Executor
}

func newHarness() *harness {
	clock := newTestClock()
	h := &harness{
		clock:    clock,
		store:    newMemStore(clock),
		queue:    &memDispatcher{},
		quoter:   &fakeQuoter{rates: map[string]decimal.Decimal{}},
		exchange: &fakeExchange{},
		chain:    newFakeChain(),
		events:   &fakePublisher{},
		codecs: domain.NewTokenCodecs(domain.TokenSecrets{
			Inbound:       "inbound-secret",
			Orchestration: "orchestration-secret",
			Execution:     "execution-secret",
			Report:        "report-secret",
		}, false),
	}
	h.ledger = NewLedger(h.store, h.quoter, LedgerConfig{})
	h.orch = NewOrchestrator(h.store, h.ledger, h.quoter, h.exchange, h.queue, h.events, h.codecs, OrchestratorConfig{
		FeePercent: decimal.NewFromInt(1),
	})
	h.orch.now = clock.Now
	h.exec = NewExecutor(h.store, h.chain, domain.NewAssetRegistry(testAssets), h.quoter, h.queue, h.codecs, ExecutorConfig{})
	h.exec.now = clock.Now
	return h
}

func paymentToken(paymentID string, amount string) domain.PaymentConfirmedToken {
	return domain.PaymentConfirmedToken{
		PayerID:            testPayer,
		ClientID:           testClient,
		PaymentID:          paymentID,
		WalletAddress:      testWallet,
		PayoutCurrency:     "usdt",
		PayoutNetwork:      "eth",
		SettlementCurrency: "usdt",
		SettlementNetwork:  "eth",
		DeclaredPrice:      decimal.RequireFromString(amount),
		ActualAmount:       decimal.RequireFromString(amount),
		PayoutMode:         domain.PayoutInstant,
		Description:        "order " + paymentID,
	}
}

// step runs the oldest queued task.
func (h *harness) step(ctx context.Context) (dispatch.Task, bool, error) {
	task, ok := h.queue.pop()
	if !ok {
		return task, false, nil
	}
	payload, isToken := task.Payload.(dispatch.TokenPayload)
	if !isToken {
		return task, true, fmt.Errorf("unexpected payload %T", task.Payload)
	}
	switch task.Path {
	case PathEstimate, PathExchangeStatus:
		var tok domain.StageToken
		if err := h.codecs.Orchestration.DecodeString(payload.Token, &tok); err != nil {
			return task, true, err
		}
		if task.Path == PathEstimate {
			return task, true, h.orch.HandleEstimate(ctx, tok)
		}
		return task, true, h.orch.HandleExchangeStatus(ctx, tok)
	case PathPayoutReport:
		var rep domain.PayoutReportToken
		if err := h.codecs.Report.DecodeString(payload.Token, &rep); err != nil {
			return task, true, err
		}
		return task, true, h.orch.HandlePayoutReport(ctx, rep)
	case PathExecute:
		var tok domain.ExecuteToken
		if err := h.codecs.Execution.DecodeString(payload.Token, &tok); err != nil {
			return task, true, err
		}
		return task, true, h.exec.HandleExecute(ctx, tok)
	case PathConfirm:
		var tok domain.ConfirmToken
		if err := h.codecs.Execution.DecodeString(payload.Token, &tok); err != nil {
			return task, true, err
		}
		return task, true, h.exec.HandleConfirm(ctx, tok)
	}
	return task, true, fmt.Errorf("no handler for %s", task.Path)
}

// drain runs queued tasks until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		task, ok, err := h.step(ctx)
		if !ok {
			return
		}
		if err != nil {
			t.Fatalf("task %s failed: %v", task.Path, err)
		}
	}
	t.Fatal("task queue did not drain")
}

// runUntil runs tasks until the next queued task targets path.
func (h *harness) runUntil(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		pending := h.queue.pending()
		if len(pending) == 0 {
			t.Fatalf("queue drained before a %s task", path)
		}
		if pending[0].Path == path {
			return
		}
		task, _, err := h.step(ctx)
		if err != nil {
			t.Fatalf("task %s failed: %v", task.Path, err)
		}
	}
	t.Fatalf("no %s task reached", path)
}

func (h *harness) request(t *testing.T, paymentID string) *domain.SettlementRequest {
	t.Helper()
	req, err := h.store.GetSettlementByIdempotencyKey(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("load request for %s: %v", paymentID, err)
	}
	return req
}
