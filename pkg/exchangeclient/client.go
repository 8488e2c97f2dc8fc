/**
 * @description
 * This package provides a client for the third-party currency exchange API used to
 * convert the settlement asset into a client's payout currency. It encapsulates the
 * authenticated HTTP calls, response parsing, the client-side rate limiter and the
 * bounded in-process retry policy.
 *
 * @notes
 * - Only a few attempts are made per call. Once they are spent the failure is returned
 *   as a retryable errclass error and the caller re-enters the step through the
 *   delayed task queue instead of sleeping in-process.
 * - 4xx responses are never retried: the request itself is wrong.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Amounts are exchanged as decimal display units.
 * - golang.org/x/time/rate (via Limiter): Minimum inter-request interval.
 */
package exchangeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/transfa/settlement-service/internal/errclass"
)

// ErrOrderNotFound is returned when a status lookup is rejected with a 4xx response.
var ErrOrderNotFound = errors.New("exchange order not found")

// Client is a client for the exchange API.
type Client struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	Limiter     *Limiter
	MaxAttempts int
	RetryDelay  time.Duration
}

// NewClient creates a new exchange API client.
func NewClient(baseURL, apiKey string, limiter *Limiter) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Limiter:     limiter,
		MaxAttempts: 3,
		RetryDelay:  2 * time.Second,
	}
}

// EstimateRequest asks for the expected destination amount of a conversion.
type EstimateRequest struct {
	FromCurrency string
	FromNetwork  string
	ToCurrency   string
	ToNetwork    string
	FromAmount   decimal.Decimal
}

// EstimateResponse is the API's estimate.
type EstimateResponse struct {
	FromCurrency   string          `json:"fromCurrency"`
	FromNetwork    string          `json:"fromNetwork"`
	ToCurrency     string          `json:"toCurrency"`
	ToNetwork      string          `json:"toNetwork"`
	FromAmount     decimal.Decimal `json:"fromAmount"`
	ToAmount       decimal.Decimal `json:"toAmount"`
	DepositFee     decimal.Decimal `json:"depositFee"`
	WithdrawalFee  decimal.Decimal `json:"withdrawalFee"`
	RateID         string          `json:"rateId"`
	ValidUntil     *time.Time      `json:"validUntil"`
	WarningMessage string          `json:"warningMessage"`
}

// CreateExchangeRequest submits a conversion order.
type CreateExchangeRequest struct {
	FromCurrency  string          `json:"fromCurrency"`
	FromNetwork   string          `json:"fromNetwork"`
	ToCurrency    string          `json:"toCurrency"`
	ToNetwork     string          `json:"toNetwork"`
	FromAmount    decimal.Decimal `json:"fromAmount"`
	Address       string          `json:"address"`
	RefundAddress string          `json:"refundAddress,omitempty"`
	Flow          string          `json:"flow"`
	Type          string          `json:"type"`
	RateID        string          `json:"rateId,omitempty"`
}

// Exchange is a submitted conversion order.
type Exchange struct {
	ID            string          `json:"id"`
	PayinAddress  string          `json:"payinAddress"`
	PayoutAddress string          `json:"payoutAddress"`
	FromCurrency  string          `json:"fromCurrency"`
	ToCurrency    string          `json:"toCurrency"`
	FromAmount    decimal.Decimal `json:"fromAmount"`
	ToAmount      decimal.Decimal `json:"toAmount"`
}

// Order status values reported by the exchange.
const (
	OrderFinished = "finished"
	OrderFailed   = "failed"
	OrderRefunded = "refunded"
	OrderExpired  = "expired"
)

// ExchangeStatus is the state of a submitted order.
type ExchangeStatus struct {
	ID                 string           `json:"id"`
	Status             string           `json:"status"`
	PayinHash          string           `json:"payinHash"`
	PayoutHash         string           `json:"payoutHash"`
	ExpectedAmountFrom decimal.Decimal  `json:"expectedAmountFrom"`
	ExpectedAmountTo   decimal.Decimal  `json:"expectedAmountTo"`
	AmountFrom         *decimal.Decimal `json:"amountFrom"`
	AmountTo           *decimal.Decimal `json:"amountTo"`
	UpdatedAt          *time.Time       `json:"updatedAt"`
}

// Terminal reports whether the order reached a final status.
func (s *ExchangeStatus) Terminal() bool {
	switch s.Status {
	case OrderFinished, OrderFailed, OrderRefunded, OrderExpired:
		return true
	}
	return false
}

// APIError represents a non-2xx response from the exchange API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("exchange api status %d: %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange api status %d", e.StatusCode)
}

// EstimateAmount asks for the destination amount of converting req.FromAmount.
func (c *Client) EstimateAmount(ctx context.Context, req EstimateRequest) (*EstimateResponse, error) {
	q := url.Values{}
	q.Set("fromCurrency", strings.ToLower(req.FromCurrency))
	q.Set("toCurrency", strings.ToLower(req.ToCurrency))
	q.Set("fromNetwork", strings.ToLower(req.FromNetwork))
	q.Set("toNetwork", strings.ToLower(req.ToNetwork))
	q.Set("fromAmount", req.FromAmount.String())
	q.Set("flow", "standard")
	q.Set("type", "direct")

	var out EstimateResponse
	if err := c.do(ctx, "estimate", http.MethodGet, "/v2/exchange/estimated-amount?"+q.Encode(), nil, &out, true); err != nil {
		return nil, classifyClientError(err, errclass.KindInvalidAmount)
	}
	return &out, nil
}

// CreateExchange submits a conversion order and returns its deposit address.
// Server and transport failures are returned after one attempt since the order
// may already exist.
func (c *Client) CreateExchange(ctx context.Context, req CreateExchangeRequest) (*Exchange, error) {
	if req.Flow == "" {
		req.Flow = "standard"
	}
	if req.Type == "" {
		req.Type = "direct"
	}
	req.FromCurrency = strings.ToLower(req.FromCurrency)
	req.ToCurrency = strings.ToLower(req.ToCurrency)
	req.FromNetwork = strings.ToLower(req.FromNetwork)
	req.ToNetwork = strings.ToLower(req.ToNetwork)

	var out Exchange
	if err := c.do(ctx, "create_exchange", http.MethodPost, "/v2/exchange", req, &out, false); err != nil {
		return nil, classifyClientError(err, errclass.KindInvalidAmount)
	}
	if out.ID == "" || out.PayinAddress == "" {
		return nil, errclass.New(errclass.KindUnknown, "exchange created without id or deposit address")
	}
	return &out, nil
}

// GetExchangeStatus fetches the current status of an order.
func (c *Client) GetExchangeStatus(ctx context.Context, id string) (*ExchangeStatus, error) {
	var out ExchangeStatus
	err := c.do(ctx, "exchange_status", http.MethodGet, "/v2/exchange/by-id?id="+url.QueryEscape(id), nil, &out, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return nil, errclass.Wrap(errclass.KindUnknown, fmt.Errorf("%w: %s: %w", ErrOrderNotFound, id, err))
		}
		return nil, classifyClientError(err, errclass.KindUnknown)
	}
	return &out, nil
}

// classifyClientError tags a failed call. Client errors get clientKind; exhausted
// retries keep their retryable kind.
func classifyClientError(err error, clientKind errclass.Kind) error {
	var classified *errclass.Error
	if errors.As(err, &classified) {
		return err
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return errclass.Wrap(errclass.KindRateLimitExceeded, err)
		case apiErr.StatusCode >= 500:
			return errclass.Wrap(errclass.KindNetworkTimeout, err)
		default:
			return errclass.Wrap(clientKind, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errclass.Wrap(errclass.KindNetworkTimeout, err)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// do runs a call with in-process retries. Calls that are not idempotent are only
// retried on 429, where the exchange rejected the request before acting on it.
func (c *Client) do(ctx context.Context, op, method, path string, payload, out interface{}, idempotent bool) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
	}

	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && c.RetryDelay > 0 {
			timer := time.NewTimer(c.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		status, err := c.once(ctx, op, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if status != 0 && !retryableStatus(status) {
			return err
		}
		if !idempotent && status != http.StatusTooManyRequests {
			return err
		}
		log.Printf("level=warn component=exchange_client op=%s attempt=%d max_attempts=%d status=%d msg=\"retrying exchange call\" err=%q", op, attempt, attempts, status, err.Error())
	}
	return lastErr
}

// once performs a single rate-limited call. status is 0 on transport failures.
func (c *Client) once(ctx context.Context, op, method, path string, body []byte, out interface{}) (int, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("exchange rate limiter: %w", err)
		}
		defer c.Limiter.Observe()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-changenow-api-key", c.APIKey)

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	exchangeCalls.WithLabelValues(op, outcomeLabel(resp, err)).Inc()
	if err != nil {
		return 0, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil {
			log.Printf("level=warn component=exchange_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
		} else {
			log.Printf("level=warn component=exchange_client op=%s status=%d code=%q detail=%q", op, resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return resp.StatusCode, apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	log.Printf("level=info component=exchange_client op=%s status=%d latency_ms=%d", op, resp.StatusCode, time.Since(start).Milliseconds())
	return resp.StatusCode, nil
}
