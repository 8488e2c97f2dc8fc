/**
 * @description
 * Package errclass maps failures raised anywhere in the settlement pipeline to a
 * (Kind, retryable) pair. Every retry decision in the service consults Classify, so
 * the function is total: it never panics and always returns a known Kind.
 *
 * Callers that already know the outcome of a failure should return an *Error built
 * with New or Wrap. Message matching is only the fallback for errors coming from
 * third-party libraries (RPC nodes, HTTP transports, the exchange API).
 */
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind names one class of pipeline failure.
type Kind string

const (
	KindInsufficientFunds   Kind = "INSUFFICIENT_FUNDS"
	KindInvalidAddress      Kind = "INVALID_ADDRESS"
	KindInvalidAmount       Kind = "INVALID_AMOUNT"
	KindRevertedPermanent   Kind = "TRANSACTION_REVERTED_PERMANENT"
	KindRPCConnectionFailed Kind = "RPC_CONNECTION_FAILED"
	KindWalletUnlockFailed  Kind = "WALLET_UNLOCK_FAILED"
	KindWeb3InitFailed      Kind = "WEB3_INIT_FAILED"
	KindUnknown             Kind = "UNKNOWN_ERROR"

	KindNetworkTimeout      Kind = "NETWORK_TIMEOUT"
	KindRateLimitExceeded   Kind = "RATE_LIMIT_EXCEEDED"
	KindNonceConflict       Kind = "NONCE_CONFLICT"
	KindGasPriceSpike       Kind = "GAS_PRICE_SPIKE"
	KindConfirmationTimeout Kind = "CONFIRMATION_TIMEOUT"
)

var retryable = map[Kind]bool{
	KindInsufficientFunds:   false,
	KindInvalidAddress:      false,
	KindInvalidAmount:       false,
	KindRevertedPermanent:   false,
	KindRPCConnectionFailed: false,
	KindWalletUnlockFailed:  false,
	KindWeb3InitFailed:      false,
	KindUnknown:             false,
	KindNetworkTimeout:      true,
	KindRateLimitExceeded:   true,
	KindNonceConflict:       true,
	KindGasPriceSpike:       true,
	KindConfirmationTimeout: true,
}

var all = []Kind{
	KindInsufficientFunds, KindInvalidAddress, KindInvalidAmount, KindRevertedPermanent,
	KindRPCConnectionFailed, KindWalletUnlockFailed, KindWeb3InitFailed, KindUnknown,
	KindNetworkTimeout, KindRateLimitExceeded, KindNonceConflict, KindGasPriceSpike,
	KindConfirmationTimeout,
}

// Kinds returns every known kind.
func Kinds() []Kind {
	return append([]Kind(nil), all...)
}

// Valid reports whether k is a member of the taxonomy.
func (k Kind) Valid() bool {
	_, ok := retryable[k]
	return ok
}

// Retryable reports whether failures of kind k may be retried. Unknown kinds are not.
func (k Kind) Retryable() bool {
	return retryable[k]
}

// Error carries a classified failure through the call chain.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the wrapped failure may be retried.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New returns a classified error with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind to err. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

type pattern struct {
	kind   Kind
	needle string
}

// Order matters: nonce and replacement failures mention gas prices, and revert
// messages can mention amounts.
var patterns = []pattern{
	{KindNonceConflict, "nonce too low"},
	{KindNonceConflict, "nonce too high"},
	{KindNonceConflict, "replacement transaction underpriced"},
	{KindNonceConflict, "already known"},
	{KindNonceConflict, "known transaction"},
	{KindNonceConflict, "nonce conflict"},

	{KindInsufficientFunds, "insufficient funds"},
	{KindInsufficientFunds, "insufficient balance"},
	{KindInsufficientFunds, "exceeds balance"},

	{KindRevertedPermanent, "execution reverted"},
	{KindRevertedPermanent, "transaction reverted"},
	{KindRevertedPermanent, "receipt status 0"},

	{KindInvalidAddress, "invalid address"},
	{KindInvalidAddress, "invalid recipient"},
	{KindInvalidAddress, "checksum"},
	{KindInvalidAddress, "bad address"},

	{KindInvalidAmount, "invalid amount"},
	{KindInvalidAmount, "amount too low"},
	{KindInvalidAmount, "amount too small"},
	{KindInvalidAmount, "amount is less than minimal"},
	{KindInvalidAmount, "out_of_range"},
	{KindInvalidAmount, "negative value"},

	{KindGasPriceSpike, "max fee per gas less than block base fee"},
	{KindGasPriceSpike, "fee cap less than block base fee"},
	{KindGasPriceSpike, "transaction underpriced"},
	{KindGasPriceSpike, "gas price too low"},
	{KindGasPriceSpike, "gas price spike"},

	{KindRateLimitExceeded, "status 429"},
	{KindRateLimitExceeded, "too many requests"},
	{KindRateLimitExceeded, "rate limit"},

	{KindConfirmationTimeout, "confirmation timeout"},
	{KindConfirmationTimeout, "not confirmed"},
	{KindConfirmationTimeout, "waiting for receipt"},

	{KindNetworkTimeout, "timeout"},
	{KindNetworkTimeout, "timed out"},
	{KindNetworkTimeout, "deadline exceeded"},
	{KindNetworkTimeout, "connection reset"},
	{KindNetworkTimeout, "temporarily unavailable"},
	{KindNetworkTimeout, "eof"},
	{KindNetworkTimeout, "status 502"},
	{KindNetworkTimeout, "status 503"},
	{KindNetworkTimeout, "status 504"},

	{KindWalletUnlockFailed, "could not decrypt key"},
	{KindWalletUnlockFailed, "invalid private key"},
	{KindWalletUnlockFailed, "wallet unlock"},

	{KindWeb3InitFailed, "chain id mismatch"},
	{KindWeb3InitFailed, "invalid chain id"},
	{KindWeb3InitFailed, "web3 init"},

	{KindRPCConnectionFailed, "connection refused"},
	{KindRPCConnectionFailed, "no such host"},
	{KindRPCConnectionFailed, "dial tcp"},
	{KindRPCConnectionFailed, "rpc connection"},
}

// Classify returns the kind of err and whether it may be retried. A nil error is
// reported as UNKNOWN_ERROR.
func Classify(err error) (kind Kind, retry bool) {
	defer func() {
		if recover() != nil {
			kind, retry = KindUnknown, false
		}
	}()

	kind = classify(err)
	return kind, kind.Retryable()
}

func classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var classified *Error
	if errors.As(err, &classified) && classified.Kind.Valid() {
		return classified.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindNetworkTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindRPCConnectionFailed
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p.needle) {
			return p.kind
		}
	}
	return KindUnknown
}
