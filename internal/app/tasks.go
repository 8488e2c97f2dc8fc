package app

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/transfa/settlement-service/internal/dispatch"
	"github.com/transfa/settlement-service/internal/errclass"
	"github.com/transfa/settlement-service/pkg/token"
)

// Stage endpoints invoked by the task worker.
const (
	PathPaymentConfirmed = "/tasks/payment-confirmed"
	PathEstimate         = "/tasks/estimate"
	PathExchangeStatus   = "/tasks/exchange-status"
	PathPayoutReport     = "/tasks/payout-report"
	PathExecute          = "/tasks/execute"
	PathConfirm          = "/tasks/confirm"
)

// Queues, one per hop pair.
const (
	QueueInbound     = "settlement.inbound"
	QueueOrchestrate = "settlement.orchestrate"
	QueueExecute     = "settlement.execute"
)

// TaskQueues returns every queue the pipeline publishes to.
func TaskQueues() []string {
	return []string{QueueInbound, QueueOrchestrate, QueueExecute}
}

// ErrTokenMismatch is returned when a valid token does not match the row it names.
var ErrTokenMismatch = errors.New("token does not match settlement request")

func parseRequestID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: request id %q", ErrTokenMismatch, raw)
	}
	return id, nil
}

// sendToken signs msg for the next hop and hands it to the dispatcher. Broker failures
// come back retryable so the current step is re-entered instead of failing the saga.
func sendToken(ctx context.Context, d dispatch.Dispatcher, codec *token.Codec, queue, path string, msg token.Marshaler, delay time.Duration) error {
	encoded, err := codec.EncodeString(msg)
	if err != nil {
		return errclass.Wrap(errclass.KindUnknown, fmt.Errorf("encode token for %s: %w", path, err))
	}
	err = d.Dispatch(ctx, dispatch.Task{
		Queue:   queue,
		Path:    path,
		Payload: dispatch.TokenPayload{Token: encoded},
		Delay:   delay,
	})
	if errors.Is(err, dispatch.ErrInvalidTask) {
		return errclass.Wrap(errclass.KindUnknown, err)
	}
	return errclass.Wrap(errclass.KindNetworkTimeout, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// truncateReason caps a failure reason at 512 bytes on a rune boundary.
func truncateReason(reason string) string {
	const limit = 512
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
