package token

import (
	"errors"
	"fmt"
)

var (
	// ErrTokenInvalid is wrapped by every decode failure.
	ErrTokenInvalid      = errors.New("token invalid")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrExpired           = errors.New("timestamp outside acceptance window")
	ErrMalformed         = errors.New("malformed token")

	// ErrFieldOverflow is returned by Encode when a field does not fit its declared width.
	ErrFieldOverflow = errors.New("token field overflow")
)

func invalid(reason error, detail string) error {
	if detail == "" {
		return fmt.Errorf("%w: %w", ErrTokenInvalid, reason)
	}
	return fmt.Errorf("%w: %w: %s", ErrTokenInvalid, reason, detail)
}
