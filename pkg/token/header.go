package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header names of the signed-header variant used by the legacy payment hook.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// SignBody returns the hex HMAC-SHA256 of "<unix seconds>.<body>".
func SignBody(secret []byte, at time.Time, body []byte) (signature, timestamp string) {
	timestamp = strconv.FormatInt(at.Unix(), 10)
	return hex.EncodeToString(bodyMAC(secret, timestamp, body)), timestamp
}

// VerifyBody checks a signed-header request. It fails closed with ErrTokenInvalid on a
// missing, malformed, mismatched or out-of-window signature.
func VerifyBody(secret []byte, signature, timestamp string, body []byte, now time.Time, window time.Duration) error {
	if len(secret) == 0 {
		return fmt.Errorf("signed header: empty secret")
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" || timestamp == "" {
		return invalid(ErrMalformed, "missing signature headers")
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return invalid(ErrMalformed, "signature is not hex")
	}
	if !hmac.Equal(provided, bodyMAC(secret, timestamp, body)) {
		return invalid(ErrSignatureMismatch, "")
	}

	seconds, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return invalid(ErrMalformed, "timestamp is not unix seconds")
	}
	age := now.Sub(time.Unix(seconds, 0))
	if age > window || age < -window {
		return invalid(ErrExpired, fmt.Sprintf("signed %s from now, window %s", age.Truncate(time.Second), window))
	}
	return nil
}

func bodyMAC(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
