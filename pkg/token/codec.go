/**
 * @description
 * Package token implements the compact signed binary envelope exchanged between
 * pipeline hops. A token is laid out as:
 *
 *	minutes (uint16, big-endian) || message fields || HMAC-SHA256(secret, preceding bytes)[:n]
 *
 * Message fields are written and read through Writer/Reader, so every hop owns one
 * typed message and both ends agree on field order and length-prefix widths.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256: Signature computation and constant-time comparison.
 */

package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// SignatureShort is the canonical truncated HMAC width.
	SignatureShort = 16
	// SignatureFull is the legacy full-length HMAC width.
	SignatureFull = sha256.Size

	timestampLen = 2
)

// Marshaler is implemented by hop messages that can be written into a token.
type Marshaler interface {
	MarshalToken(w *Writer)
}

// Unmarshaler is implemented by hop messages that can be read back from a token.
type Unmarshaler interface {
	UnmarshalToken(r *Reader)
}

// Codec encodes and decodes tokens for one hop.
type Codec struct {
	Secret       []byte
	SignatureLen int
	Window       time.Duration
	IDBits       int
	// ClockSkew bounds how far in the future a token timestamp may lie.
	ClockSkew time.Duration
	Now       func() time.Time
}

// NewCodec returns a codec using the canonical layout (64-bit ids, 16-byte signatures).
func NewCodec(secret string, window time.Duration) *Codec {
	return &Codec{
		Secret:       []byte(secret),
		SignatureLen: SignatureShort,
		Window:       window,
		IDBits:       64,
		ClockSkew:    2 * time.Minute,
	}
}

// NewLegacyCodec returns a codec for hops still on 48-bit ids and full-length signatures.
func NewLegacyCodec(secret string, window time.Duration) *Codec {
	c := NewCodec(secret, window)
	c.SignatureLen = SignatureFull
	c.IDBits = 48
	return c
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Codec) validate() error {
	if len(c.Secret) == 0 {
		return fmt.Errorf("token codec: empty secret")
	}
	if c.SignatureLen != SignatureShort && c.SignatureLen != SignatureFull {
		return fmt.Errorf("token codec: unsupported signature length %d", c.SignatureLen)
	}
	if c.IDBits != 48 && c.IDBits != 64 {
		return fmt.Errorf("token codec: unsupported id width %d", c.IDBits)
	}
	return nil
}

// Encode writes msg into a signed token stamped with the current minute.
func (c *Codec) Encode(msg Marshaler) ([]byte, error) {
	return c.EncodeAt(msg, c.now())
}

// EncodeAt writes msg into a signed token stamped with the minute of at.
func (c *Codec) EncodeAt(msg Marshaler, at time.Time) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	w := &Writer{idBits: c.IDBits}
	w.putUint(uint64(compressMinutes(at)), 16)
	msg.MarshalToken(w)
	if w.err != nil {
		return nil, w.err
	}

	body := w.buf
	return append(body, c.sign(body)...), nil
}

// Decode verifies data and fills msg. Any failure wraps ErrTokenInvalid and msg must
// be discarded by the caller.
func (c *Codec) Decode(data []byte, msg Unmarshaler) error {
	if err := c.validate(); err != nil {
		return err
	}
	if len(data) < timestampLen+c.SignatureLen {
		return invalid(ErrMalformed, "token too short")
	}

	split := len(data) - c.SignatureLen
	body, signature := data[:split], data[split:]
	if !hmac.Equal(signature, c.sign(body)) {
		return invalid(ErrSignatureMismatch, "")
	}

	now := c.now()
	issued := expandMinutes(uint16(body[0])<<8|uint16(body[1]), now, c.ClockSkew)
	age := now.Sub(issued)
	if age > c.Window {
		return invalid(ErrExpired, fmt.Sprintf("issued %s ago, window %s", age.Truncate(time.Second), c.Window))
	}
	if age < -c.ClockSkew {
		return invalid(ErrExpired, fmt.Sprintf("issued %s in the future", (-age).Truncate(time.Second)))
	}

	r := &Reader{buf: body[timestampLen:], idBits: c.IDBits}
	msg.UnmarshalToken(r)
	if r.err != nil {
		return invalid(ErrMalformed, r.err.Error())
	}
	if len(r.buf) != 0 {
		return invalid(ErrMalformed, fmt.Sprintf("%d trailing bytes", len(r.buf)))
	}
	return nil
}

// EncodeString encodes msg and returns it as unpadded base64url text.
func (c *Codec) EncodeString(msg Marshaler) (string, error) {
	raw, err := c.Encode(msg)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeString decodes unpadded base64url text produced by EncodeString.
func (c *Codec) DecodeString(text string, msg Unmarshaler) error {
	raw, err := base64.RawURLEncoding.DecodeString(text)
	if err != nil {
		return invalid(ErrMalformed, "bad base64url")
	}
	return c.Decode(raw, msg)
}

func (c *Codec) sign(body []byte) []byte {
	mac := hmac.New(sha256.New, c.Secret)
	mac.Write(body)
	return mac.Sum(nil)[:c.SignatureLen]
}
