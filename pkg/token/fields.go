package token

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Writer appends message fields. The first error sticks and is reported by Encode.
type Writer struct {
	buf    []byte
	idBits int
	err    error
}

// ID writes a signed identifier using the codec's id width. Negative values are stored
// as their two's-complement within that width.
func (w *Writer) ID(v int64) {
	if w.err != nil {
		return
	}
	if w.idBits < 64 {
		limit := int64(1) << (w.idBits - 1)
		if v < -limit || v >= limit {
			w.err = fmt.Errorf("%w: id %d does not fit %d bits", ErrFieldOverflow, v, w.idBits)
			return
		}
	}
	w.putUint(uint64(v)&widthMask(w.idBits), w.idBits)
}

// Uint writes an unsigned value of the given width (8, 16, 32, 48 or 64 bits).
func (w *Writer) Uint(v uint64, bits int) {
	if w.err != nil {
		return
	}
	if !validWidth(bits) {
		w.err = fmt.Errorf("%w: unsupported width %d", ErrFieldOverflow, bits)
		return
	}
	if bits < 64 && v > widthMask(bits) {
		w.err = fmt.Errorf("%w: %d does not fit %d bits", ErrFieldOverflow, v, bits)
		return
	}
	w.putUint(v, bits)
}

// String8 writes s behind a 1-byte length prefix.
func (w *Writer) String8(s string) {
	w.putBytes([]byte(s), 1)
}

// String16 writes s behind a 2-byte length prefix.
func (w *Writer) String16(s string) {
	w.putBytes([]byte(s), 2)
}

// Decimal8 writes d as its ASCII decimal form behind a 1-byte length prefix.
func (w *Writer) Decimal8(d decimal.Decimal) {
	w.String8(d.String())
}

func (w *Writer) putBytes(b []byte, prefix int) {
	if w.err != nil {
		return
	}
	limit := math.MaxUint8
	if prefix == 2 {
		limit = math.MaxUint16
	}
	if len(b) > limit {
		w.err = fmt.Errorf("%w: %d bytes exceed %d-byte length prefix", ErrFieldOverflow, len(b), prefix)
		return
	}
	w.putUint(uint64(len(b)), prefix*8)
	w.buf = append(w.buf, b...)
}

func (w *Writer) putUint(v uint64, bits int) {
	for shift := bits - 8; shift >= 0; shift -= 8 {
		w.buf = append(w.buf, byte(v>>uint(shift)))
	}
}

// Reader consumes message fields. The first error sticks and fails the decode.
type Reader struct {
	buf    []byte
	idBits int
	err    error
}

var errShort = errors.New("truncated buffer")

// ID reads a signed identifier written by Writer.ID.
func (r *Reader) ID() int64 {
	u := r.getUint(r.idBits)
	if r.err != nil {
		return 0
	}
	if r.idBits < 64 && u >= uint64(1)<<(r.idBits-1) {
		return int64(u) - int64(1)<<r.idBits
	}
	return int64(u)
}

// Uint reads an unsigned value of the given width.
func (r *Reader) Uint(bits int) uint64 {
	if r.err == nil && !validWidth(bits) {
		r.err = fmt.Errorf("unsupported width %d", bits)
	}
	return r.getUint(bits)
}

// String8 reads a string behind a 1-byte length prefix.
func (r *Reader) String8() string {
	return string(r.getBytes(1))
}

// String16 reads a string behind a 2-byte length prefix.
func (r *Reader) String16() string {
	return string(r.getBytes(2))
}

// Decimal8 reads a decimal written by Writer.Decimal8.
func (r *Reader) Decimal8() decimal.Decimal {
	s := r.String8()
	if r.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		r.err = fmt.Errorf("decimal field %q: %w", s, err)
		return decimal.Zero
	}
	return d
}

func (r *Reader) getBytes(prefix int) []byte {
	n := int(r.getUint(prefix * 8))
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errShort
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *Reader) getUint(bits int) uint64 {
	if r.err != nil {
		return 0
	}
	n := bits / 8
	if len(r.buf) < n {
		r.err = errShort
		return 0
	}
	var v uint64
	for _, b := range r.buf[:n] {
		v = v<<8 | uint64(b)
	}
	r.buf = r.buf[n:]
	return v
}

func validWidth(bits int) bool {
	switch bits {
	case 8, 16, 32, 48, 64:
		return true
	}
	return false
}

func widthMask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return uint64(1)<<bits - 1
}
