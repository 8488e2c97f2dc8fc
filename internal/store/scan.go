package store

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NUMERIC columns are read as ::text and bound as text so no precision is lost in
// either direction.

func decimalArg(d decimal.Decimal) string {
	return d.String()
}

func nullableDecimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(column, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, raw, err)
	}
	return d, nil
}

func parseNullableDecimal(column string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(column, *raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullableUint64(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	u := uint64(*v)
	return &u
}

func nullableInt64Arg(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	i := int64(*v)
	return &i
}

func stringPtrArg[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
