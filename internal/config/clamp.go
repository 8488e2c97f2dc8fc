package config

import (
	"log"

	"golang.org/x/exp/constraints"
)

// clamp bounds v to [lo, hi], logging when the configured value had to move.
func clamp[T constraints.Integer](v, lo, hi T) T {
	switch {
	case v < lo:
		log.Printf("level=warn component=config msg=\"setting below minimum; raising\" value=%d min=%d", v, lo)
		return lo
	case v > hi:
		log.Printf("level=warn component=config msg=\"setting above maximum; lowering\" value=%d max=%d", v, hi)
		return hi
	}
	return v
}
