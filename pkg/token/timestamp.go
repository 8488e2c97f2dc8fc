package token

import "time"

// minuteCycle is the number of minutes representable in the 16-bit counter (~45.5 days).
const minuteCycle = 1 << 16

func compressMinutes(t time.Time) uint16 {
	return uint16(t.Unix() / 60 % minuteCycle)
}

// expandMinutes rebuilds a full timestamp from the 16-bit minute counter using the
// decoder's own cycle. The candidate is moved back one cycle when it would land more
// than skew ahead of now.
func expandMinutes(minutes uint16, now time.Time, skew time.Duration) time.Time {
	nowMinutes := now.Unix() / 60
	base := nowMinutes - nowMinutes%minuteCycle
	candidate := base + int64(minutes)

	limit := nowMinutes + int64(skew/time.Minute)
	if candidate > limit {
		candidate -= minuteCycle
	}
	return time.Unix(candidate*60, 0)
}
