package metering

import "time"

// windowBounds computes the natural window for a config at the given UTC
// instant. Daily and weekly windows align to local midnight (UTC plus the
// configured offset); rolling windows trail the current instant and their
// next_reset is only a recency hint.
func windowBounds(cfg RateLimitConfig, nowUTC time.Time, offsetHours int) (startUTC, nextResetUTC time.Time) {
	nowUTC = nowUTC.UTC()
	switch cfg.ResetStrategy {
	case ResetWeekly:
		start := localWeekStartUTC(nowUTC, offsetHours)
		return start, start.AddDate(0, 0, 7)
	case ResetRolling:
		minutes := cfg.WindowMinutes
		if minutes <= 0 {
			minutes = 24 * 60
		}
		return nowUTC.Add(-time.Duration(minutes) * time.Minute), nowUTC.Add(time.Minute)
	default: // daily
		start := localMidnightUTC(nowUTC, offsetHours)
		return start, start.Add(24 * time.Hour)
	}
}

// effectiveWindowStart applies a manual reset anchor: an anchor inside the
// natural window advances the start; an anchor the window has already rolled
// past is expired and ignored.
func effectiveWindowStart(naturalStart time.Time, anchor *time.Time) time.Time {
	if anchor != nil && anchor.After(naturalStart) {
		return anchor.UTC()
	}
	return naturalStart
}
