package metering

import "time"

// The collector's "local" clock is UTC plus a fixed configured offset; no DST
// rules apply. All persisted timestamps stay in UTC, local time appears only
// in window boundaries and daily date keys.

// storeTimeLayout is RFC3339 with fixed-width nanoseconds so that TEXT
// ordering in SQLite matches chronological ordering.
const storeTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storeTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

// localDate returns the local calendar date key for a UTC instant.
func localDate(utc time.Time, offsetHours int) string {
	return utc.UTC().Add(time.Duration(offsetHours) * time.Hour).Format("2006-01-02")
}

// localMidnightUTC returns the UTC instant of the most recent local midnight.
func localMidnightUTC(utc time.Time, offsetHours int) time.Time {
	offset := time.Duration(offsetHours) * time.Hour
	local := utc.UTC().Add(offset)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.Add(-offset)
}

// localWeekStartUTC returns the UTC instant of the most recent local Monday
// 00:00. Weeks are ISO: Monday is day zero, Sunday is six days in.
func localWeekStartUTC(utc time.Time, offsetHours int) time.Time {
	offset := time.Duration(offsetHours) * time.Hour
	local := utc.UTC().Add(offset)
	daysSinceMonday := (int(local.Weekday()) + 6) % 7
	monday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, -daysSinceMonday)
	return monday.Add(-offset)
}
