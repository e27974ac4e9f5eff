package daemon

import (
	"sync"
	"time"
)

// logGate suppresses repeats of the same log key within an interval, so a
// down upstream produces one warning per window instead of one per tick.
type logGate struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func newLogGate() *logGate {
	return &logGate{last: map[string]time.Time{}}
}

func (g *logGate) shouldLog(key string, interval time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if last, ok := g.last[key]; ok && now.Sub(last) < interval {
		return false
	}
	g.last[key] = now
	return true
}
