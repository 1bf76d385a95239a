package api

import (
	"time"

	"golang.org/x/time/rate"
)

const rateLimiterIdleTTL = time.Hour

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// cleanupRateLimiters periodically drops limiters for idle clients.
func (a *API) cleanupRateLimiters(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pruneRateLimiters(time.Now())
		case <-a.stopCh:
			return
		}
	}
}

func (a *API) pruneRateLimiters(now time.Time) int {
	a.rateLimitersMu.Lock()
	defer a.rateLimitersMu.Unlock()

	removed := 0
	for ip, entry := range a.rateLimiters {
		if now.Sub(entry.lastSeen) > rateLimiterIdleTTL {
			delete(a.rateLimiters, ip)
			removed++
		}
	}
	return removed
}
