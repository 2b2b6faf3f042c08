package bot

import (
	"sync"
	"time"
)

// RateLimiter: ограничение частоты команд на пользователя в памяти
type RateLimiter struct {
	mu       sync.Mutex
	lastCall map[int64]map[string]time.Time
	limits   map[string]time.Duration
	exempt   func(int64) bool
	now      func() time.Time
}

// NewRateLimiter создаёт лимитер; exempt отмечает пользователей без ограничений (админов)
func NewRateLimiter(exempt func(int64) bool) *RateLimiter {
	if exempt == nil {
		exempt = func(int64) bool { return false }
	}
	return &RateLimiter{
		lastCall: make(map[int64]map[string]time.Time),
		limits: map[string]time.Duration{
			"/buy":           10 * time.Second,
			"/trial":         10 * time.Second,
			"/getkey":        5 * time.Second,
			"/subscriptions": 5 * time.Second,
			"/renew":         10 * time.Second,
			"/topup":         10 * time.Second,
		},
		exempt: exempt,
		now:    time.Now,
	}
}

// IsLimited returns true if user is rate-limited for this command
func (r *RateLimiter) IsLimited(userID int64, cmd string) bool {
	if r.exempt(userID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.lastCall[userID] == nil {
		r.lastCall[userID] = make(map[string]time.Time)
	}
	limit, ok := r.limits[cmd]
	if !ok {
		limit = 2 * time.Second // default limit
	}
	last := r.lastCall[userID][cmd]
	if now.Sub(last) < limit {
		return true
	}
	r.lastCall[userID][cmd] = now
	return false
}
