package gate

import (
	"strings"
	"sync"
	"time"
)

// redeemedPayments remembers payment ids that already unlocked a request
// until their escrow expires, so a payment confirmed from chain state grants
// access once per gate.
type redeemedPayments struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	now    func() time.Time
}

func newRedeemedPayments() *redeemedPayments {
	return &redeemedPayments{
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// redeem records paymentID and reports whether it was not redeemed before
func (r *redeemedPayments) redeem(paymentID string, expiresAt time.Time) bool {
	key := strings.ToLower(paymentID)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if until, exists := r.expiry[key]; exists && now.Before(until) {
		return false
	}
	r.expiry[key] = expiresAt
	r.cleanupExpiredLocked(now)
	return true
}

// cleanupExpiredLocked removes expired entries. Callers hold mu.
func (r *redeemedPayments) cleanupExpiredLocked(now time.Time) {
	for key, until := range r.expiry {
		if !now.Before(until) {
			delete(r.expiry, key)
		}
	}
}
