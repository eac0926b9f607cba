package keys

import "time"

// RefillDue reports whether a refill should be applied at now. The window is
// anchored at lastRefillAt, or at createdAt for keys that were never refilled.
// Once a refill is stamped at now, further calls within the same interval
// return false.
func RefillDue(now time.Time, lastRefillAt *time.Time, createdAt time.Time, refill *Refill) bool {
	if refill == nil || refill.Interval <= 0 {
		return false
	}
	anchor := createdAt
	if lastRefillAt != nil {
		anchor = *lastRefillAt
	}
	return !now.Before(anchor.Add(refill.Interval))
}

// refilled returns a copy of k as it looks after a refill stamped at now.
func refilled(k *Key, now time.Time) *Key {
	out := *k
	amount := k.Refill.Amount
	out.Remaining = &amount
	out.LastRefillAt = &now
	return &out
}
