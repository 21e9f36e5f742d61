// internal/model/policy.go
package model

import "time"

// Policy decides which entities are (re)synchronized, based on their latest ledger entry.
type Policy struct {
	// Force selects every entity.
	Force bool
	// MaxAge re-selects entities whose last attempt is older than this. Zero disables it.
	MaxAge time.Duration
	// Retry re-selects entities whose last attempt failed.
	Retry bool
}

// Wants reports whether an entity with the given latest ledger entry is pending.
func (p Policy) Wants(last *LedgerEntry, now time.Time) bool {
	if p.Force || last == nil {
		return true
	}
	if p.MaxAge > 0 && now.Sub(last.At) > p.MaxAge {
		return true
	}
	return p.Retry && !last.Success
}

// Select filters pending entities through the policy, keeping store order.
func (p Policy) Select(candidates []PendingEntity, now time.Time) []Entity {
	selected := make([]Entity, 0, len(candidates))
	for _, c := range candidates {
		if p.Wants(c.Last, now) {
			selected = append(selected, c.Entity)
		}
	}
	return selected
}
