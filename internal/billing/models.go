package billing

import (
	"strings"
	"time"

	"calculaconfia/internal/backend"
)

// Snapshot is the billing side of a decision cycle. Balance is authoritative
// only at FetchedAt; HasLifetimeAccess never reverts once true.
type Snapshot struct {
	HasLifetimeAccess  bool
	HasPurchaseHistory bool
	Balance            int
	FetchedAt          time.Time
}

// Entitled reports whether this snapshot unlocks the gated surface. A durable
// entitlement always outranks a stale or absent balance read.
func (s Snapshot) Entitled() bool {
	return s.HasLifetimeAccess || s.HasPurchaseHistory || s.Balance >= 1
}

// HasPurchase scans a transaction ledger for a purchase entry. The backend has
// emitted both english and portuguese transaction kinds over time.
func HasPurchase(items []backend.CreditHistoryItem) bool {
	for _, item := range items {
		kind := strings.ToLower(item.TransactionType)
		if strings.Contains(kind, "purchase") || strings.Contains(kind, "compra") {
			return true
		}
		description := strings.ToLower(item.Description)
		if strings.Contains(description, "purchase") || strings.Contains(description, "compra") {
			return true
		}
	}
	return false
}

// InferPurchaseFromUser extracts the purchase hints the identity record
// carries. Advisory: it lets a decision proceed without a ledger fetch, but a
// false here proves nothing.
func InferPurchaseFromUser(user *backend.User) bool {
	if user == nil {
		return false
	}
	if user.Credits > 0 || user.ReferralCreditsEarned > 0 {
		return true
	}
	if user.HasLifetimeAccess {
		return true
	}
	return strings.TrimSpace(user.LastPurchaseAt) != ""
}
