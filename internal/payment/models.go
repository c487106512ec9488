// Package payment tracks a checkout from the moment the order is created
// until a balance increase (or a provider redirect) confirms it. The pending
// record is durable: the visitor leaves for an external checkout page and may
// come back in a fresh tab.
package payment

import (
	"encoding/json"
	"time"
)

// PendingPayment is the durable record of one in-flight checkout. BaseBalance
// is the comparison point for confirmation; it must survive reloads and
// re-authentication unchanged.
type PendingPayment struct {
	StartedAt    time.Time `json:"started_at"`
	BaseBalance  int       `json:"base_balance"`
	PreferenceID string    `json:"preference_id,omitempty"`
	OrderKey     string    `json:"order_key,omitempty"`
}

func (p PendingPayment) encode() (string, error) {
	raw, err := json.Marshal(p)
	return string(raw), err
}

func decodePending(raw string) (PendingPayment, error) {
	var p PendingPayment
	err := json.Unmarshal([]byte(raw), &p)
	return p, err
}

// ReturnStatus is the provider's verdict carried in the redirect-back query.
type ReturnStatus string

const (
	ReturnApproved ReturnStatus = "approved"
	ReturnPending  ReturnStatus = "pending"
	ReturnRejected ReturnStatus = "rejected"
)

// ReturnParams is what the external checkout appends to the return URL.
type ReturnParams struct {
	PaymentID    string
	Status       ReturnStatus
	RawStatus    string
	PreferenceID string
}

// PollOutcome classifies how a poll ended.
type PollOutcome string

const (
	// OutcomeConfirmed means the balance rose above the baseline.
	OutcomeConfirmed PollOutcome = "confirmed"
	// OutcomeTimeout means the window elapsed without confirmation. Not a
	// failure; the payment may still land later.
	OutcomeTimeout PollOutcome = "timeout"
	// OutcomeUnauthorized means the session expired mid-poll. The caller
	// re-authenticates and restarts with the same baseline.
	OutcomeUnauthorized PollOutcome = "unauthorized"
	// OutcomeCancelled means the owning context was torn down.
	OutcomeCancelled PollOutcome = "cancelled"
)

// PollResult is the terminal state of one poll run.
type PollResult struct {
	Outcome    PollOutcome
	NewBalance int
}
