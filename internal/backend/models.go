package backend

import "encoding/json"

// User is the identity record returned by GET /me. The backend attaches a few
// billing hints directly to the profile; they are advisory only — the billing
// service owns the authoritative view.
type User struct {
	ID                    json.Number `json:"id"`
	Email                 string      `json:"email"`
	FirstName             string      `json:"first_name"`
	LastName              string      `json:"last_name"`
	Credits               int         `json:"credits"`
	ReferralCode          string      `json:"referral_code,omitempty"`
	ReferralCreditsEarned int         `json:"referral_credits_earned,omitempty"`
	HasLifetimeAccess     bool        `json:"has_lifetime_access,omitempty"`
	LastPurchaseAt        string      `json:"last_purchase_at,omitempty"`
	IsVerified            bool        `json:"is_verified,omitempty"`
}

// CreditsBalance is the point-in-time read from GET /credits/balance.
type CreditsBalance struct {
	UserID        json.Number `json:"user_id"`
	ValidCredits  int         `json:"valid_credits"`
	LegacyCredits int         `json:"legacy_credits"`
	Timestamp     string      `json:"timestamp"`
}

// Balance is the number the rest of the system reasons about.
func (b CreditsBalance) Balance() int {
	return b.ValidCredits
}

// CreditHistoryItem is one ledger row from GET /credits/history.
type CreditHistoryItem struct {
	ID              json.Number `json:"id"`
	TransactionType string      `json:"transaction_type"`
	Amount          int         `json:"amount"`
	BalanceAfter    int         `json:"balance_after"`
	Description     string      `json:"description"`
	CreatedAt       string      `json:"created_at"`
}

// historyEnvelope covers the backend's habit of wrapping the list under any of
// several keys depending on the deploy. A bare array is also accepted.
type historyEnvelope struct {
	Items        []CreditHistoryItem `json:"items"`
	Results      []CreditHistoryItem `json:"results"`
	Transactions []CreditHistoryItem `json:"transactions"`
	History      []CreditHistoryItem `json:"history"`
	Data         []CreditHistoryItem `json:"data"`
}

func (e historyEnvelope) first() []CreditHistoryItem {
	for _, candidate := range [][]CreditHistoryItem{
		e.Items, e.Results, e.Transactions, e.History, e.Data,
	} {
		if candidate != nil {
			return candidate
		}
	}
	return nil
}

// Order is the response from POST /payments/create-order. InitPoint is the
// hosted checkout URL the visitor is sent to.
type Order struct {
	PreferenceID     string  `json:"preference_id"`
	InitPoint        string  `json:"init_point"`
	SandboxInitPoint string  `json:"sandbox_init_point,omitempty"`
	Amount           float64 `json:"amount,omitempty"`
	Credits          int     `json:"credits,omitempty"`
}

// ConfirmPaymentRequest reports a provider redirect back to the backend so
// crediting is not left waiting on the webhook.
type ConfirmPaymentRequest struct {
	PaymentID    string `json:"payment_id"`
	Status       string `json:"status,omitempty"`
	PreferenceID string `json:"preference_id,omitempty"`
}

// ConfirmPaymentResult is the backend's verdict on a reported payment.
type ConfirmPaymentResult struct {
	PaymentID        string `json:"payment_id"`
	Status           string `json:"status,omitempty"`
	CreditsAdded     bool   `json:"credits_added"`
	AlreadyProcessed bool   `json:"already_processed"`
	CreditsBalance   *int   `json:"credits_balance,omitempty"`
}

// Bill is a single energy bill submitted to the calculation endpoint.
type Bill struct {
	ICMSValue float64 `json:"icms_value"`
	IssueDate string  `json:"issue_date"` // YYYY-MM
}

// CalculationRequest is the POST /calcular payload.
type CalculationRequest struct {
	Bills []Bill `json:"bills"`
}

// CalculationResult is the successful POST /calcular response.
type CalculationResult struct {
	CalculatedValue  float64 `json:"valor_calculado"`
	CreditsRemaining int     `json:"creditos_restantes"`
	CalculationID    int64   `json:"calculation_id"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
}

// apiError is the backend's error envelope (FastAPI-style detail field).
type apiError struct {
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e apiError) text() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Message
}
