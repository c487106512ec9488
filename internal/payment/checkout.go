package payment

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"calculaconfia/internal/backend"
	"calculaconfia/pkg/requestcontext"
)

// OrderClient creates checkout orders on the backend.
type OrderClient interface {
	CreateOrder(ctx context.Context) (*backend.Order, error)
}

// Checkout ties order creation to the pending-payment baseline.
type Checkout struct {
	client  OrderClient
	pending *PendingStore
}

// NewCheckout constructs a Checkout.
func NewCheckout(client OrderClient, pending *PendingStore) *Checkout {
	return &Checkout{client: client, pending: pending}
}

// Begin creates a backend order and records the pending payment with the
// balance observed right before checkout as the comparison baseline.
func (c *Checkout) Begin(ctx context.Context, currentBalance int) (*backend.Order, error) {
	order, err := c.client.CreateOrder(ctx)
	if err != nil {
		return nil, err
	}
	pending := PendingPayment{
		StartedAt:    requestcontext.Now(ctx),
		BaseBalance:  currentBalance,
		PreferenceID: order.PreferenceID,
		OrderKey:     uuid.NewString(),
	}
	if err := c.pending.Begin(ctx, pending); err != nil {
		return nil, err
	}
	return order, nil
}

// Query parameter names the external checkout appends on redirect back.
const (
	paramPaymentID    = "payment_id"
	paramStatus       = "status"
	paramPreferenceID = "preference_id"
)

// ParseReturnParams extracts the provider's verdict from a return URL and
// reports the URL with those parameters stripped so it never re-triggers the
// confirmation on a reload. ok is false when the URL carries no payment
// parameters at all.
func ParseReturnParams(rawURL string) (params ReturnParams, stripped string, ok bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ReturnParams{}, rawURL, false
	}

	query := parsed.Query()
	params = ReturnParams{
		PaymentID:    query.Get(paramPaymentID),
		RawStatus:    query.Get(paramStatus),
		PreferenceID: query.Get(paramPreferenceID),
	}
	if params.PaymentID == "" && params.RawStatus == "" && params.PreferenceID == "" {
		return ReturnParams{}, rawURL, false
	}
	params.Status = normalizeStatus(params.RawStatus)

	query.Del(paramPaymentID)
	query.Del(paramStatus)
	query.Del(paramPreferenceID)
	parsed.RawQuery = query.Encode()
	return params, parsed.String(), true
}

// normalizeStatus folds the provider's status vocabulary into the three
// outcomes the funnel understands. Anything unrecognized reads as rejected.
func normalizeStatus(raw string) ReturnStatus {
	switch strings.ToLower(raw) {
	case "approved", "success":
		return ReturnApproved
	case "in_process", "pending":
		return ReturnPending
	default:
		return ReturnRejected
	}
}
