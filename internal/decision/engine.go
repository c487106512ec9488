// Package decision maps a pair of fresh snapshots and a location onto exactly
// one navigation action. The engine is pure: no I/O, no clock, no hidden
// state, so it can be re-evaluated after every async completion without
// accumulating side effects.
package decision

import (
	"calculaconfia/internal/auth"
	"calculaconfia/internal/billing"
)

// Action is the single outcome of one decision cycle.
type Action string

const (
	// ActionStay keeps the visitor where they are.
	ActionStay Action = "stay"
	// ActionRedirectToApp sends an entitled visitor to the gated surface.
	ActionRedirectToApp Action = "redirect_to_app"
	// ActionShowPaymentPrompt opens the purchase flow.
	ActionShowPaymentPrompt Action = "show_payment_prompt"
	// ActionShowAuthPrompt opens the login flow.
	ActionShowAuthPrompt Action = "show_auth_prompt"
)

// Location describes where the visitor is and how they got to this decision.
// UserInitiated is true only for explicit actions that require identity
// (clicking "enter", submitting the calculator), never for passive loads.
type Location struct {
	Path          string
	UserInitiated bool
}

// Engine holds the two navigation targets. It carries no mutable state.
type Engine struct {
	platformPath string
}

// New constructs the engine for the given gated path.
func New(platformPath string) *Engine {
	return &Engine{platformPath: platformPath}
}

// Decide applies the product rules in priority order:
//
//  1. Already on the gated surface: Stay. Never re-decide once there.
//  2. Unauthenticated: ShowAuthPrompt only for a user-initiated action;
//     a passive load stays put.
//  3. Authenticated and entitled: RedirectToApp. A durable entitlement
//     outranks a stale or absent balance read.
//  4. Authenticated, not entitled: ShowPaymentPrompt.
func (e *Engine) Decide(authSnap auth.Snapshot, billSnap billing.Snapshot, loc Location) Action {
	if loc.Path == e.platformPath {
		return ActionStay
	}
	if !authSnap.IsAuthenticated {
		if loc.UserInitiated {
			return ActionShowAuthPrompt
		}
		return ActionStay
	}
	if billSnap.Entitled() {
		return ActionRedirectToApp
	}
	return ActionShowPaymentPrompt
}
