// Package httptransport is the thin HTTP layer over the session manager. It
// delegates to domain services without embedding business logic.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"calculaconfia/internal/backend"
	"calculaconfia/internal/decision"
	"calculaconfia/internal/payment"
	"calculaconfia/internal/session"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/platform/httputil"
)

// SessionManager is the reconciliation surface the handlers expose.
type SessionManager interface {
	Reconcile(ctx context.Context, loc decision.Location) (session.Decision, error)
	BeginCheckout(ctx context.Context) (*backend.Order, error)
	HandleCheckoutReturn(ctx context.Context, rawURL string) (session.CheckoutReturn, bool)
	AwaitPayment(ctx context.Context) (payment.PollResult, error)
	PauseAutoRedirect(ctx context.Context, ttl time.Duration)
}

// LogoutService invalidates the backend session and the local auth cache.
type LogoutService interface {
	Logout(ctx context.Context) error
}

// Invalidator drops the cached identity snapshot.
type Invalidator interface {
	Invalidate()
}

// Handler carries the handlers' collaborators.
type Handler struct {
	manager SessionManager
	logout  LogoutService
	cache   Invalidator
	logger  *slog.Logger
}

// NewHandler constructs the HTTP handler set.
func NewHandler(manager SessionManager, logout LogoutService, cache Invalidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, logout: logout, cache: cache, logger: logger}
}

type decideRequest struct {
	Path          string `json:"path"`
	UserInitiated bool   `json:"user_initiated"`
}

type decideResponse struct {
	Action       string     `json:"action"`
	Redirect     string     `json:"redirect,omitempty"`
	LoopBlocked  bool       `json:"loop_blocked,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	IsAuthed     bool       `json:"is_authenticated"`
	Entitled     bool       `json:"entitled"`
	Balance      int        `json:"balance"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[decideRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Path == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "path is required"))
		return
	}

	result, err := h.manager.Reconcile(r.Context(), decision.Location{
		Path:          req.Path,
		UserInitiated: req.UserInitiated,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := decideResponse{
		Action:      string(result.Action),
		Redirect:    result.Redirect,
		LoopBlocked: result.LoopBlocked,
		IsAuthed:    result.Auth.IsAuthenticated,
		Entitled:    result.Billing.Entitled(),
		Balance:     result.Billing.Balance,
	}
	if result.LoopBlocked && !result.BlockedUntil.IsZero() {
		resp.BlockedUntil = &result.BlockedUntil
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	order, err := h.manager.BeginCheckout(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, order)
}

type checkoutReturnRequest struct {
	URL string `json:"url"`
}

type checkoutReturnResponse struct {
	Status      string `json:"status"`
	Confirmed   bool   `json:"confirmed"`
	StrippedURL string `json:"stripped_url"`
}

func (h *Handler) handleCheckoutReturn(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[checkoutReturnRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	ret, ok := h.manager.HandleCheckoutReturn(r.Context(), req.URL)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "url carries no payment parameters"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, checkoutReturnResponse{
		Status:      string(ret.Status),
		Confirmed:   ret.Confirmed,
		StrippedURL: ret.StrippedURL,
	})
}

type pollResponse struct {
	Outcome    string `json:"outcome"`
	NewBalance int    `json:"new_balance,omitempty"`
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.AwaitPayment(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pollResponse{
		Outcome:    string(result.Outcome),
		NewBalance: result.NewBalance,
	})
}

type pauseRequest struct {
	Seconds int `json:"seconds"`
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.Decode[pauseRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Seconds <= 0 {
		httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "seconds must be positive"))
		return
	}
	h.manager.PauseAutoRedirect(r.Context(), time.Duration(req.Seconds)*time.Second)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	// The local cache drops first: even if the backend call fails, this
	// process must not keep treating the visitor as authenticated.
	h.cache.Invalidate()
	if err := h.logout.Logout(r.Context()); err != nil {
		h.logger.Warn("backend logout failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
