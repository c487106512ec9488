// Package backend is the typed client for the billing/identity API the funnel
// consumes. Every call converts transport failures into domain error codes at
// this boundary; callers never see a raw *url.Error or status code.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"calculaconfia/internal/platform/metrics"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

const tracerName = "calculaconfia/internal/backend"

// Client talks to the backend API on behalf of one browser session per call.
// The session cookie travels in the context, not in the client, so a single
// Client serves every visitor.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cookieName string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	// onUnauthorized runs whenever the backend answers 401/403, letting the
	// auth cache invalidate itself without a package cycle.
	onUnauthorized func()
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics enables call latency metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithUnauthorizedHook registers the callback invoked on any 401/403 response.
func WithUnauthorizedHook(hook func()) Option {
	return func(c *Client) { c.onUnauthorized = hook }
}

// SetUnauthorizedHook registers the 401/403 callback after construction. The
// auth cache needs the client to exist first, so this breaks the wiring cycle.
func (c *Client) SetUnauthorizedHook(hook func()) {
	c.onUnauthorized = hook
}

// New constructs a backend client rooted at baseURL.
func New(baseURL, cookieName string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookieName: cookieName,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me fetches the current identity. A 401 means "not logged in" and surfaces as
// CodeUnauthorized for the auth cache to translate into a default snapshot.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreditsBalance fetches the current balance. Point-in-time read only.
func (c *Client) CreditsBalance(ctx context.Context) (*CreditsBalance, error) {
	var balance CreditsBalance
	if err := c.do(ctx, http.MethodGet, "/credits/balance", nil, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// CreditsHistory fetches the transaction ledger, normalizing the several
// envelope shapes the backend has shipped over time.
func (c *Client) CreditsHistory(ctx context.Context) ([]CreditHistoryItem, error) {
	raw := json.RawMessage{}
	if err := c.do(ctx, http.MethodGet, "/credits/history", nil, &raw); err != nil {
		return nil, err
	}

	var items []CreditHistoryItem
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	var envelope historyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "unrecognized credits history payload")
	}
	return envelope.first(), nil
}

// CreateOrder opens a checkout preference with the payment provider.
func (c *Client) CreateOrder(ctx context.Context) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodPost, "/payments/create-order", struct{}{}, &order); err != nil {
		return nil, err
	}
	if order.PreferenceID == "" {
		return nil, dErrors.New(dErrors.CodeUnavailable, "create-order returned no preference id")
	}
	return &order, nil
}

// ConfirmPayment reports a provider redirect outcome so the backend can credit
// immediately instead of waiting for its webhook.
func (c *Client) ConfirmPayment(ctx context.Context, req ConfirmPaymentRequest) (*ConfirmPaymentResult, error) {
	var result ConfirmPaymentResult
	if err := c.do(ctx, http.MethodPost, "/payments/confirm", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Calculate runs one restitution calculation. Costs one credit server-side.
func (c *Client) Calculate(ctx context.Context, req CalculationRequest) (*CalculationResult, error) {
	var result CalculationResult
	if err := c.do(ctx, http.MethodPost, "/calcular", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Logout invalidates the server session. The cookie itself is cleared by the
// backend's Set-Cookie on the response.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logout", struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "backend"+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.BackendCallMs.WithLabelValues(path).
				Observe(float64(time.Since(start).Microseconds()) / 1000.0)
		}
	}()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := requestcontext.AccessToken(ctx); token != "" {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("%s %s failed", method, path))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		return c.statusError(resp, method, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("decode %s response", path))
	}
	return nil
}

// statusError maps a non-2xx response onto the domain error taxonomy.
func (c *Client) statusError(resp *http.Response, method, path string) error {
	var envelope apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&envelope)
	detail := envelope.text()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		if detail == "" {
			detail = "session expired or missing"
		}
		return dErrors.New(dErrors.CodeUnauthorized, detail)
	case http.StatusPaymentRequired:
		if detail == "" {
			detail = "insufficient credits"
		}
		return dErrors.New(dErrors.CodeInsufficientCredits, detail)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if detail == "" {
			detail = "request rejected"
		}
		return dErrors.New(dErrors.CodeValidation, detail)
	case http.StatusNotFound:
		if detail == "" {
			detail = "resource not found"
		}
		return dErrors.New(dErrors.CodeNotFound, detail)
	default:
		c.logger.Warn("backend call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		if detail == "" {
			detail = "backend unavailable"
		}
		return dErrors.New(dErrors.CodeUnavailable, detail)
	}
}
