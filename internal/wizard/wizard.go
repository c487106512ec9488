// Package wizard is the calculator's step state machine: a linear, replayable
// traversal that collects one bill per form step, issues exactly one
// calculation request, and plays a deterministic progress animation decoupled
// from the request's real latency.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"calculaconfia/internal/backend"
	"calculaconfia/internal/platform/metrics"
	dErrors "calculaconfia/pkg/domain-errors"
)

// Step identifies where the visitor is in the traversal.
type Step string

const (
	StepWelcome      Step = "welcome"
	StepSelection    Step = "selection"
	StepForm         Step = "form"
	StepConfirmation Step = "confirmation"
	StepLoading      Step = "loading"
	StepResult       Step = "result"
)

// MaxBills is how many bill slots the selection step offers. RecommendedBills
// is suggested when the visitor picks fewer than three: more bills give the
// estimate more data points.
const (
	MaxBills         = 12
	RecommendedBills = 3
)

// BillInput is one form step's collected fields.
type BillInput struct {
	IssueDate string
	ICMSValue float64
}

// FieldError pins a validation failure to one field so the form can highlight
// it. Validation is corrected locally, never surfaced as a system error.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (b BillInput) validate() *FieldError {
	if b.IssueDate == "" {
		return &FieldError{Field: "issue_date", Message: "issue date is required"}
	}
	if b.ICMSValue <= 0 {
		return &FieldError{Field: "icms_value", Message: "value must be greater than zero"}
	}
	return nil
}

// Calculator is the single backend call the wizard makes.
type Calculator interface {
	Calculate(ctx context.Context, req backend.CalculationRequest) (*backend.CalculationResult, error)
}

// Outcome is the terminal state of one calculation attempt.
type Outcome string

const (
	// OutcomeSuccess moved the wizard to the result step.
	OutcomeSuccess Outcome = "success"
	// OutcomeError returned the wizard to confirmation with a message.
	OutcomeError Outcome = "error"
	// OutcomeInsufficientCredits also returns to confirmation, but typed so
	// the owner can open the payment prompt.
	OutcomeInsufficientCredits Outcome = "insufficient_credits"
)

// Wizard is one traversal's state. It is in-memory only and scoped to one
// visitor; Restart discards everything.
type Wizard struct {
	calc    Calculator
	logger  *slog.Logger
	metrics *metrics.Metrics
	stages  stageRunner

	mu            sync.Mutex
	step          Step
	selectedCount int
	bills         []BillInput
	formIndex     int
	recommending  bool
	lastError     string
	result        *backend.CalculationResult
}

// Option configures the Wizard.
type Option func(*Wizard)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Wizard) { w.logger = logger }
}

// WithMetrics wires calculation outcome counting.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Wizard) { w.metrics = m }
}

// WithStageCadence overrides the animation cadence.
func WithStageCadence(cadence time.Duration) Option {
	return func(w *Wizard) {
		if cadence > 0 {
			w.stages.cadence = cadence
		}
	}
}

// WithStageObserver receives each stage label as the animation advances.
func WithStageObserver(fn func(name string)) Option {
	return func(w *Wizard) { w.stages.onStage = fn }
}

// New constructs a Wizard at the welcome step.
func New(calc Calculator, opts ...Option) (*Wizard, error) {
	if calc == nil {
		return nil, errors.New("calculator is required")
	}
	w := &Wizard{
		calc:   calc,
		logger: slog.Default(),
		step:   StepWelcome,
		stages: stageRunner{cadence: DefaultStageCadence},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Step reports the current step.
func (w *Wizard) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

// FormIndex reports which bill form is active, 1-based. Zero outside forms.
func (w *Wizard) FormIndex() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != StepForm {
		return 0
	}
	return w.formIndex + 1
}

// BillCount reports how many bills the traversal collects.
func (w *Wizard) BillCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.selectedCount
}

// LastError reports the message carried back to the confirmation step.
func (w *Wizard) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// Result returns the calculation result once on the result step.
func (w *Wizard) Result() *backend.CalculationResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Begin moves Welcome → Selection.
func (w *Wizard) Begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != StepWelcome {
		return w.wrongStep(StepWelcome)
	}
	w.step = StepSelection
	return nil
}

// SelectBillCount records how many bills the visitor will enter. Choosing
// fewer than three surfaces a non-blocking recommendation: the wizard stays
// on selection until AcceptRecommendation or ContinueAnyway resolves it.
// recommended reports whether that prompt is now pending.
func (w *Wizard) SelectBillCount(n int) (recommended bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != StepSelection {
		return false, w.wrongStep(StepSelection)
	}
	if n < 1 || n > MaxBills {
		return false, dErrors.New(dErrors.CodeValidation,
			fmt.Sprintf("bill count must be between 1 and %d", MaxBills))
	}
	w.selectedCount = n
	if n < RecommendedBills {
		w.recommending = true
		return true, nil
	}
	w.enterForms()
	return false, nil
}

// AcceptRecommendation bumps the count to the recommended three and advances.
func (w *Wizard) AcceptRecommendation() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.recommending {
		return dErrors.New(dErrors.CodeValidation, "no recommendation is pending")
	}
	w.selectedCount = RecommendedBills
	w.enterForms()
	return nil
}

// ContinueAnyway keeps the originally chosen count and advances.
func (w *Wizard) ContinueAnyway() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.recommending {
		return dErrors.New(dErrors.CodeValidation, "no recommendation is pending")
	}
	w.enterForms()
	return nil
}

func (w *Wizard) enterForms() {
	w.recommending = false
	w.bills = make([]BillInput, w.selectedCount)
	w.formIndex = 0
	w.step = StepForm
}

// SubmitBill validates the active form's fields and advances one step. A
// failing bill keeps the visitor on the same form with a field-level error;
// the wizard never advances past invalid input.
func (w *Wizard) SubmitBill(input BillInput) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != StepForm {
		return w.wrongStep(StepForm)
	}
	if fieldErr := input.validate(); fieldErr != nil {
		return fieldErr
	}
	w.bills[w.formIndex] = input
	if w.formIndex == w.selectedCount-1 {
		w.step = StepConfirmation
		return nil
	}
	w.formIndex++
	return nil
}

// Back moves one step backward. From the first form it returns to selection,
// from confirmation to the last form. Collected bills are kept.
func (w *Wizard) Back() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.step {
	case StepForm:
		if w.formIndex == 0 {
			w.step = StepSelection
			return nil
		}
		w.formIndex--
		return nil
	case StepConfirmation:
		w.step = StepForm
		w.formIndex = w.selectedCount - 1
		return nil
	default:
		return dErrors.New(dErrors.CodeValidation, "cannot go back from this step")
	}
}

// Calculate moves Confirmation → Loading, issues exactly one calculation
// request, and plays the stage animation. The result step is entered only
// after both the animation and the response complete. On failure the wizard
// returns to confirmation with the message; it never silently resets.
func (w *Wizard) Calculate(ctx context.Context) (Outcome, error) {
	w.mu.Lock()
	if w.step != StepConfirmation {
		w.mu.Unlock()
		return OutcomeError, w.wrongStep(StepConfirmation)
	}
	w.step = StepLoading
	w.lastError = ""
	req := backend.CalculationRequest{Bills: make([]backend.Bill, len(w.bills))}
	for i, bill := range w.bills {
		req.Bills[i] = backend.Bill{ICMSValue: bill.ICMSValue, IssueDate: bill.IssueDate}
	}
	w.mu.Unlock()

	animation := w.stages.run(ctx)

	result, err := w.calc.Calculate(ctx, req)
	<-animation

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		w.step = StepConfirmation
		w.lastError = errorMessage(err)
		outcome := OutcomeError
		if dErrors.HasCode(err, dErrors.CodeInsufficientCredits) {
			outcome = OutcomeInsufficientCredits
		}
		w.count(outcome)
		return outcome, err
	}

	w.result = result
	w.step = StepResult
	w.count(OutcomeSuccess)
	return OutcomeSuccess, nil
}

// Restart discards all wizard state unconditionally.
func (w *Wizard) Restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.step = StepWelcome
	w.selectedCount = 0
	w.bills = nil
	w.formIndex = 0
	w.recommending = false
	w.lastError = ""
	w.result = nil
}

func (w *Wizard) count(outcome Outcome) {
	if w.metrics != nil {
		w.metrics.WizardCalcs.WithLabelValues(string(outcome)).Inc()
	}
}

func (w *Wizard) wrongStep(want Step) error {
	return dErrors.New(dErrors.CodeValidation,
		fmt.Sprintf("step %s required, currently on %s", want, w.step))
}

func errorMessage(err error) string {
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "calculation failed, please try again"
}
