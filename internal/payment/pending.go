package payment

import (
	"context"
	"log/slog"

	"calculaconfia/internal/flagstore"
	dErrors "calculaconfia/pkg/domain-errors"
	"calculaconfia/pkg/requestcontext"
)

// PendingStore persists at most one PendingPayment per profile on the durable
// flag store.
type PendingStore struct {
	store  flagstore.Store
	logger *slog.Logger
}

// NewPendingStore wraps the durable flag store.
func NewPendingStore(store flagstore.Store, logger *slog.Logger) *PendingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PendingStore{store: store, logger: logger}
}

// Begin records a new pending payment. An existing record is overwritten: the
// newest checkout owns the baseline, since the backend only honors the most
// recent order.
func (ps *PendingStore) Begin(ctx context.Context, pending PendingPayment) error {
	raw, err := pending.encode()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode pending payment")
	}
	if err := ps.store.Set(ctx, ps.key(ctx), raw, 0); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to persist pending payment")
	}
	return nil
}

// Load returns the pending record, if any. A corrupt record is discarded and
// reported as absent: the baseline is gone and polling against it would lie.
func (ps *PendingStore) Load(ctx context.Context) (PendingPayment, bool, error) {
	raw, ok, err := ps.store.Get(ctx, ps.key(ctx))
	if err != nil {
		return PendingPayment{}, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read pending payment")
	}
	if !ok {
		return PendingPayment{}, false, nil
	}
	pending, err := decodePending(raw)
	if err != nil {
		ps.logger.Warn("discarding corrupt pending payment record", "error", err)
		ps.Clear(ctx)
		return PendingPayment{}, false, nil
	}
	return pending, true, nil
}

// Clear removes the pending record. Clearing an absent record is a no-op.
func (ps *PendingStore) Clear(ctx context.Context) {
	if err := ps.store.Delete(ctx, ps.key(ctx)); err != nil {
		ps.logger.Warn("failed to clear pending payment", "error", err)
	}
}

func (ps *PendingStore) key(ctx context.Context) string {
	return flagstore.ProfileKey(requestcontext.ProfileID(ctx), flagstore.KeyPendingPayment)
}
