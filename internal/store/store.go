package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulseboard/pulseboard/internal/domain"
)

var (
	// ErrVariantNotFound means the referenced variant has never been
	// registered and no persona was supplied to auto-register it.
	ErrVariantNotFound = errors.New("store: variant not found")

	// ErrDuplicateSignal means the (variant_id, upstream_event_id) pair was
	// already claimed; the state change has been applied by an earlier
	// delivery and must not be applied again.
	ErrDuplicateSignal = errors.New("store: duplicate upstream signal")

	// ErrCounterInvariant means an update would leave successes above
	// impressions. Rejected, never persisted.
	ErrCounterInvariant = errors.New("store: successes exceed impressions")
)

// PersistenceError wraps a store/cache failure that the caller should retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient persistence failure.
func IsRetryable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Store is the single point of truth for persisted variant state. All
// mutations of the relational store go through it.
type Store interface {
	// RegisterVariant creates the variant and its monitoring snapshot.
	// Idempotent: re-registering returns the existing snapshot.
	RegisterVariant(ctx context.Context, v domain.Variant) (*domain.PerformanceSnapshot, error)

	// UpsertSnapshot applies an additive delta transactionally, recomputing
	// the derived fields, and returns the new snapshot. Concurrent calls for
	// one variant serialize on the snapshot row. A non-empty upstreamEventID
	// is claimed in the same transaction; a duplicate claim returns
	// ErrDuplicateSignal and applies nothing.
	UpsertSnapshot(ctx context.Context, variantID string, delta domain.SnapshotDelta, upstreamEventID string) (*domain.PerformanceSnapshot, error)

	// RecordKill transitions the snapshot to killed and writes the audit row
	// exactly once. Re-delivery returns the existing record with
	// created=false rather than erroring.
	RecordKill(ctx context.Context, variantID, reason, upstreamEventID string) (rec *domain.KillRecord, snap *domain.PerformanceSnapshot, created bool, err error)

	// SetFatigueWarning flags the snapshot and returns it.
	SetFatigueWarning(ctx context.Context, variantID, upstreamEventID string) (*domain.PerformanceSnapshot, error)

	// AppendEvent assigns the next per-persona sequence number, persists the
	// event, prunes the persona's log to the replay window, and fills in
	// ev.Sequence.
	AppendEvent(ctx context.Context, ev *domain.DashboardEvent) error

	GetSnapshot(ctx context.Context, variantID string) (*domain.PerformanceSnapshot, error)
	ListActiveSnapshots(ctx context.Context, personaID string) ([]domain.PerformanceSnapshot, error)
	ListRecentEvents(ctx context.Context, personaID string, sinceSeq int64, limit int) ([]domain.DashboardEvent, error)
	ListRecentSuggestions(ctx context.Context, personaID string, limit int) ([]domain.DashboardEvent, error)
	PersonaMetrics(ctx context.Context, personaID string) (*domain.PersonaMetrics, error)
}
