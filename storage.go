package saga

import (
	"context"
	"time"
)

// Store is the interface for saga instance persistence.
//
// Save is the single concurrency-control primitive the Orchestrator relies
// on: every implementation must apply it as a compare-and-swap on Version.
type Store interface {
	// IsProductionSafe returns true if this store is safe for production use.
	IsProductionSafe() bool

	// Create allocates a new instance in STARTED at step 0 with version 0.
	// A (sagaType, idempotencyKey) pair already in use returns *DuplicateSagaError.
	Create(ctx context.Context, sagaType, idempotencyKey string, payload map[string]any) (*SagaInstance, error)

	// Load retrieves an instance, or *NotFoundError.
	Load(ctx context.Context, sagaID string) (*SagaInstance, error)

	// Save persists inst iff the stored version equals expectedVersion and
	// bumps the version; inst.Version and inst.UpdatedAt are updated on success.
	// A version mismatch returns *ConcurrencyConflictError.
	Save(ctx context.Context, inst *SagaInstance, expectedVersion int64) error

	// ListExpired returns non-terminal instances whose deadline is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error)

	// Query retrieves instances matching the filter, newest first.
	Query(ctx context.Context, filter InstanceFilter) (*QueryResult, error)

	// CountByState counts instances in any of the given states.
	CountByState(ctx context.Context, states ...LifecycleState) (int, error)
}
