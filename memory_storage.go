package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store using in-memory maps.
// WARNING: Not production safe - use only for testing and single-process demos.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*SagaInstance
	keys      map[string]string
	now       func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*SagaInstance),
		keys:      make(map[string]string),
		now:       time.Now,
	}
}

// IsProductionSafe returns false - MemoryStore is not production safe.
func (s *MemoryStore) IsProductionSafe() bool {
	return false
}

func idempotencyIndex(sagaType, key string) string {
	return sagaType + "\x00" + key
}

// Create allocates a new instance.
func (s *MemoryStore) Create(ctx context.Context, sagaType, idempotencyKey string, payload map[string]any) (*SagaInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := idempotencyIndex(sagaType, idempotencyKey)
	if existing, ok := s.keys[idx]; ok {
		return nil, NewDuplicateSagaError(sagaType, idempotencyKey, existing)
	}

	now := s.now()
	inst := &SagaInstance{
		ID:             uuid.NewString(),
		SagaType:       sagaType,
		IdempotencyKey: idempotencyKey,
		CurrentStep:    0,
		State:          StateStarted,
		Payload:        clonePayload(payload),
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.instances[inst.ID] = inst
	s.keys[idx] = inst.ID
	return inst.Clone(), nil
}

// Load retrieves an instance.
func (s *MemoryStore) Load(ctx context.Context, sagaID string) (*SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[sagaID]
	if !ok {
		return nil, NewNotFoundError(sagaID)
	}
	// Return a copy to avoid race conditions
	return inst.Clone(), nil
}

// Save persists inst iff the stored version equals expectedVersion.
func (s *MemoryStore) Save(ctx context.Context, inst *SagaInstance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.instances[inst.ID]
	if !ok {
		return NewNotFoundError(inst.ID)
	}
	if current.Version != expectedVersion {
		return NewConcurrencyConflictError(inst.ID, expectedVersion, current.Version)
	}

	inst.Version = expectedVersion + 1
	inst.UpdatedAt = s.now()
	stored := inst.Clone()
	// Identity fields are immutable after Create.
	stored.SagaType = current.SagaType
	stored.IdempotencyKey = current.IdempotencyKey
	stored.CreatedAt = current.CreatedAt
	s.instances[inst.ID] = stored
	return nil
}

// ListExpired returns non-terminal instances whose deadline has passed.
func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultExpireBatch
	}
	var out []SagaInstance
	for _, inst := range s.instances {
		if inst.State.IsTerminal() || inst.Deadline == nil || inst.Deadline.After(now) {
			continue
		}
		out = append(out, *inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(*out[j].Deadline) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Query retrieves instances matching the filter.
func (s *MemoryStore) Query(ctx context.Context, filter InstanceFilter) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var instances []SagaInstance
	for _, inst := range s.instances {
		if matchesFilter(inst, filter) {
			instances = append(instances, *inst.Clone())
		}
	}
	sortNewestFirst(instances)
	return paginate(instances, filter), nil
}

// CountByState counts instances by state.
func (s *MemoryStore) CountByState(ctx context.Context, states ...LifecycleState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, inst := range s.instances {
		for _, st := range states {
			if inst.State == st {
				count++
				break
			}
		}
	}
	return count, nil
}

// matchesFilter applies an InstanceFilter in memory. Shared by stores that
// cannot push filtering down to the backend.
func matchesFilter(inst *SagaInstance, filter InstanceFilter) bool {
	if filter.SagaType != "" && inst.SagaType != filter.SagaType {
		return false
	}
	if len(filter.States) > 0 {
		found := false
		for _, st := range filter.States {
			if inst.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.CreatedAfter != nil && inst.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && inst.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	if filter.UpdatedAfter != nil && inst.UpdatedAt.Before(*filter.UpdatedAfter) {
		return false
	}
	return true
}

// MatchesFilter reports whether inst satisfies filter.
func MatchesFilter(inst *SagaInstance, filter InstanceFilter) bool {
	return matchesFilter(inst, filter)
}

func sortNewestFirst(instances []SagaInstance) {
	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.After(instances[j].CreatedAt)
	})
}

// SortNewestFirst orders instances by creation time, newest first.
func SortNewestFirst(instances []SagaInstance) {
	sortNewestFirst(instances)
}

func paginate(instances []SagaInstance, filter InstanceFilter) *QueryResult {
	total := len(instances)

	if filter.Offset > 0 && filter.Offset < len(instances) {
		instances = instances[filter.Offset:]
	} else if filter.Offset >= len(instances) {
		instances = nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(instances) > limit {
		instances = instances[:limit]
	}

	return &QueryResult{
		Instances: instances,
		Total:     total,
	}
}

// Paginate applies Offset and Limit of filter to already filtered instances.
func Paginate(instances []SagaInstance, filter InstanceFilter) *QueryResult {
	return paginate(instances, filter)
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
