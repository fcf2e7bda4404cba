package saga

import (
	"fmt"
	"sort"
	"sync"
)

// NewSagaDefinition validates steps and returns an immutable definition.
// Step indexes are assigned from slice order.
func NewSagaDefinition(name string, steps []StepDefinition) (*SagaDefinition, error) {
	if name == "" {
		return nil, NewInvalidDefinitionError(name, -1, "name is required")
	}
	if len(steps) == 0 {
		return nil, NewInvalidDefinitionError(name, -1, "at least one step is required")
	}

	def := &SagaDefinition{Name: name, Steps: make([]StepDefinition, len(steps))}
	for i, s := range steps {
		if err := validateStep(name, i, s); err != nil {
			return nil, err
		}
		s.Index = i
		s.Replies = copyReplies(s.Replies)
		s.CompensationReplies = copyReplies(s.CompensationReplies)
		def.Steps[i] = s
	}
	return def, nil
}

// MustSagaDefinition is like NewSagaDefinition but panics on error.
func MustSagaDefinition(name string, steps []StepDefinition) *SagaDefinition {
	def, err := NewSagaDefinition(name, steps)
	if err != nil {
		panic(err)
	}
	return def
}

func validateStep(name string, i int, s StepDefinition) error {
	if s.Participant == "" {
		return NewInvalidDefinitionError(name, i, "participant is required")
	}
	if s.ForwardCommand == "" {
		return NewInvalidDefinitionError(name, i, "forward command is required")
	}
	if s.Timeout < 0 {
		return NewInvalidDefinitionError(name, i, "timeout must not be negative")
	}
	if s.CompensationRetries < 0 {
		return NewInvalidDefinitionError(name, i, "compensation retries must not be negative")
	}
	if !hasOutcome(s.Replies, OutcomeSuccess) {
		return NewInvalidDefinitionError(name, i, "replies must include a SUCCESS reply type")
	}
	if err := validateOutcomes(name, i, s.Replies); err != nil {
		return err
	}

	switch {
	case s.HasCompensation() && s.NoCompensation:
		return NewInvalidDefinitionError(name, i, "compensating command declared together with noCompensation")
	case s.HasCompensation():
		if !hasOutcome(s.CompensationReplies, OutcomeSuccess) {
			return NewInvalidDefinitionError(name, i, "compensation replies must include a SUCCESS reply type")
		}
		if err := validateOutcomes(name, i, s.CompensationReplies); err != nil {
			return err
		}
		for rt := range s.CompensationReplies {
			if _, dup := s.Replies[rt]; dup {
				return NewInvalidDefinitionError(name, i, fmt.Sprintf("reply type '%s' used for both forward and compensation", rt))
			}
		}
	case i > 0 && !s.NoCompensation:
		return NewInvalidDefinitionError(name, i, "compensating command missing; set noCompensation to declare a no-op")
	default:
		if len(s.CompensationReplies) > 0 {
			return NewInvalidDefinitionError(name, i, "compensation replies declared without a compensating command")
		}
	}
	return nil
}

func validateOutcomes(name string, i int, replies map[string]Outcome) error {
	for rt, o := range replies {
		if rt == "" {
			return NewInvalidDefinitionError(name, i, "empty reply type")
		}
		if o != OutcomeSuccess && o != OutcomeFailure {
			return NewInvalidDefinitionError(name, i, fmt.Sprintf("reply type '%s' has unknown outcome '%s'", rt, o))
		}
	}
	return nil
}

func hasOutcome(replies map[string]Outcome, want Outcome) bool {
	for _, o := range replies {
		if o == want {
			return true
		}
	}
	return false
}

func copyReplies(in map[string]Outcome) map[string]Outcome {
	if in == nil {
		return nil
	}
	out := make(map[string]Outcome, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Registry holds saga definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*SagaDefinition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*SagaDefinition)}
}

// Register adds a definition. Names must be unique.
func (r *Registry) Register(def *SagaDefinition) error {
	if def == nil {
		return NewInvalidDefinitionError("", -1, "definition is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return NewInvalidDefinitionError(def.Name, -1, "already registered")
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*SagaDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, NewUnknownSagaTypeError(name)
	}
	return def, nil
}

// Names returns registered saga types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
