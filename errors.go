package saga

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is() support
var (
	ErrDuplicateSaga       = errors.New("duplicate saga")
	ErrNotFound            = errors.New("saga not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrProtocol            = errors.New("protocol error")
	ErrCompensationFailed  = errors.New("compensation failed")
	ErrStepTimeout         = errors.New("step timeout")
	ErrOrchestratorFault   = errors.New("orchestrator fault")
	ErrIdempotencyRequired = errors.New("idempotency required")
	ErrUnknownSagaType     = errors.New("unknown saga type")
	ErrInvalidDefinition   = errors.New("invalid saga definition")
	ErrTransactionLocked   = errors.New("saga locked")
)

// Error codes for saga errors
const (
	ErrCodeDuplicateSaga       = "DUPLICATE_SAGA"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	ErrCodeProtocol            = "PROTOCOL_ERROR"
	ErrCodeCompensationFailed  = "COMPENSATION_FAILED"
	ErrCodeStepTimeout         = "STEP_TIMEOUT"
	ErrCodeOrchestratorFault   = "ORCHESTRATOR_FAULT"
	ErrCodeIdempotencyRequired = "IDEMPOTENCY_REQUIRED"
	ErrCodeUnknownSagaType     = "UNKNOWN_SAGA_TYPE"
	ErrCodeInvalidDefinition   = "INVALID_DEFINITION"
	ErrCodeTransactionLocked   = "SAGA_LOCKED"
)

// SagaError is the base error type for all saga errors.
type SagaError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SagaError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// DuplicateSagaError is returned when a start request replays a known idempotency key.
// It is not a failure: SagaID names the instance created by the first request.
type DuplicateSagaError struct {
	SagaError
	SagaType       string
	IdempotencyKey string
	SagaID         string
}

// NewDuplicateSagaError creates a new DuplicateSagaError.
func NewDuplicateSagaError(sagaType, key, sagaID string) *DuplicateSagaError {
	return &DuplicateSagaError{
		SagaError: SagaError{
			Code:    ErrCodeDuplicateSaga,
			Message: fmt.Sprintf("saga '%s' already started with idempotency key '%s' (id: %s)", sagaType, key, sagaID),
		},
		SagaType:       sagaType,
		IdempotencyKey: key,
		SagaID:         sagaID,
	}
}

func (e *DuplicateSagaError) Is(target error) bool {
	return target == ErrDuplicateSaga
}

// NotFoundError is returned when a saga id is unknown.
type NotFoundError struct {
	SagaError
	SagaID string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(sagaID string) *NotFoundError {
	return &NotFoundError{
		SagaError: SagaError{
			Code:    ErrCodeNotFound,
			Message: fmt.Sprintf("saga '%s' not found", sagaID),
		},
		SagaID: sagaID,
	}
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConcurrencyConflictError is returned by Store.Save when the stored version moved.
type ConcurrencyConflictError struct {
	SagaError
	SagaID          string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyConflictError creates a new ConcurrencyConflictError.
// actual is -1 when the store cannot report the current version.
func NewConcurrencyConflictError(sagaID string, expected, actual int64) *ConcurrencyConflictError {
	msg := fmt.Sprintf("saga '%s' was modified concurrently (expected version %d", sagaID, expected)
	if actual >= 0 {
		msg += fmt.Sprintf(", found %d", actual)
	}
	msg += ")"
	return &ConcurrencyConflictError{
		SagaError: SagaError{
			Code:    ErrCodeConcurrencyConflict,
			Message: msg,
		},
		SagaID:          sagaID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ProtocolError describes a reply the current step does not expect.
type ProtocolError struct {
	SagaError
	SagaID    string
	StepIndex int
	ReplyType string
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(sagaID string, step int, replyType string) *ProtocolError {
	return &ProtocolError{
		SagaError: SagaError{
			Code:    ErrCodeProtocol,
			Message: fmt.Sprintf("unexpected reply '%s' for step %d of saga '%s'", replyType, step, sagaID),
		},
		SagaID:    sagaID,
		StepIndex: step,
		ReplyType: replyType,
	}
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// CompensationFailedError describes a compensating command that failed.
type CompensationFailedError struct {
	SagaError
	SagaID    string
	StepIndex int
	ReplyType string
}

// NewCompensationFailedError creates a new CompensationFailedError.
func NewCompensationFailedError(sagaID string, step int, replyType string) *CompensationFailedError {
	return &CompensationFailedError{
		SagaError: SagaError{
			Code:    ErrCodeCompensationFailed,
			Message: fmt.Sprintf("compensation failed for step %d of saga '%s' (reply: %s)", step, sagaID, replyType),
		},
		SagaID:    sagaID,
		StepIndex: step,
		ReplyType: replyType,
	}
}

func (e *CompensationFailedError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// StepTimeoutError describes a command that received no reply before its deadline.
type StepTimeoutError struct {
	SagaError
	SagaID    string
	StepIndex int
	TimeoutMs int64
}

// NewStepTimeoutError creates a new StepTimeoutError.
func NewStepTimeoutError(sagaID string, step int, timeout time.Duration) *StepTimeoutError {
	return &StepTimeoutError{
		SagaError: SagaError{
			Code:    ErrCodeStepTimeout,
			Message: fmt.Sprintf("step %d of saga '%s' exceeded timeout of %d ms", step, sagaID, timeout.Milliseconds()),
		},
		SagaID:    sagaID,
		StepIndex: step,
		TimeoutMs: timeout.Milliseconds(),
	}
}

func (e *StepTimeoutError) Is(target error) bool {
	return target == ErrStepTimeout
}

// OrchestratorFault is an internal failure that needs operator attention.
// It is distinct from a saga ending in FAILED.
type OrchestratorFault struct {
	SagaError
	SagaID    string
	Operation string
}

// NewOrchestratorFault creates a new OrchestratorFault.
func NewOrchestratorFault(sagaID, operation string, cause error) *OrchestratorFault {
	return &OrchestratorFault{
		SagaError: SagaError{
			Code:    ErrCodeOrchestratorFault,
			Message: fmt.Sprintf("%s failed for saga '%s'", operation, sagaID),
			Cause:   cause,
		},
		SagaID:    sagaID,
		Operation: operation,
	}
}

func (e *OrchestratorFault) Is(target error) bool {
	return target == ErrOrchestratorFault
}

// IdempotencyRequiredError is returned when a start request has no idempotency key.
type IdempotencyRequiredError struct {
	SagaError
	SagaType string
}

// NewIdempotencyRequiredError creates a new IdempotencyRequiredError.
func NewIdempotencyRequiredError(sagaType string) *IdempotencyRequiredError {
	return &IdempotencyRequiredError{
		SagaError: SagaError{
			Code:    ErrCodeIdempotencyRequired,
			Message: fmt.Sprintf("saga '%s' requires an idempotency key to start", sagaType),
		},
		SagaType: sagaType,
	}
}

func (e *IdempotencyRequiredError) Is(target error) bool {
	return target == ErrIdempotencyRequired
}

// UnknownSagaTypeError is returned when no definition is registered under a name.
type UnknownSagaTypeError struct {
	SagaError
	SagaType string
}

// NewUnknownSagaTypeError creates a new UnknownSagaTypeError.
func NewUnknownSagaTypeError(sagaType string) *UnknownSagaTypeError {
	return &UnknownSagaTypeError{
		SagaError: SagaError{
			Code:    ErrCodeUnknownSagaType,
			Message: fmt.Sprintf("saga type '%s' is not registered", sagaType),
		},
		SagaType: sagaType,
	}
}

func (e *UnknownSagaTypeError) Is(target error) bool {
	return target == ErrUnknownSagaType
}

// InvalidDefinitionError is returned by NewSagaDefinition.
type InvalidDefinitionError struct {
	SagaError
	SagaType  string
	StepIndex int
}

// NewInvalidDefinitionError creates a new InvalidDefinitionError. step is -1
// when the problem is not tied to a single step.
func NewInvalidDefinitionError(sagaType string, step int, reason string) *InvalidDefinitionError {
	msg := fmt.Sprintf("saga '%s': %s", sagaType, reason)
	if step >= 0 {
		msg = fmt.Sprintf("saga '%s' step %d: %s", sagaType, step, reason)
	}
	return &InvalidDefinitionError{
		SagaError: SagaError{
			Code:    ErrCodeInvalidDefinition,
			Message: msg,
		},
		SagaType:  sagaType,
		StepIndex: step,
	}
}

func (e *InvalidDefinitionError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// TransactionLockedError is returned when a saga is locked by another handler.
type TransactionLockedError struct {
	SagaError
	SagaID string
}

// NewTransactionLockedError creates a new TransactionLockedError.
func NewTransactionLockedError(sagaID string) *TransactionLockedError {
	return &TransactionLockedError{
		SagaError: SagaError{
			Code:    ErrCodeTransactionLocked,
			Message: fmt.Sprintf("saga '%s' is locked by another handler", sagaID),
		},
		SagaID: sagaID,
	}
}

func (e *TransactionLockedError) Is(target error) bool {
	return target == ErrTransactionLocked
}

// TruncateError truncates an error message to MaxErrorLength.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	marker := "... [TRUNCATED]"
	return msg[:MaxErrorLength-len(marker)] + marker
}

// newFailureRecord creates a FailureRecord from an error.
func newFailureRecord(kind FailureKind, step int, replyType string, err error, now time.Time) *FailureRecord {
	return &FailureRecord{
		Kind:      kind,
		Step:      step,
		ReplyType: replyType,
		Error:     TruncateError(err),
		Timestamp: now,
	}
}
