package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStepTimeout applies to steps without their own Timeout.
const DefaultStepTimeout = 30 * time.Second

// DefaultLockTTL is passed to Lock.Acquire when handling a reply.
const DefaultLockTTL = 10 * time.Second

const tracerName = "github.com/grafikui/saga-orchestrator-go"

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// Logger receives discarded replies, timeouts and faults. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// Events are notified after every persisted transition.
	Events []*OrchestratorEvents

	// Lock optionally serialises reply handling per saga. Correctness does
	// not depend on it.
	Lock Lock

	// StepTimeout is the default per-step timeout. Zero means DefaultStepTimeout,
	// a negative value disables timeouts for steps without their own.
	StepTimeout time.Duration

	// MaxConflictRetries bounds reload-and-reapply after a lost compare-and-swap.
	MaxConflictRetries uint

	// ConflictBackoff is the base delay between conflict retries.
	ConflictBackoff time.Duration

	// Tracer defaults to the global otel tracer provider.
	Tracer trace.Tracer

	// Now is the clock, for tests.
	Now func() time.Time
}

// Orchestrator drives saga instances through their definitions.
// It keeps no per-saga state in memory: every call loads the instance from
// the Store and saves it back with a compare-and-swap.
type Orchestrator struct {
	store    Store
	channel  Channel
	registry *Registry
	logger   *zerolog.Logger
	events   []*OrchestratorEvents
	lock     Lock
	tracer   trace.Tracer
	now      func() time.Time

	stepTimeout     time.Duration
	maxRetries      uint
	conflictBackoff time.Duration
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store Store, channel Channel, opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	lock := opts.Lock
	if lock == nil {
		lock = &NoOpLock{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stepTimeout := opts.StepTimeout
	if stepTimeout == 0 {
		stepTimeout = DefaultStepTimeout
	}
	maxRetries := opts.MaxConflictRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxConflictRetries
	}
	backoff := opts.ConflictBackoff
	if backoff == 0 {
		backoff = DefaultConflictBackoff
	}

	return &Orchestrator{
		store:           store,
		channel:         channel,
		registry:        NewRegistry(),
		logger:          logger,
		events:          opts.Events,
		lock:            lock,
		tracer:          tracer,
		now:             now,
		stepTimeout:     stepTimeout,
		maxRetries:      maxRetries,
		conflictBackoff: backoff,
	}
}

// Register adds a saga definition.
func (o *Orchestrator) Register(def *SagaDefinition) error {
	return o.registry.Register(def)
}

// Definitions returns the registered saga types.
func (o *Orchestrator) Definitions() []string {
	return o.registry.Names()
}

// Definition returns the definition registered under sagaType.
func (o *Orchestrator) Definition(sagaType string) (*SagaDefinition, error) {
	return o.registry.Get(sagaType)
}

// Listen registers the orchestrator as the channel's reply handler.
// Business outcomes and replies for unknown sagas are absorbed; only an
// OrchestratorFault is returned so the transport can dead-letter the message.
func (o *Orchestrator) Listen() {
	o.channel.OnReply(func(ctx context.Context, reply ReplyMessage) error {
		err := o.HandleReply(ctx, reply)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			o.logger.Warn().
				Str("saga_id", reply.SagaID).
				Str("reply_type", reply.ReplyType).
				Msg("dropping reply for unknown saga")
			return nil
		}
		if errors.Is(err, ErrOrchestratorFault) {
			return err
		}
		o.logger.Error().Err(err).Str("saga_id", reply.SagaID).Msg("reply handling failed")
		return nil
	})
}

// Start creates a saga instance and sends the first command. It returns as
// soon as the command is enqueued.
//
// A replayed idempotency key returns the existing saga id together with a
// *DuplicateSagaError. If that instance never got its first command out,
// it is dispatched now.
func (o *Orchestrator) Start(ctx context.Context, sagaType, idempotencyKey string, payload map[string]any) (string, error) {
	ctx, span := o.tracer.Start(ctx, "saga.Start", trace.WithAttributes(
		attribute.String("saga.type", sagaType),
	))
	defer span.End()

	if idempotencyKey == "" {
		return "", NewIdempotencyRequiredError(sagaType)
	}
	def, err := o.registry.Get(sagaType)
	if err != nil {
		return "", err
	}

	inst, err := o.store.Create(ctx, sagaType, idempotencyKey, payload)
	if err != nil {
		var dup *DuplicateSagaError
		if !errors.As(err, &dup) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
			return "", fmt.Errorf("create: %w", err)
		}
		span.SetAttributes(attribute.String("saga.id", dup.SagaID), attribute.Bool("saga.duplicate", true))
		existing, lerr := o.store.Load(ctx, dup.SagaID)
		if lerr != nil {
			o.logger.Warn().Err(lerr).Str("saga_id", dup.SagaID).Msg("could not check whether duplicate saga was dispatched")
		}
		if lerr == nil && existing.State == StateStarted {
			o.logger.Info().Str("saga_id", existing.ID).Msg("resuming saga that was created but never dispatched")
			if err := o.dispatchFirst(ctx, def, existing); err != nil {
				return dup.SagaID, err
			}
		}
		return dup.SagaID, dup
	}
	span.SetAttributes(attribute.String("saga.id", inst.ID))

	instCopy := *inst.Clone()
	emitEvent(o.events, func(e *OrchestratorEvents) {
		if e.OnSagaStart != nil {
			e.OnSagaStart(instCopy)
		}
	})

	if err := o.dispatchFirst(ctx, def, inst); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return inst.ID, err
	}
	return inst.ID, nil
}

func (o *Orchestrator) dispatchFirst(ctx context.Context, def *SagaDefinition, inst *SagaInstance) error {
	t := o.machine(def).start(inst)
	if err := o.store.Save(ctx, t.next, inst.Version); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			// Another caller dispatched it first.
			return nil
		}
		return NewOrchestratorFault(inst.ID, "dispatch", err)
	}
	o.afterSave(ctx, inst.State, t, ReplyMessage{}, 0)
	return o.send(ctx, t)
}

// HandleReply applies a participant reply to its saga.
//
// Late, duplicate and out-of-direction replies are discarded without a state
// change. A lost compare-and-swap reloads the instance and re-applies the
// reply; when retries run out an *OrchestratorFault is returned.
func (o *Orchestrator) HandleReply(ctx context.Context, reply ReplyMessage) error {
	ctx, span := o.tracer.Start(ctx, "saga.HandleReply", trace.WithAttributes(
		attribute.String("saga.id", reply.SagaID),
		attribute.Int("saga.step", reply.StepIndex),
		attribute.String("saga.reply_type", reply.ReplyType),
	))
	defer span.End()

	_, err := o.applyWithRetry(ctx, reply, time.Time{})
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply failed")
	}
	return err
}

// Get returns the current state of a saga.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*SagaInstance, error) {
	return o.store.Load(ctx, sagaID)
}

// ExpireTimedOut feeds a synthetic FAILURE to every saga whose in-flight
// command passed its deadline at now. It returns how many sagas moved; an
// instance whose deadline or command changed in the meantime is skipped.
func (o *Orchestrator) ExpireTimedOut(ctx context.Context, now time.Time) (int, error) {
	ctx, span := o.tracer.Start(ctx, "saga.ExpireTimedOut")
	defer span.End()

	expired, err := o.store.ListExpired(ctx, now, DefaultExpireBatch)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("list expired: %w", err)
	}

	moved := 0
	var errs []error
	for _, inst := range expired {
		reply := ReplyMessage{
			SagaID:    inst.ID,
			StepIndex: inst.CurrentStep,
			ReplyType: TimeoutReplyType,
			Outcome:   OutcomeFailure,
			CommandID: inst.CommandID,
		}
		applied, err := o.applyWithRetry(ctx, reply, now)
		if err != nil {
			errs = append(errs, err)
		}
		if !applied {
			continue
		}

		compensation := inst.State == StateCompensating
		o.logger.Warn().
			Str("saga_id", inst.ID).
			Int("step", inst.CurrentStep).
			Bool("compensation", compensation).
			Msg("step timed out")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnStepTimeout != nil {
				e.OnStepTimeout(inst.ID, inst.CurrentStep, compensation)
			}
		})
		moved++
	}
	span.SetAttributes(attribute.Int("saga.expired", moved))
	return moved, errors.Join(errs...)
}

// applyWithRetry applies reply and reports whether it changed the saga.
// A non-zero sweptAt marks a synthetic timeout judged at that time.
func (o *Orchestrator) applyWithRetry(ctx context.Context, reply ReplyMessage, sweptAt time.Time) (bool, error) {
	attempt := 0
	applied := false
	err := retry.Do(
		func() error {
			attempt++
			if attempt > 1 {
				emitEvent(o.events, func(e *OrchestratorEvents) {
					if e.OnConflictRetry != nil {
						e.OnConflictRetry(reply.SagaID, attempt-1)
					}
				})
			}
			var err error
			applied, err = o.applyOnce(ctx, reply, sweptAt)
			return err
		},
		retry.Attempts(o.maxRetries+1),
		retry.Delay(o.conflictBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrTransactionLocked)
		}),
	)
	if err == nil {
		return applied, nil
	}
	if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrTransactionLocked) {
		err = NewOrchestratorFault(reply.SagaID, "handle reply", fmt.Errorf("gave up after %d attempts: %w", attempt, err))
	}
	if errors.Is(err, ErrOrchestratorFault) {
		o.logger.Error().Err(err).Str("saga_id", reply.SagaID).Msg("orchestrator fault")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnFault != nil {
				e.OnFault(reply.SagaID, err)
			}
		})
	}
	return applied, err
}

// applyOnce reports true when the reply produced a persisted transition.
// The transition is reported even if sending its command failed.
func (o *Orchestrator) applyOnce(ctx context.Context, reply ReplyMessage, sweptAt time.Time) (bool, error) {
	token, err := o.lock.Acquire(ctx, reply.SagaID, DefaultLockTTL)
	if err != nil {
		if errors.Is(err, ErrTransactionLocked) {
			return false, err
		}
		return false, NewOrchestratorFault(reply.SagaID, "acquire lock", err)
	}
	defer func() {
		if err := o.lock.Release(ctx, reply.SagaID, token); err != nil {
			o.logger.Warn().Err(err).Str("saga_id", reply.SagaID).Msg("lock release failed")
		}
	}()

	inst, err := o.store.Load(ctx, reply.SagaID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, NewOrchestratorFault(reply.SagaID, "load", err)
	}
	def, err := o.registry.Get(inst.SagaType)
	if err != nil {
		return false, NewOrchestratorFault(inst.ID, "resolve definition", err)
	}

	m := o.machine(def)
	m.sweptAt = sweptAt
	t := m.apply(inst, reply, !sweptAt.IsZero())
	if t.discard != "" {
		o.logger.Debug().
			Str("saga_id", inst.ID).
			Str("state", string(inst.State)).
			Int("step", inst.CurrentStep).
			Int("reply_step", reply.StepIndex).
			Str("reply_type", reply.ReplyType).
			Str("reason", t.discard).
			Msg("reply discarded")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnReplyDiscarded != nil {
				e.OnReplyDiscarded(reply, t.discard)
			}
		})
		return false, nil
	}

	if err := o.store.Save(ctx, t.next, inst.Version); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return false, err
		}
		return false, NewOrchestratorFault(inst.ID, "save", err)
	}

	o.afterSave(ctx, inst.State, t, reply, o.now().Sub(inst.UpdatedAt))
	return true, o.send(ctx, t)
}

// afterSave reports a persisted transition.
func (o *Orchestrator) afterSave(ctx context.Context, from LifecycleState, t transition, reply ReplyMessage, waited time.Duration) {
	next := *t.next.Clone()

	if reply.SagaID != "" && t.outcome != "" {
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnReplyApplied != nil {
				e.OnReplyApplied(reply, t.outcome, waited)
			}
		})
	}
	emitEvent(o.events, func(e *OrchestratorEvents) {
		if e.OnStateChange != nil {
			e.OnStateChange(next, from)
		}
	})

	if t.command != nil && t.command.Compensation {
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnCompensationRun != nil {
				e.OnCompensationRun(next.ID, next.CurrentStep, next.Attempt)
			}
		})
	}

	switch next.State {
	case StateCompleted:
		o.logger.Info().Str("saga_id", next.ID).Str("saga_type", next.SagaType).Msg("saga completed")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnSagaCompleted != nil {
				e.OnSagaCompleted(next)
			}
		})
	case StateCompensated:
		o.logger.Info().Str("saga_id", next.ID).Str("saga_type", next.SagaType).Msg("saga compensated")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnSagaCompensated != nil {
				e.OnSagaCompensated(next)
			}
		})
	case StateFailed:
		ev := o.logger.Error().Str("saga_id", next.ID).Str("saga_type", next.SagaType).Int("step", next.CurrentStep)
		if next.Failure != nil {
			ev = ev.Str("kind", string(next.Failure.Kind)).Str("error", next.Failure.Error)
		}
		ev.Msg("saga failed")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnSagaFailed != nil {
				e.OnSagaFailed(next)
			}
		})
	}
}

// send emits the command of a saved transition. A failed send leaves the
// saga waiting; the step deadline turns it into a FAILURE.
func (o *Orchestrator) send(ctx context.Context, t transition) error {
	if t.command == nil {
		return nil
	}
	cmd := *t.command
	if err := o.channel.SendCommand(ctx, cmd); err != nil {
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnCommandFailed != nil {
				e.OnCommandFailed(cmd, err)
			}
		})
		fault := NewOrchestratorFault(cmd.SagaID, "send command", err)
		o.logger.Error().Err(err).
			Str("saga_id", cmd.SagaID).
			Str("command", cmd.CommandType).
			Str("participant", cmd.Participant).
			Msg("command send failed")
		emitEvent(o.events, func(e *OrchestratorEvents) {
			if e.OnFault != nil {
				e.OnFault(cmd.SagaID, fault)
			}
		})
		return fault
	}
	emitEvent(o.events, func(e *OrchestratorEvents) {
		if e.OnCommandSent != nil {
			e.OnCommandSent(cmd)
		}
	})
	return nil
}

func (o *Orchestrator) machine(def *SagaDefinition) machine {
	return machine{
		def:       def,
		now:       o.now(),
		timeout:   o.timeoutFor,
		commandID: uuid.NewString,
	}
}

func (o *Orchestrator) timeoutFor(step StepDefinition) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if o.stepTimeout < 0 {
		return 0
	}
	return o.stepTimeout
}
