// Package redisstore implements saga.Store on Redis.
//
// Each instance is a hash. Create and Save run as Lua scripts so the
// idempotency check and the version compare-and-swap are atomic. A sorted
// set indexes deadlines and one set per lifecycle state indexes states.
// Keys are derived inside the scripts, so the store targets a single Redis
// node rather than a cluster.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	saga "github.com/grafikui/saga-orchestrator-go"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "saga:"

var createScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2],
  'id', ARGV[1], 'sagaType', ARGV[2], 'idempotencyKey', ARGV[3],
  'createdAt', ARGV[4], 'state', ARGV[5], 'data', ARGV[6], 'version', 0)
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[7], ARGV[1])
return {1, ARGV[1]}
`)

var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {'missing', -1}
end
local current = tonumber(redis.call('HGET', KEYS[1], 'version'))
if current ~= tonumber(ARGV[2]) then
  return {'conflict', current}
end
local old = redis.call('HGET', KEYS[1], 'state')
if old ~= ARGV[3] then
  redis.call('SREM', ARGV[6] .. old, ARGV[1])
  redis.call('SADD', ARGV[6] .. ARGV[3], ARGV[1])
end
redis.call('HSET', KEYS[1], 'state', ARGV[3], 'data', ARGV[4], 'version', current + 1)
if ARGV[5] == '' then
  redis.call('ZREM', KEYS[2], ARGV[1])
else
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
end
return {'ok', current + 1}
`)

// record holds the mutable part of an instance.
type record struct {
	CurrentStep int                 `json:"currentStep"`
	Payload     map[string]any      `json:"payload"`
	CommandID   string              `json:"commandId,omitempty"`
	Attempt     int                 `json:"attempt,omitempty"`
	Deadline    *time.Time          `json:"deadline,omitempty"`
	Failure     *saga.FailureRecord `json:"failure,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Store is a Redis-backed saga.Store.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// New creates a Store. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// IsProductionSafe returns true; durability depends on the server's persistence settings.
func (s *Store) IsProductionSafe() bool {
	return true
}

func (s *Store) instanceKey(id string) string {
	return s.prefix + "instance:" + id
}

func (s *Store) idemKey(sagaType, key string) string {
	return s.prefix + "idem:" + sagaType + ":" + key
}

func (s *Store) statePrefix() string {
	return s.prefix + "state:"
}

func (s *Store) stateKey(st saga.LifecycleState) string {
	return s.statePrefix() + string(st)
}

func (s *Store) deadlinesKey() string {
	return s.prefix + "deadlines"
}

func (s *Store) createdKey() string {
	return s.prefix + "created"
}

// Create allocates a new instance unless the idempotency key is taken.
func (s *Store) Create(ctx context.Context, sagaType, idempotencyKey string, payload map[string]any) (*saga.SagaInstance, error) {
	now := s.now().UTC()
	inst := &saga.SagaInstance{
		ID:             uuid.NewString(),
		SagaType:       sagaType,
		IdempotencyKey: idempotencyKey,
		State:          saga.StateStarted,
		Payload:        cloneMap(payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	data, err := encodeRecord(inst)
	if err != nil {
		return nil, err
	}

	res, err := createScript.Run(ctx, s.client,
		[]string{s.idemKey(sagaType, idempotencyKey), s.instanceKey(inst.ID), s.stateKey(saga.StateStarted), s.createdKey()},
		inst.ID, sagaType, idempotencyKey, now.Format(time.RFC3339Nano), string(saga.StateStarted), data, now.UnixNano(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("create saga: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("create saga: unexpected script result %v", res)
	}
	if created, _ := res[0].(int64); created == 0 {
		existing, _ := res[1].(string)
		return nil, saga.NewDuplicateSagaError(sagaType, idempotencyKey, existing)
	}
	return inst, nil
}

// Load retrieves an instance.
func (s *Store) Load(ctx context.Context, sagaID string) (*saga.SagaInstance, error) {
	fields, err := s.client.HGetAll(ctx, s.instanceKey(sagaID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load saga: %w", err)
	}
	if len(fields) == 0 {
		return nil, saga.NewNotFoundError(sagaID)
	}
	return decodeInstance(fields)
}

// Save applies inst iff the stored version equals expectedVersion.
func (s *Store) Save(ctx context.Context, inst *saga.SagaInstance, expectedVersion int64) error {
	updated := inst.Clone()
	updated.UpdatedAt = s.now().UTC()
	data, err := encodeRecord(updated)
	if err != nil {
		return err
	}

	deadline := ""
	if inst.Deadline != nil && !inst.State.IsTerminal() {
		deadline = strconv.FormatInt(inst.Deadline.UnixMilli(), 10)
	}

	res, err := saveScript.Run(ctx, s.client,
		[]string{s.instanceKey(inst.ID), s.deadlinesKey()},
		inst.ID, expectedVersion, string(inst.State), data, deadline, s.statePrefix(),
	).Slice()
	if err != nil {
		return fmt.Errorf("save saga: %w", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("save saga: unexpected script result %v", res)
	}
	status, _ := res[0].(string)
	version, _ := res[1].(int64)
	switch status {
	case "ok":
		inst.Version = version
		inst.UpdatedAt = updated.UpdatedAt
		return nil
	case "missing":
		return saga.NewNotFoundError(inst.ID)
	default:
		return saga.NewConcurrencyConflictError(inst.ID, expectedVersion, version)
	}
}

// ListExpired returns in-flight instances whose deadline is at or before now.
func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]saga.SagaInstance, error) {
	if limit <= 0 {
		limit = saga.DefaultExpireBatch
	}
	ids, err := s.client.ZRangeByScore(ctx, s.deadlinesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}

	instances, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := instances[:0]
	for _, inst := range instances {
		if inst.State == saga.StateStepInFlight || inst.State == saga.StateCompensating {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Query retrieves instances matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter saga.InstanceFilter) (*saga.QueryResult, error) {
	var ids []string
	var err error
	if len(filter.States) > 0 {
		keys := make([]string, len(filter.States))
		for i, st := range filter.States {
			keys[i] = s.stateKey(st)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, s.createdKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}

	instances, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	matched := make([]saga.SagaInstance, 0, len(instances))
	for i := range instances {
		if saga.MatchesFilter(&instances[i], filter) {
			matched = append(matched, instances[i])
		}
	}
	saga.SortNewestFirst(matched)
	return saga.Paginate(matched, filter), nil
}

// CountByState counts instances in any of states.
func (s *Store) CountByState(ctx context.Context, states ...saga.LifecycleState) (int, error) {
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(states))
	for i, st := range states {
		cmds[i] = pipe.SCard(ctx, s.stateKey(st))
	}
	if len(cmds) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count by state: %w", err)
	}
	total := 0
	for _, c := range cmds {
		total += int(c.Val())
	}
	return total, nil
}

// loadAll loads ids in one pipeline, skipping ids whose hash is gone.
func (s *Store) loadAll(ctx context.Context, ids []string) ([]saga.SagaInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.instanceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load sagas: %w", err)
	}

	out := make([]saga.SagaInstance, 0, len(ids))
	for _, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			continue
		}
		inst, err := decodeInstance(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, nil
}

func encodeRecord(inst *saga.SagaInstance) (string, error) {
	data, err := json.Marshal(record{
		CurrentStep: inst.CurrentStep,
		Payload:     inst.Payload,
		CommandID:   inst.CommandID,
		Attempt:     inst.Attempt,
		Deadline:    inst.Deadline,
		Failure:     inst.Failure,
		UpdatedAt:   inst.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal saga: %w", err)
	}
	return string(data), nil
}

func decodeInstance(fields map[string]string) (*saga.SagaInstance, error) {
	var rec record
	if err := json.Unmarshal([]byte(fields["data"]), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal saga %s: %w", fields["id"], err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse version of saga %s: %w", fields["id"], err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, fields["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("parse createdAt of saga %s: %w", fields["id"], err)
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	return &saga.SagaInstance{
		ID:             fields["id"],
		SagaType:       fields["sagaType"],
		IdempotencyKey: fields["idempotencyKey"],
		State:          saga.LifecycleState(fields["state"]),
		CurrentStep:    rec.CurrentStep,
		Payload:        rec.Payload,
		Version:        version,
		CommandID:      rec.CommandID,
		Attempt:        rec.Attempt,
		Deadline:       rec.Deadline,
		Failure:        rec.Failure,
		CreatedAt:      createdAt,
		UpdatedAt:      rec.UpdatedAt,
	}, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ saga.Store = (*Store)(nil)
