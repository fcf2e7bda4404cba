package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTableName is used when NewPostgresStore gets an empty table name.
const DefaultTableName = "saga_instances"

const instanceColumns = `id, saga_type, idempotency_key, state, current_step, payload, version, command_id, attempt, deadline, failure, created_at, updated_at`

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db        *sql.DB
	tableName string
	now       func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
// tableName defaults to "saga_instances" if empty.
func NewPostgresStore(db *sql.DB, tableName string) (*PostgresStore, error) {
	if tableName == "" {
		tableName = DefaultTableName
	}
	if !validTableName.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name: %s", tableName)
	}
	return &PostgresStore{db: db, tableName: pq.QuoteIdentifier(tableName), now: time.Now}, nil
}

// IsProductionSafe returns true - PostgresStore is production safe.
func (s *PostgresStore) IsProductionSafe() bool {
	return true
}

// Schema returns the DDL for the instance table.
func (s *PostgresStore) Schema() string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			saga_type TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			state TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			payload JSONB NOT NULL DEFAULT '{}',
			version BIGINT NOT NULL DEFAULT 0,
			command_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			deadline TIMESTAMP WITH TIME ZONE,
			failure JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (saga_type, idempotency_key)
		)`, s.tableName)
}

// Migrate creates the instance table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.Schema()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Create allocates a new instance.
func (s *PostgresStore) Create(ctx context.Context, sagaType, idempotencyKey string, payload map[string]any) (*SagaInstance, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := s.now()
	inst := &SagaInstance{
		ID:             uuid.NewString(),
		SagaType:       sagaType,
		IdempotencyKey: idempotencyKey,
		State:          StateStarted,
		Payload:        clonePayload(payload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, saga_type, idempotency_key, state, current_step, payload, version, command_id, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, 0, '', 0, $6, $6)
		ON CONFLICT (saga_type, idempotency_key) DO NOTHING
	`, s.tableName)
	result, err := s.db.ExecContext(ctx, insertQuery, inst.ID, sagaType, idempotencyKey, StateStarted, payloadJSON, now)
	if err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
			return nil, fmt.Errorf("insert: %w", err)
		}
		// unique_violation raced past ON CONFLICT; fall through to lookup
	} else if rows, _ := result.RowsAffected(); rows == 1 {
		return inst, nil
	}

	var existing string
	lookup := fmt.Sprintf(`SELECT id FROM %s WHERE saga_type = $1 AND idempotency_key = $2`, s.tableName)
	if err := s.db.QueryRowContext(ctx, lookup, sagaType, idempotencyKey).Scan(&existing); err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return nil, NewDuplicateSagaError(sagaType, idempotencyKey, existing)
}

// Load retrieves an instance.
func (s *PostgresStore) Load(ctx context.Context, sagaID string) (*SagaInstance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, instanceColumns, s.tableName)
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, sagaID))
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return inst, nil
}

// Save persists inst iff the stored version equals expectedVersion.
func (s *PostgresStore) Save(ctx context.Context, inst *SagaInstance, expectedVersion int64) error {
	payload := inst.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var failureJSON any
	if inst.Failure != nil {
		b, err := json.Marshal(inst.Failure)
		if err != nil {
			return fmt.Errorf("marshal failure: %w", err)
		}
		failureJSON = string(b)
	}

	now := s.now()
	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, current_step = $2, payload = $3, command_id = $4, attempt = $5,
			deadline = $6, failure = $7, version = version + 1, updated_at = $8
		WHERE id = $9 AND version = $10
	`, s.tableName)
	result, err := s.db.ExecContext(ctx, updateQuery,
		inst.State,
		inst.CurrentStep,
		payloadJSON,
		inst.CommandID,
		inst.Attempt,
		inst.Deadline,
		failureJSON,
		now,
		inst.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 1 {
		inst.Version = expectedVersion + 1
		inst.UpdatedAt = now
		return nil
	}

	// Tell a missing row apart from a lost race
	var actual int64
	versionQuery := fmt.Sprintf(`SELECT version FROM %s WHERE id = $1`, s.tableName)
	err = s.db.QueryRowContext(ctx, versionQuery, inst.ID).Scan(&actual)
	if err == sql.ErrNoRows {
		return NewNotFoundError(inst.ID)
	}
	if err != nil {
		return NewConcurrencyConflictError(inst.ID, expectedVersion, -1)
	}
	return NewConcurrencyConflictError(inst.ID, expectedVersion, actual)
}

// ListExpired returns non-terminal instances whose deadline has passed.
func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error) {
	if limit <= 0 {
		limit = DefaultExpireBatch
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE deadline IS NOT NULL AND deadline <= $1 AND state = ANY($2)
		ORDER BY deadline ASC
		LIMIT %d
	`, instanceColumns, s.tableName, limit)

	rows, err := s.db.QueryContext(ctx, query, now, pq.Array(stateStrings([]LifecycleState{StateStepInFlight, StateCompensating})))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// Query retrieves instances matching the filter.
func (s *PostgresStore) Query(ctx context.Context, filter InstanceFilter) (*QueryResult, error) {
	// Build query
	where := " WHERE 1=1"
	args := []any{}
	argIndex := 1

	if filter.SagaType != "" {
		where += fmt.Sprintf(" AND saga_type = $%d", argIndex)
		args = append(args, filter.SagaType)
		argIndex++
	}

	if len(filter.States) > 0 {
		where += fmt.Sprintf(" AND state = ANY($%d)", argIndex)
		args = append(args, pq.Array(stateStrings(filter.States)))
		argIndex++
	}

	if filter.CreatedAfter != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, *filter.CreatedAfter)
		argIndex++
	}

	if filter.CreatedBefore != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, *filter.CreatedBefore)
		argIndex++
	}

	if filter.UpdatedAfter != nil {
		where += fmt.Sprintf(" AND updated_at >= $%d", argIndex)
		args = append(args, *filter.UpdatedAfter)
	}

	// Get total count
	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.tableName, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at DESC, id ASC LIMIT %d`, instanceColumns, s.tableName, where, limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var instances []SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return &QueryResult{
		Instances: instances,
		Total:     total,
	}, nil
}

// CountByState counts instances by state.
func (s *PostgresStore) CountByState(ctx context.Context, states ...LifecycleState) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE state = ANY($1)`, s.tableName)
	var count int
	if err := s.db.QueryRowContext(ctx, query, pq.Array(stateStrings(states))).Scan(&count); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*SagaInstance, error) {
	var (
		inst        SagaInstance
		payloadJSON []byte
		failureJSON []byte
		deadline    sql.NullTime
	)

	if err := row.Scan(
		&inst.ID,
		&inst.SagaType,
		&inst.IdempotencyKey,
		&inst.State,
		&inst.CurrentStep,
		&payloadJSON,
		&inst.Version,
		&inst.CommandID,
		&inst.Attempt,
		&deadline,
		&failureJSON,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	); err != nil {
		return nil, err
	}

	inst.Payload = map[string]any{}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &inst.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if deadline.Valid {
		d := deadline.Time
		inst.Deadline = &d
	}
	if len(failureJSON) > 0 {
		var f FailureRecord
		if err := json.Unmarshal(failureJSON, &f); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
		inst.Failure = &f
	}
	return &inst, nil
}

func stateStrings(states []LifecycleState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
