package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

var instanceColumnNames = []string{
	"id", "saga_type", "idempotency_key", "state", "current_step", "payload", "version",
	"command_id", "attempt", "deadline", "failure", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	store, err := NewPostgresStore(db, "")
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return store, mock, func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	}
}

func TestPostgresStore_InvalidTableName(t *testing.T) {
	invalidNames := []string{
		"table; DROP TABLE users;--",
		"123_invalid",
		"table-name",
		"table.name",
	}
	for _, name := range invalidNames {
		if _, err := NewPostgresStore(nil, name); err == nil {
			t.Errorf("expected error for invalid table name %q", name)
		}
	}

	validNames := []string{"saga_instances", "_private_table", "MyTable"}
	for _, name := range validNames {
		if _, err := NewPostgresStore(nil, name); err != nil {
			t.Errorf("unexpected error for valid table name %q: %v", name, err)
		}
	}
}

func TestPostgresStore_IsProductionSafe(t *testing.T) {
	store, err := NewPostgresStore(nil, "")
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if !store.IsProductionSafe() {
		t.Error("PostgresStore should be production safe")
	}
}

func TestPostgresStore_Migrate(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "saga_instances"`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`INSERT INTO "saga_instances" .* ON CONFLICT \(saga_type, idempotency_key\) DO NOTHING`).
		WithArgs(sqlmock.AnyArg(), "order", "key-1", "STARTED", []byte(`{"orderId":"1"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	inst, err := store.Create(context.Background(), "order", "key-1", map[string]any{"orderId": "1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if inst.ID == "" || inst.State != StateStarted || inst.Version != 0 {
		t.Errorf("created = %+v", inst)
	}
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
	}{
		{
			name: "on conflict",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO "saga_instances"`).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
		},
		{
			name: "unique violation",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(`INSERT INTO "saga_instances"`).
					WillReturnError(&pq.Error{Code: "23505"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock, done := newMockStore(t)
			defer done()

			tt.expect(mock)
			mock.ExpectQuery(`SELECT id FROM "saga_instances" WHERE saga_type = \$1 AND idempotency_key = \$2`).
				WithArgs("order", "key-1").
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

			_, err := store.Create(context.Background(), "order", "key-1", nil)
			var dup *DuplicateSagaError
			if !errors.As(err, &dup) {
				t.Fatalf("expected DuplicateSagaError, got %v", err)
			}
			if dup.SagaID != "existing-id" {
				t.Errorf("SagaID = %q, want existing-id", dup.SagaID)
			}
		})
	}
}

func TestPostgresStore_CreateError(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec(`INSERT INTO "saga_instances"`).WillReturnError(errors.New("connection reset"))

	_, err := store.Create(context.Background(), "order", "key-1", nil)
	if err == nil || errors.Is(err, ErrDuplicateSaga) {
		t.Fatalf("Create err = %v, want a plain insert error", err)
	}
}

func TestPostgresStore_Load(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	deadline := created.Add(time.Minute)
	mock.ExpectQuery(`SELECT .* FROM "saga_instances" WHERE id = \$1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(instanceColumnNames).AddRow(
			"s1", "order", "key-1", "FAILED", 1, []byte(`{"orderId":"1"}`), int64(4),
			"cmd-1", 2, deadline, []byte(`{"kind":"COMPENSATION_FAILED","step":1,"error":"boom"}`), created, created,
		))

	inst, err := store.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if inst.State != StateFailed || inst.CurrentStep != 1 || inst.Version != 4 || inst.Attempt != 2 {
		t.Errorf("loaded = %+v", inst)
	}
	if inst.Payload["orderId"] != "1" {
		t.Errorf("payload = %v", inst.Payload)
	}
	if inst.Deadline == nil || !inst.Deadline.Equal(deadline) {
		t.Errorf("deadline = %v", inst.Deadline)
	}
	if inst.Failure == nil || inst.Failure.Kind != FailureCompensationFailed || inst.Failure.Step != 1 {
		t.Errorf("failure = %+v", inst.Failure)
	}
}

func TestPostgresStore_LoadNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM "saga_instances" WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(instanceColumnNames))

	_, err := store.Load(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load err = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	inst := &SagaInstance{ID: "s1", State: StateStepInFlight, CurrentStep: 1, CommandID: "cmd-2", Payload: map[string]any{}}
	mock.ExpectExec(`UPDATE "saga_instances" .* WHERE id = \$9 AND version = \$10`).
		WithArgs("STEP_IN_FLIGHT", 1, []byte(`{}`), "cmd-2", 0, nil, nil, sqlmock.AnyArg(), "s1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Save(context.Background(), inst, 3); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if inst.Version != 4 {
		t.Errorf("version = %d, want 4", inst.Version)
	}
}

func TestPostgresStore_SaveConflict(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		wantErr error
		actual  int64
	}{
		{"version moved", sqlmock.NewRows([]string{"version"}).AddRow(int64(5)), ErrConcurrencyConflict, 5},
		{"row gone", sqlmock.NewRows([]string{"version"}), ErrNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock, done := newMockStore(t)
			defer done()

			mock.ExpectExec(`UPDATE "saga_instances"`).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT version FROM "saga_instances" WHERE id = \$1`).
				WithArgs("s1").
				WillReturnRows(tt.rows)

			inst := &SagaInstance{ID: "s1", State: StateCompleted}
			err := store.Save(context.Background(), inst, 3)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Save err = %v, want %v", err, tt.wantErr)
			}
			var conflict *ConcurrencyConflictError
			if errors.As(err, &conflict) && conflict.ActualVersion != tt.actual {
				t.Errorf("actual version = %d, want %d", conflict.ActualVersion, tt.actual)
			}
			if inst.Version != 0 {
				t.Errorf("failed save changed version to %d", inst.Version)
			}
		})
	}
}

func TestPostgresStore_Query(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "saga_instances" WHERE 1=1 AND saga_type = \$1 AND state = ANY\(\$2\)`).
		WithArgs("order", "{\"FAILED\"}").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`ORDER BY created_at DESC, id ASC LIMIT 2 OFFSET 5`).
		WithArgs("order", "{\"FAILED\"}").
		WillReturnRows(sqlmock.NewRows(instanceColumnNames).
			AddRow("s6", "order", "k6", "FAILED", 0, []byte(`{}`), int64(2), "", 0, nil, nil, created, created).
			AddRow("s7", "order", "k7", "FAILED", 0, []byte(`{}`), int64(2), "", 0, nil, nil, created, created))

	result, err := store.Query(context.Background(), InstanceFilter{
		SagaType: "order",
		States:   []LifecycleState{StateFailed},
		Offset:   5,
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if result.Total != 7 || len(result.Instances) != 2 {
		t.Errorf("result = %d/%d, want 2/7", len(result.Instances), result.Total)
	}
	if result.Instances[0].Deadline != nil || result.Instances[0].Failure != nil {
		t.Errorf("null columns should stay nil: %+v", result.Instances[0])
	}
}

func TestPostgresStore_ListExpired(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE deadline IS NOT NULL AND deadline <= \$1 AND state = ANY\(\$2\)`).
		WithArgs(now, "{\"STEP_IN_FLIGHT\",\"COMPENSATING\"}").
		WillReturnRows(sqlmock.NewRows(instanceColumnNames).
			AddRow("s1", "order", "k1", "STEP_IN_FLIGHT", 1, []byte(`{}`), int64(3), "cmd", 0, now.Add(-time.Second), nil, now, now))

	expired, err := store.ListExpired(context.Background(), now, 0)
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].CommandID != "cmd" {
		t.Errorf("expired = %+v", expired)
	}
}

func TestPostgresStore_CountByState(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM "saga_instances" WHERE state = ANY\(\$1\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.CountByState(context.Background(), StateFailed, StateCompensated)
	if err != nil || count != 3 {
		t.Errorf("CountByState = %d, %v", count, err)
	}

	// No states, no query.
	count, err = store.CountByState(context.Background())
	if err != nil || count != 0 {
		t.Errorf("empty CountByState = %d, %v", count, err)
	}
}

func TestPostgresLock_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	key := hashToLockKey("s1")
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	lock := NewPostgresLock(db)
	ctx := context.Background()

	token, err := lock.Acquire(ctx, "s1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(ctx, "s1", token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Releasing an unknown token is a no-op.
	if err := lock.Release(ctx, "s1", token); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	_, err = lock.Acquire(ctx, "s1", time.Minute)
	if !errors.Is(err, ErrTransactionLocked) {
		t.Errorf("Acquire err = %v, want ErrTransactionLocked", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHashToLockKeyStable(t *testing.T) {
	if hashToLockKey("a") != hashToLockKey("a") {
		t.Error("lock key must be deterministic")
	}
	if hashToLockKey("a") == hashToLockKey("b") {
		t.Error("different ids should map to different keys")
	}
}
