package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/keyvault/internal/audit"
	"github.com/jkaninda/keyvault/internal/domain"
)

// testSQLite opens a migrated SQLite database in t.TempDir. The repositories
// in this package are driver-agnostic, so SQLite exercises them without a server.
func testSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: NewGormLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newCredential(owner string, provider domain.Provider, created time.Time) *domain.Credential {
	return &domain.Credential{
		ID:         uuid.New(),
		OwnerID:    owner,
		Name:       "key",
		Provider:   provider,
		Ciphertext: "ciphertext-" + uuid.NewString(),
		KeyHint:    "…abcd",
		IsValid:    true,
		CreatedAt:  created,
		UpdatedAt:  created,
	}
}

func logFor(c *domain.Credential, op domain.Operation) *domain.UsageLogEntry {
	return &domain.UsageLogEntry{
		ID:           uuid.New(),
		CredentialID: c.ID,
		OwnerID:      c.OwnerID,
		Provider:     c.Provider,
		Operation:    op,
		Success:      true,
		Timestamp:    time.Now().UTC(),
	}
}

func TestBatch_CommitsAllStatements(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()
	c := newCredential("alice", domain.ProviderOpenAI, time.Now().UTC())

	results, err := repo.Begin().Insert(c).Insert(logFor(c, domain.OperationCreate)).Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 2 || results[0].RowsAffected != 1 || results[1].RowsAffected != 1 {
		t.Fatalf("results = %+v", results)
	}

	logs, err := repo.UsageLog(ctx, c.ID)
	if err != nil || len(logs) != 1 || logs[0].Operation != domain.OperationCreate {
		t.Fatalf("usage log = %+v, %v", logs, err)
	}
}

func TestBatch_RollsBackOnSecondStatementFailure(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()

	existing := newCredential("alice", domain.ProviderOpenAI, time.Now().UTC())
	entry := logFor(existing, domain.OperationCreate)
	if _, err := repo.Begin().Insert(existing).Insert(entry).Execute(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := newCredential("alice", domain.ProviderAnthropic, time.Now().UTC())
	dup := *entry // same primary key as an existing row
	if _, err := repo.Begin().Insert(c).Insert(&dup).Execute(ctx); err == nil {
		t.Fatal("expected duplicate-key failure")
	}

	list, err := repo.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != existing.ID {
		t.Fatalf("list = %d rows, want only the seeded credential", len(list))
	}
}

func TestBatch_UnsupportedRowRollsBack(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()
	c := newCredential("bob", domain.ProviderOpenAI, time.Now().UTC())

	_, err := repo.Begin().Insert(c).Insert(struct{}{}).Execute(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := repo.GetByID(ctx, c.ID, "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID err = %v, want ErrNotFound", err)
	}
}

func TestBatch_DeleteScopedToOwner(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()
	c := newCredential("alice", domain.ProviderOpenAI, time.Now().UTC())
	if _, err := repo.Begin().Insert(c).Execute(ctx); err != nil {
		t.Fatal(err)
	}

	res, err := repo.Begin().Delete(&domain.Credential{}, "id = ? AND owner_id = ?", c.ID, "mallory").Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].RowsAffected != 0 {
		t.Fatalf("deleted %d rows for wrong owner", res[0].RowsAffected)
	}

	res, err = repo.Begin().
		Delete(&domain.Credential{}, "id = ? AND owner_id = ?", c.ID, "alice").
		Insert(logFor(c, domain.OperationDelete)).
		Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res[0].RowsAffected != 1 {
		t.Fatalf("RowsAffected = %d, want 1", res[0].RowsAffected)
	}
	if _, err := repo.GetByID(ctx, c.ID, "alice"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("credential still present: %v", err)
	}
}

func TestBatch_Update(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()
	c := newCredential("alice", domain.ProviderOpenAI, time.Now().UTC())
	if _, err := repo.Begin().Insert(c).Execute(ctx); err != nil {
		t.Fatal(err)
	}

	validated := time.Now().UTC().Truncate(time.Second)
	_, err := repo.Begin().Update(&domain.Credential{}, map[string]any{
		"is_valid":          false,
		"last_validated_at": validated,
	}, "id = ? AND owner_id = ?", c.ID, "alice").Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got, err := repo.GetByID(ctx, c.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsValid || got.LastValidatedAt == nil || !got.LastValidatedAt.Equal(validated) {
		t.Errorf("got = %+v", got)
	}
}

func TestGetByProvider_NewestActive(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()
	now := time.Now().UTC()

	older := newCredential("alice", domain.ProviderOpenAI, now.Add(-2*time.Hour))
	newer := newCredential("alice", domain.ProviderOpenAI, now.Add(-time.Hour))
	expired := newCredential("alice", domain.ProviderOpenAI, now.Add(-time.Minute))
	past := now.Add(-time.Second)
	expired.ExpiresAt = &past
	other := newCredential("bob", domain.ProviderOpenAI, now)

	for _, c := range []*domain.Credential{older, newer, expired, other} {
		if _, err := repo.Begin().Insert(c).Execute(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := repo.GetByProvider(ctx, "alice", domain.ProviderOpenAI, now)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != newer.ID {
		t.Errorf("got %s, want newest non-expired %s", got.ID, newer.ID)
	}

	if _, err := repo.GetByProvider(ctx, "alice", domain.ProviderGemini, now); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	list, _ := repo.ListByOwner(ctx, "alice")
	if len(list) != 3 {
		t.Errorf("ListByOwner = %d, want 3 including expired", len(list))
	}
}

func TestUpdateLastUsed(t *testing.T) {
	repo := NewCredentialRepository(testSQLite(t), 3)
	ctx := context.Background()
	c := newCredential("alice", domain.ProviderOpenAI, time.Now().UTC())
	if _, err := repo.Begin().Insert(c).Execute(ctx); err != nil {
		t.Fatal(err)
	}

	for range 3 {
		if err := repo.UpdateLastUsed(ctx, c.ID, time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := repo.GetByID(ctx, c.ID, "alice")
	if got.UsageCount != 3 || got.LastUsedAt == nil {
		t.Errorf("usage = %d, last used = %v", got.UsageCount, got.LastUsedAt)
	}
	if err := repo.UpdateLastUsed(ctx, uuid.New(), time.Now()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id err = %v", err)
	}
}

func TestCacheRepository(t *testing.T) {
	repo := NewCacheRepository(testSQLite(t))
	now := time.Now().UTC()
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	if err := repo.Set(ctx, "a", "1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := repo.Set(ctx, "a", "2", time.Minute); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Set(ctx, "forever", "x", 0); err != nil {
		t.Fatal(err)
	}
	if v, ok, err := repo.Get(ctx, "a"); err != nil || !ok || v != "2" {
		t.Fatalf("Get = %q %v %v", v, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := repo.Get(ctx, "a"); ok {
		t.Error("expired entry returned")
	}
	n, err := repo.PurgeExpired(ctx)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpired = %d, %v", n, err)
	}
	if _, ok, _ := repo.Get(ctx, "forever"); !ok {
		t.Error("entry without ttl was purged")
	}
}

func TestAuditRepository(t *testing.T) {
	repo := NewAuditRepository(testSQLite(t))
	ctx := context.Background()
	base := time.Now().UTC()

	for i, actor := range []string{"alice", "bob", "alice"} {
		err := repo.Append(ctx, audit.Event{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			EventType: audit.EventCreate,
			Outcome:   audit.OutcomeSuccess,
			ActorID:   actor,
			Metadata:  map[string]any{"provider": "openai", "n": i},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	events, err := repo.Query(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Metadata["provider"] != "openai" {
		t.Errorf("metadata = %v", events[0].Metadata)
	}
	if !events[0].Timestamp.After(events[1].Timestamp) {
		t.Error("events not newest first")
	}
}

func TestIsRetryableTxError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&pgconn.PgError{Code: "40001"}, true},
		{fmt.Errorf("executing batch: %w", &pgconn.PgError{Code: "40P01"}), true},
		{&pgconn.PgError{Code: "23505"}, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("constraint failed"), false},
	}
	for _, tt := range tests {
		if got := isRetryableTxError(tt.err); got != tt.want {
			t.Errorf("isRetryableTxError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestJSONB_Scan(t *testing.T) {
	var j JSONB
	if err := j.Scan([]byte(`{"a":1}`)); err != nil || string(j) != `{"a":1}` {
		t.Fatalf("bytes: %s %v", j, err)
	}
	if err := j.Scan(`{"b":2}`); err != nil || string(j) != `{"b":2}` {
		t.Fatalf("string: %s %v", j, err)
	}
	if err := j.Scan(42); err == nil {
		t.Fatal("expected error for int")
	}
	if v, _ := JSONB(nil).Value(); v != "{}" {
		t.Errorf("empty Value = %v", v)
	}
}
