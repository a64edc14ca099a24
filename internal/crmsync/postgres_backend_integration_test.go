package crmsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("crmsync_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	st := newScopeState()
	st.Records["r1"] = Record{ID: "r1", ExternalID: "e1", Email: "a@x.com"}
	st.ExternalIndex["e1"] = "r1"
	st.Jobs["j1"] = SyncJob{ID: "j1", Status: JobStatusError, StageLabel: StageError, RecordCount: 3}
	saved := &persistedState{Scopes: map[string]*scopeState{"owner|conn": st}}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Scopes) != 1 {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
	got := loaded.Scopes["owner|conn"]
	if got == nil || got.Jobs["j1"].RecordCount != 3 {
		t.Fatalf("jobs did not round-trip: %+v", got)
	}

	// Saving again upserts rather than duplicating the row.
	st.Jobs["j1"] = SyncJob{ID: "j1", Status: JobStatusFinished, RecordCount: 5}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Scopes["owner|conn"].Jobs["j1"].RecordCount != 5 {
		t.Fatalf("upsert lost the update: %+v", reloaded.Scopes["owner|conn"].Jobs)
	}
}

func TestPostgresIntegrationEngineRestart(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := postgresIntegrationTableName("crmsync_engine_it")
	scope := testScope()

	open := func() (*Engine, *PostgresStateBackend) {
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			t.Fatalf("new postgres state backend: %v", err)
		}
		pg := backend.(*PostgresStateBackend)
		pg.tableName = tableName
		e := NewEngine(EngineOptions{
			Gateway:        &fakeCRM{},
			StateBackend:   backend,
			Logger:         testLogger(),
			DisableSweeper: true,
		})
		return e, pg
	}

	e1, _ := open()
	seedRecords(e1, scope, []Record{
		{ID: "r1", ExternalID: "e1", Email: "a@x.com"},
		{ID: "r2", ExternalID: "e2", Email: "a@x.com"},
	})
	if err := e1.DetectDuplicates(context.Background(), scope, nil); err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	e1.Close()

	e2, _ := open()
	t.Cleanup(func() {
		e2.Close()
		postgresIntegrationDropTable(t, dsn, tableName)
	})
	page, err := e2.ListGroups(scope, "", 10)
	if err != nil {
		t.Fatalf("list groups after restart failed: %v", err)
	}
	if len(page.Groups) != 1 {
		t.Fatalf("expected one group after restart, got %+v", page.Groups)
	}
}

func TestNewPostgresStateBackendRequiresDSN(t *testing.T) {
	if _, err := NewPostgresStateBackend("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank dsn, got %v", err)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CRMSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CRMSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Logf("cleanup open failed: %v", err)
		return
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(tableName)); err != nil {
		t.Logf("cleanup drop failed: %v", err)
	}
}
