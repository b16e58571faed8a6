package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rhuss/warden/pkg/audit"
)

func init() {
	// Configure testcontainers to use podman.
	// Detect the podman socket from `podman machine inspect`.
	if os.Getenv("DOCKER_HOST") == "" {
		out, err := exec.Command("podman", "machine", "inspect", "--format", "{{.ConnectionInfo.PodmanSocket.Path}}").Output()
		if err == nil {
			sock := strings.TrimSpace(string(out))
			if sock != "" {
				os.Setenv("DOCKER_HOST", "unix://"+sock)
			}
		}
	}
	// Ryuk needs privileged mode with podman.
	if os.Getenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_CONTAINER_PRIVILEGED", "true")
	}
}

// setupTestDB starts a PostgreSQL container and returns a connected Store.
// Tests are skipped if no container runtime is available.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("SKIP_INTEGRATION") == "true" {
		t.Skip("SKIP_INTEGRATION=true, skipping PostgreSQL integration tests")
	}
	if _, err := exec.LookPath("podman"); err != nil {
		if _, err := exec.LookPath("docker"); err != nil {
			t.Skip("no container runtime found, skipping integration tests")
		}
	}

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("warden_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Skipf("skipping: could not start PostgreSQL container: %v", err)
	}

	t.Cleanup(func() {
		container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}

	store, err := New(ctx, Config{
		DSN:            connStr,
		MaxConns:       5,
		MinConns:       1,
		MigrateOnStart: true,
	})
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func makeRecord(id string, offset time.Duration) audit.Record {
	return audit.Record{
		AttemptID:      id,
		Time:           baseTime.Add(offset),
		Policy:         "first-success",
		CredentialKind: "username_password",
		Identifier:     "alice",
		Outcome:        "success",
		Handler:        "static",
		PrincipalID:    "alice",
		Satisfied:      []string{"static"},
		Failures:       []audit.FailureRecord{{Handler: "ldap", Reason: "source_unavailable"}},
		Duration:       1500 * time.Microsecond,
	}
}

func TestPostgres_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeRecord("att_1", 0)
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "att_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(rec, *got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestPostgres_EmptyCollections(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := makeRecord("att_empty", 0)
	rec.Outcome = "no_applicable_handler"
	rec.Handler, rec.PrincipalID = "", ""
	rec.Satisfied, rec.Failures = nil, nil

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Get(ctx, "att_empty")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(rec, *got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestPostgres_GetNotFound(t *testing.T) {
	store := setupTestDB(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, audit.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_DuplicateSave(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	store.Save(ctx, makeRecord("att_dup", 0))
	if err := store.Save(ctx, makeRecord("att_dup", 0)); !errors.Is(err, audit.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestPostgres_List(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rec := makeRecord(fmt.Sprintf("att_l%d", i), time.Duration(i)*time.Minute)
		if i%2 == 1 {
			rec.Identifier = "bob"
			rec.Outcome = "all_handlers_failed"
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter audit.Filter
		want   []string
	}{
		{"all newest first", audit.Filter{}, []string{"att_l3", "att_l2", "att_l1", "att_l0"}},
		{"by identifier", audit.Filter{Identifier: "bob"}, []string{"att_l3", "att_l1"}},
		{"by outcome", audit.Filter{Outcome: "success"}, []string{"att_l2", "att_l0"}},
		{"since", audit.Filter{Since: baseTime.Add(2 * time.Minute)}, []string{"att_l3", "att_l2"}},
		{"limit", audit.Filter{Limit: 2}, []string{"att_l3", "att_l2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := store.List(ctx, tc.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.AttemptID)
			}
			if diff := cmp.Diff(tc.want, ids); diff != "" {
				t.Errorf("List mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPostgres_MigrateIsIdempotent(t *testing.T) {
	store := setupTestDB(t)

	if err := store.migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestPostgres_HealthCheck(t *testing.T) {
	store := setupTestDB(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
