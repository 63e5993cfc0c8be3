package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"codegen-autofix/internal/config"
)

// newTestDB connects to FIXLOOP_TEST_DATABASE_URL or skips.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("FIXLOOP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FIXLOOP_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := New(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return db
}

func TestDB_RunRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id := uuid.New().String()
	done := time.Now().UTC().Truncate(time.Millisecond)
	run := &Run{
		ID:          id,
		Prompt:      "factorial of 5",
		Outcome:     "success",
		Succeeded:   true,
		FinalAnswer: "120",
		Iterations:  2,
		MaxAttempts: 3,
		CleanCode:   "print(120)",
		CreatedAt:   done.Add(-time.Second),
		CompletedAt: &done,
		Attempts: []Attempt{
			{RunID: id, Index: 1, Class: "SUCCESS", Code: "print(120)", CodeHash: "b", Stdout: "120\n", Temperature: 0.3},
			{RunID: id, Index: 0, Class: "SYNTAX_ERROR", ExitCode: 1, Code: "print(", CodeHash: "a", Stderr: "SyntaxError", Temperature: 0.7},
		},
	}
	if err := db.LogRun(ctx, run); err != nil {
		t.Fatalf("LogRun: %v", err)
	}
	// idempotent on retry
	if err := db.LogRun(ctx, run); err != nil {
		t.Fatalf("LogRun again: %v", err)
	}

	got, err := db.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.FinalAnswer != "120" || got.Iterations != 2 || !got.Succeeded {
		t.Errorf("run = %+v", got)
	}
	if len(got.Attempts) != 2 || got.Attempts[0].Index != 0 || got.Attempts[0].Class != "SYNTAX_ERROR" {
		t.Errorf("attempts = %+v", got.Attempts)
	}

	runs, err := db.ListRuns(ctx, RunFilter{Outcome: "success", Limit: 10})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	var found bool
	for _, r := range runs {
		found = found || r.ID == id
	}
	if !found {
		t.Error("ListRuns did not return the new run")
	}
}

func TestDB_GetRunNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetRun(context.Background(), uuid.New().String())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
