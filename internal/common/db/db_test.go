package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func TestRebindDollar(t *testing.T) {
	got := rebindDollar("INSERT INTO t (a, b, c) VALUES (?, '?', ?)")
	want := "INSERT INTO t (a, b, c) VALUES ($1, '?', $2)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	d := &DB{driver: DriverMySQL}
	if q := d.Rebind("SELECT ?"); q != "SELECT ?" {
		t.Fatalf("mysql queries must be left alone: %q", q)
	}
}

func TestUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		key  string
		ok   bool
	}{
		{"mysql", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'j1-1' for key 'usage_records.uk_job_attempt'"}, "usage_records.uk_job_attempt", true},
		{"postgres", &pq.Error{Code: "23505", Constraint: "uk_job_attempt"}, "uk_job_attempt", true},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "uk"}), "uk", true},
		{"sqlite", errors.New("constraint failed: UNIQUE constraint failed: usage_records.job_id, usage_records.attempt (2067)"), "usage_records.job_id, usage_records.attempt (2067)", true},
		{"other", errors.New("boom"), "", false},
		{"nil", nil, "", false},
	}
	for _, tc := range cases {
		key, ok := UniqueViolation(tc.err)
		if ok != tc.ok || key != tc.key {
			t.Fatalf("%s: expected (%q, %v), got (%q, %v)", tc.name, tc.key, tc.ok, key, ok)
		}
	}
}

func TestOpenSQLite(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, Config{Driver: DriverSQLite, DSN: "file:" + filepath.Join(t.TempDir(), "t.db")})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer d.Close()
	if _, err := d.Exec(ctx, "CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := d.Exec(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", 1); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	var v int
	if err := d.QueryRow(ctx, "SELECT v FROM kv WHERE k = ?", "a").Scan(&v); err != nil || v != 1 {
		t.Fatalf("select failed: %d %v", v, err)
	}
	if err := d.QueryRow(ctx, "SELECT v FROM kv WHERE k = ?", "missing").Scan(&v); !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}
	if _, err := Open(ctx, Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
