package fixgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Sandbox is a schema private to one test. DB and DSN both resolve
// unqualified names to that schema first, so migrations and queries run
// unchanged against it.
type Sandbox struct {
	DB     *sql.DB
	DSN    string
	Schema string
}

type sandboxConfig struct {
	migrate func(context.Context, *sql.DB) error
}

type SandboxOption func(*sandboxConfig)

// WithMigrations runs fn against the sandbox before it is handed out.
func WithMigrations(fn func(context.Context, *sql.DB) error) SandboxOption {
	return func(c *sandboxConfig) { c.migrate = fn }
}

var (
	bootOnce sync.Once
	bootErr  error
)

// BootOnce starts the shared server the first time it is called. Tests
// calling it are skipped in -short mode.
func BootOnce(t *testing.T, opts ...Option) {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres fixture skipped in -short mode")
	}
	bootOnce.Do(func() {
		cfg := defaults()
		for _, o := range opts {
			o(cfg)
		}
		bootErr = boot(cfg)
	})
	if bootErr != nil {
		t.Fatalf("fixgres boot failed: %v", bootErr)
	}
}

// NewSandbox creates a fresh schema, dropped when the test ends.
func NewSandbox(t *testing.T, opts ...SandboxOption) *Sandbox {
	t.Helper()
	base := ConnString()
	if base == "" {
		t.Fatalf("fixgres not booted. Call fixgres.BootOnce first.")
	}
	var cfg sandboxConfig
	for _, o := range opts {
		o(&cfg)
	}

	admin, err := sql.Open("pgx", base)
	if err != nil {
		t.Fatalf("open admin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.ExecContext(ctx, `CREATE SCHEMA "`+schema+`"`); err != nil {
		_ = admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dsn, err := withSearchPath(base, schema)
	if err != nil {
		t.Fatalf("sandbox dsn: %v", err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open sandbox: %v", err)
	}

	sbx := &Sandbox{DB: db, DSN: dsn, Schema: schema}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Close()
		_, _ = admin.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`)
		_ = admin.Close()
	})

	if cfg.migrate != nil {
		if err := cfg.migrate(ctx, db); err != nil {
			t.Fatalf("migrate sandbox %s: %v", schema, err)
		}
	}
	return sbx
}

// Pool opens a pgx pool on the sandbox schema, closed when the test ends.
func (s *Sandbox) Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), s.DSN)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Exec runs a statement in the sandbox and fails the test on error.
func (s *Sandbox) Exec(t *testing.T, query string, args ...any) {
	t.Helper()
	if _, err := s.DB.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// withSearchPath makes every connection opened from the DSN resolve names
// in schema first.
func withSearchPath(base, schema string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("options", fmt.Sprintf("-csearch_path=%s,public", schema))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
