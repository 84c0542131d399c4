// Package fixgres provides the Postgres that integration tests share. One
// container boots per test binary and every test gets a private schema in
// it (see Sandbox). Set FIXGRES_DSN to run against an existing server
// instead of starting a container.
package fixgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// EnvDSN names the variable that points the fixture at an existing server.
const EnvDSN = "FIXGRES_DSN"

type config struct {
	image    string
	dbName   string
	user     string
	password string
	startup  time.Duration
}

func defaults() *config {
	return &config{
		image:    "docker.io/postgres:16-alpine",
		dbName:   "livemirror",
		user:     "postgres",
		password: "pass",
		startup:  60 * time.Second,
	}
}

type Option func(*config)

func WithImage(i string) Option    { return func(c *config) { c.image = i } }
func WithDBName(n string) Option   { return func(c *config) { c.dbName = n } }
func WithUser(u string) Option     { return func(c *config) { c.user = u } }
func WithPassword(p string) Option { return func(c *config) { c.password = p } }

// WithStartupTimeout bounds how long booting the container may take.
func WithStartupTimeout(d time.Duration) Option { return func(c *config) { c.startup = d } }

var (
	mu         sync.Mutex
	pg         *postgres.PostgresContainer
	connString string
)

// boot starts the container, or adopts FIXGRES_DSN, and records the admin
// connection string.
func boot(c *config) error {
	if dsn := os.Getenv(EnvDSN); dsn != "" {
		mu.Lock()
		connString = dsn
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.startup)
	defer cancel()

	container, err := postgres.Run(ctx,
		c.image,
		postgres.WithDatabase(c.dbName),
		postgres.WithUsername(c.user),
		postgres.WithPassword(c.password),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("start %s: %w", c.image, err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(context.Background())
		return fmt.Errorf("connection string: %w", err)
	}

	mu.Lock()
	pg, connString = container, dsn
	mu.Unlock()
	return nil
}

// ConnString returns the admin connection string of the booted server.
func ConnString() string {
	mu.Lock()
	defer mu.Unlock()
	return connString
}

// ShutdownNow terminates the container, if one was started.
func ShutdownNow() error {
	mu.Lock()
	defer mu.Unlock()
	if pg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := pg.Terminate(ctx)
	pg = nil
	return err
}
