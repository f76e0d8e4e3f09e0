// Package testutil spins up a disposable Postgres container for PgStore
// integration tests, following stronghold's internal/db/testutil pattern:
// skip outright if Docker isn't available rather than failing the suite.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/klistr-network/ilp-relay/pkg/store"
)

var (
	dockerAvailable     bool
	dockerAvailableOnce sync.Once
)

// IsDockerAvailable reports whether a Docker daemon is reachable.
func IsDockerAvailable() bool {
	dockerAvailableOnce.Do(func() {
		if _, err := exec.LookPath("docker"); err != nil {
			return
		}
		dockerAvailable = exec.Command("docker", "info").Run() == nil
	})
	return dockerAvailable
}

// SkipIfNoDocker skips t if Docker is unavailable.
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("docker is not available, skipping PgStore integration test")
	}
}

// TestPgStore holds a running Postgres container and a *store.PgStore
// against it, with the event schema already applied.
type TestPgStore struct {
	Container testcontainers.Container
	Store     *store.PgStore
}

// NewTestPgStore starts a Postgres container, connects a PgStore, and
// applies store.Schema. Callers must call Close when done.
func NewTestPgStore(t *testing.T) *TestPgStore {
	t.Helper()
	SkipIfNoDocker(t)
	ctx := context.Background()

	const (
		user     = "ilp_relay_test"
		password = "test_password"
		dbName   = "ilp_relay_test"
	)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       dbName,
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("container port: %v", err)
	}
	port := mappedPort.Port()

	cfg := store.PgConfig{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
		Name:     dbName,
		SSLMode:  "disable",
	}

	pgStore, err := store.NewPgStore(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("connect PgStore: %v", err)
	}

	if err := applySchema(ctx, cfg); err != nil {
		pgStore.Close()
		container.Terminate(ctx)
		t.Fatalf("apply schema: %v", err)
	}

	return &TestPgStore{Container: container, Store: pgStore}
}

func applySchema(ctx context.Context, cfg store.PgConfig) error {
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return err
	}
	defer pool.Close()
	_, err = pool.Exec(ctx, store.Schema)
	return err
}

// Close tears down the container and closes the store's pool.
func (tdb *TestPgStore) Close(t *testing.T) {
	t.Helper()
	if tdb.Store != nil {
		tdb.Store.Close()
	}
	if tdb.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tdb.Container.Terminate(ctx); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	}
}
