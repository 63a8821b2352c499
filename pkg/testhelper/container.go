package testhelper

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresOption tweaks the throwaway database container.
type PostgresOption func(*postgresSettings)

type postgresSettings struct {
	image          string
	database       string
	username       string
	password       string
	startupTimeout time.Duration
}

// WithPostgresImage overrides the container image, e.g. to pin the
// version the deployment runs.
func WithPostgresImage(image string) PostgresOption {
	return func(s *postgresSettings) { s.image = image }
}

// WithDatabase overrides the database name.
func WithDatabase(name string) PostgresOption {
	return func(s *postgresSettings) { s.database = name }
}

// WithStartupTimeout bounds how long to wait for the container.
func WithStartupTimeout(d time.Duration) PostgresOption {
	return func(s *postgresSettings) { s.startupTimeout = d }
}

// PostgresContainer is a running throwaway database for integration
// tests.
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	DSN       string
}

// SetupPostgres starts a postgres container and returns its DSN.
func SetupPostgres(ctx context.Context, opts ...PostgresOption) (*PostgresContainer, error) {
	settings := postgresSettings{
		image:          "postgres:16-alpine",
		database:       "fleetrail_test",
		username:       "fleetrail",
		password:       "fleetrail",
		startupTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	pgContainer, err := postgres.Run(ctx,
		settings.image,
		postgres.WithDatabase(settings.database),
		postgres.WithUsername(settings.username),
		postgres.WithPassword(settings.password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(settings.startupTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("resolve connection string: %w", err)
	}

	return &PostgresContainer{
		Container: pgContainer,
		DSN:       connStr,
	}, nil
}

// Teardown terminates the container.
func (c *PostgresContainer) Teardown(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}
