package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	postgresImage = "postgres:16-alpine"
	containerDB   = "disputeflow"
	containerUser = "disputeflow"
	containerPass = "disputeflow"

	// SharedDSNEnv points the harness at an existing database instead of a
	// container.
	SharedDSNEnv = "STRESS_TEST_PG_DSN"
)

// PGContainer wraps the container started for a run. C is nil when an
// existing database was reused.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 returns a DSN for the run database, preferring overrideDSN,
// then SharedDSNEnv, then a fresh container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv(SharedDSNEnv)} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	pgC, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(containerDB),
		postgres.WithUsername(containerUser),
		postgres.WithPassword(containerPass),
	)
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", postgresImage, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
