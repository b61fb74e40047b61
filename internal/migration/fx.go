package migration

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/creatorledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sourceName = "creatorledger"
	// Version bookkeeping lives in its own table so the ledger can share a database.
	schemaVersionTable = "creatorledger_schema_version"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Config config.Config
	Log    *zap.Logger
}

// Apply brings the ledger schema up to date when DATABASE_AUTO_MIGRATE is set.
// Postgres goes through golang-migrate; sqlite replays the idempotent statements.
func Apply(p Params) error {
	log := p.Log.Named("migration")
	if !p.Config.DBAutoMigrate {
		log.Info("schema migration skipped, DATABASE_AUTO_MIGRATE is off")
		return nil
	}

	dialect := p.DB.Dialector.Name()
	if dialect != "postgres" {
		n, err := ApplyStatements(p.DB)
		if err != nil {
			return fmt.Errorf("apply %s schema: %w", dialect, err)
		}
		log.Info("schema applied", zap.String("dialect", dialect), zap.Int("statements", n))
		return nil
	}

	sqlDB, err := p.DB.DB()
	if err != nil {
		return err
	}
	version, err := migratePostgres(sqlDB)
	if err != nil {
		return err
	}
	log.Info("schema migrated", zap.String("dialect", dialect), zap.Uint("version", version))
	return nil
}

func migratePostgres(sqlDB *sql.DB) (uint, error) {
	source, err := iofs.New(embeddedMigrations, migrationsDir)
	if err != nil {
		return 0, fmt.Errorf("open %s migrations: %w", sourceName, err)
	}
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: schemaVersionTable})
	if err != nil {
		return 0, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance(sourceName, source, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}
	// migrator.Close would close the shared pool.

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty, fix it by hand before restarting", version)
	}
	return version, nil
}

// ApplyStatements runs every up migration statement by statement and reports how
// many ran. Every statement is IF NOT EXISTS, so repeated runs are harmless.
func ApplyStatements(conn *gorm.DB) (int, error) {
	statements, err := UpStatements()
	if err != nil {
		return 0, err
	}
	for i, stmt := range statements {
		if err := conn.Exec(stmt).Error; err != nil {
			return i, err
		}
	}
	return len(statements), nil
}
