package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/shorelinehq/bursar/pkg/logging"
)

// RunMigrations applies all pending migrations from sourcePath against the
// database at dbURL. A dedicated migrations table keeps this service's schema
// history separate from anything else sharing the database.
func RunMigrations(dbURL, sourcePath string, logger logging.Logger) error {
	migrationURL := dbURL
	if strings.Contains(dbURL, "?") {
		migrationURL += "&x-migrations-table=bursar_schema_migrations"
	} else {
		migrationURL += "?x-migrations-table=bursar_schema_migrations"
	}

	m, err := migrate.New("file://"+sourcePath, migrationURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.WithError(srcErr).Warn("Failed to close migration source")
		}
		if dbErr != nil {
			logger.WithError(dbErr).Warn("Failed to close migration database handle")
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Debug("Database schema already up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("Database migrations applied")
	return nil
}
