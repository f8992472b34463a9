package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/urfave/cli/v2"

	"github.com/liamcoop/socialrules/internal/logger"
	"github.com/liamcoop/socialrules/migrations"
)

func main() {
	log, _ := logger.Setup(logger.Options{Level: os.Getenv("LOG_LEVEL")})

	app := &cli.App{
		Name:  "migrate",
		Usage: "manage the socialrules PostgreSQL schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Usage:   "database URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "migrations directory (default: the migrations built into this binary)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "apply all pending migrations",
				Action: withMigrator(log, func(m *migrate.Migrate, _ *cli.Context) error {
					log.Info("running migrations up")
					err := m.Up()
					if errors.Is(err, migrate.ErrNoChange) {
						log.Info("no migrations to run (database is up to date)")
						return nil
					}
					if err != nil {
						return fmt.Errorf("failed to run migrations: %w", err)
					}
					log.Info("migrations completed")
					return nil
				}),
			},
			{
				Name:  "down",
				Usage: "roll back all migrations",
				Action: withMigrator(log, func(m *migrate.Migrate, _ *cli.Context) error {
					log.Info("rolling back migrations")
					if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("failed to roll back migrations: %w", err)
					}
					log.Info("rollback completed")
					return nil
				}),
			},
			{
				Name:  "version",
				Usage: "print the current schema version",
				Action: withMigrator(log, func(m *migrate.Migrate, _ *cli.Context) error {
					version, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						log.Info("no migrations applied")
						return nil
					}
					if err != nil {
						return fmt.Errorf("failed to get version: %w", err)
					}
					log.Info("current version", "version", version, "dirty", dirty)
					return nil
				}),
			},
			{
				Name:      "force",
				Usage:     "set the schema version without running migrations",
				ArgsUsage: "VERSION",
				Action: withMigrator(log, func(m *migrate.Migrate, c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("force requires a version number")
					}
					version, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return fmt.Errorf("invalid version number: %w", err)
					}
					if err := m.Force(version); err != nil {
						return fmt.Errorf("failed to force version: %w", err)
					}
					log.Info("forced version", "version", version)
					return nil
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal("migrate failed", "error", err)
	}
}

func withMigrator(log *slog.Logger, run func(*migrate.Migrate, *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		m, err := newMigrator(c.String("database"), c.String("path"))
		if err != nil {
			return err
		}
		defer func() {
			if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
				log.Warn("failed to close migrator", "source_error", srcErr, "database_error", dbErr)
			}
		}()
		return run(m, c)
	}
}

func newMigrator(databaseURL, path string) (*migrate.Migrate, error) {
	if databaseURL == "" {
		return nil, errors.New("database URL is required: use --database or DATABASE_URL")
	}

	if path != "" {
		m, err := migrate.New("file://"+path, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create migration instance: %w", err)
		}
		return m, nil
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}
