package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/scaile-gtm/courier/internal/observ"
)

// migratorLockID serializes concurrent migrator runs against one database
// via a session advisory lock. Arbitrary but stable.
const migratorLockID = 724166601

type migration struct {
	name     string
	sql      string
	checksum string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dir := flag.String("dir", envOr("MIGRATIONS_DIR", "/migrations"), "directory containing .up.sql files")
	flag.Parse()

	logger, err := observ.NewLogger(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"), "courier-migrator")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	migrations, err := loadMigrations(*dir)
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		logger.Warn("no migrations found", zap.String("dir", *dir))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Migration files hold multiple statements; the simple protocol runs
	// them in one Exec.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	cfg.ConnConfig.RuntimeParams["application_name"] = "courier-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	// Advisory locks are session-scoped, so everything runs on one
	// dedicated connection. A second migrator (rolling deploy, operator
	// re-run) blocks here instead of racing.
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migratorLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migratorLockID)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT '';
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		done, err := apply(ctx, conn, m, logger)
		if err != nil {
			return err
		}
		if done {
			applied++
		}
	}

	logger.Info("migrations complete",
		zap.Int("applied", applied),
		zap.Int("skipped", len(migrations)-applied),
	)

	return nil
}

// apply runs one migration unless a matching record exists. An existing
// record with a different checksum means the file was edited after it ran,
// which is an error rather than a silent re-apply or skip.
func apply(ctx context.Context, conn *pgxpool.Conn, m migration, logger *zap.Logger) (bool, error) {
	var storedChecksum string
	err := conn.QueryRow(ctx,
		"SELECT checksum FROM schema_migrations WHERE name = $1", m.name,
	).Scan(&storedChecksum)

	switch {
	case err == nil:
		if storedChecksum != "" && storedChecksum != m.checksum {
			return false, fmt.Errorf("migration %s changed after being applied (checksum %s, recorded %s)",
				m.name, m.checksum[:12], storedChecksum[:12])
		}
		logger.Debug("skipping applied migration", zap.String("name", m.name))
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("check applied %s: %w", m.name, err)
	}

	logger.Info("applying migration", zap.String("name", m.name))
	start := time.Now()

	if _, err := conn.Exec(ctx, m.sql); err != nil {
		return false, fmt.Errorf("execute %s: %w", m.name, err)
	}

	if _, err := conn.Exec(ctx,
		"INSERT INTO schema_migrations(name, checksum) VALUES($1, $2)", m.name, m.checksum,
	); err != nil {
		return false, fmt.Errorf("record %s: %w", m.name, err)
	}

	logger.Info("migration applied",
		zap.String("name", m.name),
		zap.Duration("took", time.Since(start).Round(time.Millisecond)),
	)

	return true, nil
}

// loadMigrations reads every .up.sql file in lexical order. The numeric
// filename prefix is the ordering contract.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(contents)
		migrations = append(migrations, migration{
			name:     entry.Name(),
			sql:      string(contents),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].name < migrations[j].name })

	return migrations, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
