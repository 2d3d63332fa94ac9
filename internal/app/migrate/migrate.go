package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	migrateTimeout = time.Minute
	pingTimeout    = 5 * time.Second
)

// Runner applies the schema migrations the pipeline tables depend on. The
// pgx pool serves the application; goose gets its own short-lived
// database/sql connection per operation.
type Runner struct {
	pool   *pgxpool.Pool
	dsn    string
	dir    string
	logger *slog.Logger
}

// New validates inputs and returns a Runner.
func New(pool *pgxpool.Pool, dsn, dir string, logger *slog.Logger) (Runner, error) {
	switch {
	case pool == nil:
		return Runner{}, errors.New("nil pool provided")
	case dsn == "":
		return Runner{}, errors.New("empty database dsn")
	case dir == "":
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Runner{pool: pool, dsn: dsn, dir: dir, logger: logger}, nil
}

// Ensure applies every pending migration. The API calls this on startup so a
// fresh database is usable without a separate migrate step.
func (r Runner) Ensure(ctx context.Context) error {
	return r.withGoose(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
		defer cancel()

		r.logger.Info("applying migrations", "dir", r.dir)
		if err := goose.UpContext(runCtx, db, r.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		r.logger.Info("migrations applied")
		return nil
	})
}

// Status prints the applied/pending table for each migration file.
func (r Runner) Status(ctx context.Context) error {
	return r.withGoose(func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, r.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back the latest migration, or down to targetVersion when it is
// positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	return r.withGoose(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
		defer cancel()

		if targetVersion > 0 {
			r.logger.Info("rolling back migrations", "target", targetVersion)
			if err := goose.DownToContext(runCtx, db, r.dir, targetVersion); err != nil {
				return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
			}
		} else {
			r.logger.Info("rolling back latest migration")
			if err := goose.DownContext(runCtx, db, r.dir); err != nil {
				return fmt.Errorf("rollback latest migration: %w", err)
			}
		}
		return nil
	})
}

// Ping verifies the application pool is reachable.
func (r Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the application pool.
func (r Runner) Close() {
	r.pool.Close()
}

func (r Runner) withGoose(fn func(*sql.DB) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
