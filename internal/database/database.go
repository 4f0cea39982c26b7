package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens the pool, pings it, and brings the schema up to date
// before handing the DB back: InitSchema applies schema.sql to a bare
// database, then Migrate runs the idempotent ALTER-table migrations
// defined in migrations.go. A caller that wants the pool without touching
// the schema (e.g. a one-off admin tool) can drop to ConnectPool instead.
func Connect(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	db, err := ConnectPool(ctx, databaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Pool.Close()
		return nil, fmt.Errorf("schema initialization: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Pool.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}
	return db, nil
}

// ConnectPool opens and pings the pgx pool without touching the schema.
func ConnectPool(ctx context.Context, databaseURL string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Str("url", maskDSN(databaseURL)).
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("database connected")

	return &DB{Pool: pool, log: log}, nil
}

func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

func (db *DB) Close() {
	db.log.Info().Msg("closing database pool")
	db.Pool.Close()
}
