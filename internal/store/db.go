package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// PoolOptions sizes the database/sql pool. Zero fields keep the defaults.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ApplicationName string
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 20
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = o.MaxOpenConns / 2
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.ApplicationName == "" {
		o.ApplicationName = "taskboard-api"
	}
	return o
}

// Open connects to Postgres through the pgx database/sql adapter and pings
// before returning.
func Open(ctx context.Context, databaseURL string, opts PoolOptions) (*sql.DB, error) {
	opts = opts.withDefaults()
	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	connConfig.RuntimeParams["application_name"] = opts.ApplicationName

	db := stdlib.OpenDB(*connConfig)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetMaxOpenConns(opts.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
