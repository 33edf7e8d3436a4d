package db

import (
	"context"
	"database/sql"

	libdb "chargelink/backend/libs/db"
)

// NewPostgres opens the gateway pool. The gateway only reads identities and
// appends frame log rows, so the pool is kept small.
func NewPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	return libdb.NewPostgresDB(ctx, dsn, libdb.PoolOptions{MaxOpenConns: 5, MaxIdleConns: 2})
}
