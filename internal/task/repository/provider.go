package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/funkyflowstudios/synapse-hub-sub001/internal/common/config"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/db"
	"github.com/funkyflowstudios/synapse-hub-sub001/internal/db/dialect"
)

// Provide creates the repository selected by the database URL: SQLite with
// separate writer and reader pools, PostgreSQL with a shared pool, or the
// in-memory store. The returned closer tears down the connections.
func Provide(cfg *config.Config) (Repository, func() error, error) {
	driver, dsn, err := cfg.DB.Driver()
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case config.DriverMemory:
		repo := NewMemory()
		return repo, repo.Close, nil

	case config.DriverSQLite:
		writerConn, err := db.OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		readerConn, err := db.OpenSQLiteReader(dsn)
		if err != nil {
			_ = writerConn.Close()
			return nil, nil, err
		}
		pool := db.NewPool(sqlx.NewDb(writerConn, dialect.SQLite3), sqlx.NewDb(readerConn, dialect.SQLite3))
		repo, err := NewSQL(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		return repo, repo.Close, nil

	case config.DriverPostgres:
		conn, err := db.OpenPostgres(dsn, cfg.DB.MaxOpenConns(), cfg.DB.MaxIdleConns())
		if err != nil {
			return nil, nil, err
		}
		shared := sqlx.NewDb(conn, dialect.PGX)
		repo, err := NewSQL(db.NewPool(shared, shared))
		if err != nil {
			_ = shared.Close()
			return nil, nil, err
		}
		return repo, repo.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
