// Package mariadb reads employee names from the ERPNext MariaDB database.
package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Lookups run on the recognition path.
const (
	dialTimeout = 3 * time.Second
	ioTimeout   = 5 * time.Second
)

// Pool is a read-only connection to the ERPNext database.
type Pool struct {
	db *sql.DB
}

// connectorConfig parses dsn and fills in timeouts the DSN leaves unset.
func connectorConfig(dsn string) (*mysql.Config, error) {
	if dsn == "" {
		return nil, errors.New("MariaDB DSN is required")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing MariaDB DSN: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = dialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = ioTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = ioTimeout
	}
	return cfg, nil
}

// NewPool connects to the ERPNext database and checks that it answers.
func NewPool(dsn string) (*Pool, error) {
	cfg, err := connectorConfig(dsn)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MariaDB connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 2*dialTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("MariaDB unreachable at %s: %w", cfg.Addr, err)
	}
	return &Pool{db: db}, nil
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}
