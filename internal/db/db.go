// Package db opens the SQL databases that back persisted settings and keeps
// their schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const pingTimeout = 5 * time.Second

type driver struct {
	sqlName string
	dialect goose.Dialect
	maxOpen int
	dsn     func(string) (string, error)
}

var drivers = map[string]driver{
	// modernc sqlite serializes writers, one connection avoids SQLITE_BUSY.
	DriverSQLite: {
		sqlName: "sqlite",
		dialect: goose.DialectSQLite3,
		maxOpen: 1,
		dsn:     sqliteDSN,
	},
	DriverPostgres: {
		sqlName: "pgx",
		dialect: goose.DialectPostgres,
		maxOpen: 4,
		dsn:     postgresDSN,
	},
}

func sqliteDSN(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create db dir: %w", err)
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

func postgresDSN(dsn string) (string, error) {
	if strings.TrimSpace(dsn) == "" {
		return "", fmt.Errorf("postgres dsn is required")
	}
	return dsn, nil
}

// Open connects to the named driver and pings it. For sqlite the target is a
// file path whose directory is created on demand.
func Open(name, target string) (*sql.DB, error) {
	d, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unsupported db driver: %s", name)
	}
	dsn, err := d.dsn(target)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(d.sqlName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	conn.SetMaxOpenConns(d.maxOpen)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", name, err)
	}
	return conn, nil
}

// Rebind rewrites ? placeholders to the driver's bind style.
func Rebind(name, query string) string {
	if name != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
