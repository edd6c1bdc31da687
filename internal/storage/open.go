package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	logx "festbot/pkg/logx"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

func init() {
	// modernc registers as "sqlite", which sqlx does not know by name.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): Path is the database file
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Open connects, migrates the schema and returns a ready Store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := normalizeDriver(cfg.Driver)

	var (
		dsn string
		err error
	)
	switch driver {
	case DriverSQLite:
		dsn, err = sqliteDSN(cfg)
	case DriverPostgres:
		dsn = strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			err = errors.New("postgres dsn is required")
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	// Migrations run on their own handle because the migrate drivers close
	// the *sql.DB they are given.
	mdb, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(driver, mdb); err != nil {
		_ = mdb.Close()
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	log.Info("storage opened", logx.String("driver", driver))
	return &Store{db: db, driver: driver, log: log}, nil
}

func normalizeDriver(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite
	case "postgres", "postgresql", "pg":
		return DriverPostgres
	default:
		return s
	}
}

// sqliteDSN builds a modernc DSN with per-connection pragmas.
func sqliteDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode(), nil
}

// ParseDatabaseURL maps a single DATABASE_URL style value onto Config:
// "postgres://..." selects postgres, "sqlite:///path" or a bare path
// selects sqlite.
func ParseDatabaseURL(raw string) (Config, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Config{}, errors.New("database url is empty")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return Config{Driver: DriverPostgres, DSN: raw}, nil
	case strings.HasPrefix(raw, "sqlite:///"):
		return Config{Driver: DriverSQLite, Path: strings.TrimPrefix(raw, "sqlite:///")}, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return Config{Driver: DriverSQLite, Path: strings.TrimPrefix(raw, "sqlite://")}, nil
	case strings.Contains(raw, "://"):
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownDriver, raw[:strings.Index(raw, "://")])
	default:
		return Config{Driver: DriverSQLite, Path: raw}, nil
	}
}
