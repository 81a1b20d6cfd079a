package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	is_online BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen_at TIMESTAMP NULL
)`

// SQLConfig configures the connection pool for a SQL-backed directory.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// SQLStore is a Directory over a users table in PostgreSQL or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
	nowFn  func() time.Time
}

// OpenSQL connects, pings and returns a store. The caller owns Close.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	switch cfg.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported directory driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Driver == DriverSQLite {
		// one connection keeps :memory: databases coherent and serializes writers
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStore(db, cfg.Driver), nil
}

// NewSQLStore wraps an existing handle.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, nowFn: time.Now}
}

// EnsureSchema creates the users table if it is missing.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// AddUser inserts an offline user.
func (s *SQLStore) AddUser(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity is required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO users (id, is_online) VALUES (?, ?)`), identity, false)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

func (s *SQLStore) Exists(ctx context.Context, identity string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM users WHERE id = ?`), identity).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return true, nil
}

func (s *SQLStore) SetOnline(ctx context.Context, identity string, online bool) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE users SET is_online = ?, last_seen_at = ? WHERE id = ?`),
		online, s.nowFn().UTC(), identity,
	)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	if n == 0 {
		return ErrUnknownUser
	}
	return nil
}

func (s *SQLStore) FindOnlineExcept(ctx context.Context, identity string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id FROM users WHERE is_online = ? AND id <> ? ORDER BY id`),
		true, identity,
	)
	if err != nil {
		return nil, fmt.Errorf("find online users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan online user: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate online users: %w", err)
	}
	return out, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
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

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}
