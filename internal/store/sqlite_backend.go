package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const kvSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;`

// SQLiteBackend keeps every key in one table of a SQLite database. A Put
// batch commits in a single immediate transaction.
type SQLiteBackend struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLiteBackend opens (or creates) the database at path.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite backend: path is required")
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: opening %s: %w", path, err)
	}
	return &SQLiteBackend{pool: pool, path: path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	// Key material: every commit must reach disk.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite backend: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, kvSchema, nil)
}

func (b *SQLiteBackend) take() (*sqlite.Conn, error) {
	conn, err := b.pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: take: %w", err)
	}
	return conn, nil
}

func (b *SQLiteBackend) Get(key string) (value []byte, ok bool, err error) {
	conn, err := b.take()
	if err != nil {
		return nil, false, err
	}
	defer b.pool.Put(conn)

	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			ok = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("sqlite backend: get %q: %w", key, err)
	}
	return value, ok, nil
}

func (b *SQLiteBackend) Put(entries ...Entry) (err error) {
	conn, err := b.take()
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlite backend: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, e := range entries {
		err = sqlitex.Execute(conn,
			`INSERT INTO kv (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{e.Key, e.Value}})
		if err != nil {
			return fmt.Errorf("sqlite backend: put %q: %w", e.Key, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Delete(key string) error {
	conn, err := b.take()
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
	}); err != nil {
		return fmt.Errorf("sqlite backend: delete %q: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Keys(prefix string) ([]string, error) {
	conn, err := b.take()
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		"SELECT key FROM kv WHERE substr(key, 1, length(?1)) = ?1 ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: keys %q: %w", prefix, err)
	}
	return keys, nil
}

// Close blocks until every borrowed connection is returned.
func (b *SQLiteBackend) Close() error {
	if err := b.pool.Close(); err != nil {
		return fmt.Errorf("sqlite backend: closing %s: %w", b.path, err)
	}
	return nil
}

var _ Backend = (*SQLiteBackend)(nil)
