package romtools

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var errRecordNotFound = errors.New("record not found")

// TypeStore persists JSON-encoded values of one type in a sqlite table
// keyed by id.
type TypeStore[T any] struct {
	db    *sql.DB
	Table string
}

// OpenStore opens (or creates) the sqlite database at path. ":memory:" is
// accepted for tests.
func OpenStore(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection also keeps
	// :memory: databases alive across queries.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	return db, nil
}

func NewTypeStore[T any](db *sql.DB, table string) (*TypeStore[T], error) {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, value TEXT NOT NULL)", table)
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return &TypeStore[T]{db: db, Table: table}, nil
}

func (t *TypeStore[T]) Set(id string, value T) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (id, value) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET value = excluded.value", t.Table)
	_, err = t.db.Exec(stmt, id, string(b))
	return err
}

func (t *TypeStore[T]) Get(id string) (T, error) {
	var value T
	var raw string
	row := t.db.QueryRow(fmt.Sprintf("SELECT value FROM %s WHERE id = ?", t.Table), id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return value, fmt.Errorf("%w: %s", errRecordNotFound, id)
		}
		return value, err
	}
	err := json.Unmarshal([]byte(raw), &value)
	return value, err
}

// Exec runs a query selecting the value column and decodes every row.
func (t *TypeStore[T]) Exec(query string, args ...any) ([]T, error) {
	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, rows.Err()
}

func (t *TypeStore[T]) ExecWrite(query string, args ...any) (int64, error) {
	res, err := t.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
