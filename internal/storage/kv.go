package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

// AreaLocal is the only storage area this process writes.
const AreaLocal = "local"

// Change describes one committed write.
type Change struct {
	Keys []string
	Area string
}

// KV is an asynchronous key-value store holding JSON documents.
type KV interface {
	// Get returns the stored values for the keys that exist.
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	// Set writes all entries atomically.
	Set(ctx context.Context, entries map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	// Update reads keys, hands the values to fn and writes the entries fn
	// returns, in one transaction no other writer can interleave with,
	// including writers in other processes sharing the database. An error
	// from fn, or an empty result, writes nothing.
	Update(ctx context.Context, keys []string, fn UpdateFunc) error
	// Watch returns a channel receiving a Change after every committed write,
	// and a function that stops the subscription.
	Watch() (<-chan Change, func())
}

// UpdateFunc computes the entries to write from the current values.
type UpdateFunc func(cur map[string][]byte) (map[string][]byte, error)

const readAttempts = 3

const upsertSQL = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

// feed fans changes out to watchers without blocking writers.
type feed struct {
	mu       sync.Mutex
	next     int
	watchers map[int]chan Change
}

func (f *feed) watch() (<-chan Change, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchers == nil {
		f.watchers = make(map[int]chan Change)
	}
	id := f.next
	f.next++
	ch := make(chan Change, 16)
	f.watchers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.watchers, id)
			close(ch)
		})
	}
}

func (f *feed) publish(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.watchers {
		c := Change{Keys: append([]string(nil), keys...), Area: AreaLocal}
		select {
		case ch <- c:
		default: // slow watcher, drop
		}
	}
}

// SQLiteKV stores values in the kv table.
type SQLiteKV struct {
	db *sql.DB
	feed
}

// NewSQLiteKV wraps an opened database.
func NewSQLiteKV(db *sql.DB) *SQLiteKV {
	return &SQLiteKV{db: db}
}

func (s *SQLiteKV) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query, args := keysQuery(keys)

	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &types.TransientError{Op: "kv get", Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		err = s.get(ctx, query, args, out)
		if err == nil || !isBusy(err) {
			break
		}
	}
	if err != nil {
		if isBusy(err) {
			return nil, &types.TransientError{Op: "kv get", Err: err}
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return out, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func keysQuery(keys []string) (string, []any) {
	query := "SELECT key, value FROM kv WHERE key IN (?" + strings.Repeat(",?", len(keys)-1) + ")"
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return query, args
}

func (s *SQLiteKV) get(ctx context.Context, query string, args []any, out map[string][]byte) error {
	return scanValues(ctx, s.db, query, args, out)
}

func scanValues(ctx context.Context, q querier, query string, args []any, out map[string][]byte) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		out[key] = value
	}
	return rows.Err()
}

func (s *SQLiteKV) Set(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("begin transaction", err)
	}
	defer tx.Rollback()

	keys := make([]string, 0, len(entries))
	for k, v := range entries {
		if _, err := tx.ExecContext(ctx, upsertSQL, k, v); err != nil {
			return writeErr(fmt.Sprintf("set %q", k), err)
		}
		keys = append(keys, k)
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit transaction", err)
	}
	s.publish(keys)
	return nil
}

func (s *SQLiteKV) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return writeErr("begin transaction", err)
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", k); err != nil {
			return writeErr(fmt.Sprintf("remove %q", k), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return writeErr("commit transaction", err)
	}
	s.publish(keys)
	return nil
}

// Update runs on one pinned connection inside BEGIN IMMEDIATE, which takes
// the database write lock before the read. Waiting for the lock is bounded
// by the busy timeout; a lock still held after that is a TransientError.
func (s *SQLiteKV) Update(ctx context.Context, keys []string, fn UpdateFunc) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return writeErr("acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return writeErr("begin immediate", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	cur := make(map[string][]byte, len(keys))
	if len(keys) > 0 {
		query, args := keysQuery(keys)
		if err := scanValues(ctx, conn, query, args, cur); err != nil {
			return writeErr("read", err)
		}
	}

	entries, err := fn(cur)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	written := make([]string, 0, len(entries))
	for k, v := range entries {
		if _, err := conn.ExecContext(ctx, upsertSQL, k, v); err != nil {
			return writeErr(fmt.Sprintf("set %q", k), err)
		}
		written = append(written, k)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return writeErr("commit", err)
	}
	committed = true
	s.publish(written)
	return nil
}

func (s *SQLiteKV) Watch() (<-chan Change, func()) {
	return s.watch()
}

// writeErr marks busy failures as transient. Writes are never retried here;
// the caller decides.
func writeErr(op string, err error) error {
	if isBusy(err) {
		return &types.TransientError{Op: "kv " + op, Err: err}
	}
	return fmt.Errorf("kv %s: %w", op, err)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// Memory is an in-process KV with the same contract as SQLiteKV.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
	feed
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &types.TransientError{Op: "kv get", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return &types.TransientError{Op: "kv set", Err: err}
	}
	m.mu.Lock()
	keys := make([]string, 0, len(entries))
	for k, v := range entries {
		m.data[k] = append([]byte(nil), v...)
		keys = append(keys, k)
	}
	m.mu.Unlock()
	if len(keys) > 0 {
		m.publish(keys)
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return &types.TransientError{Op: "kv remove", Err: err}
	}
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	if len(keys) > 0 {
		m.publish(keys)
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, keys []string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return &types.TransientError{Op: "kv update", Err: err}
	}
	m.mu.Lock()
	cur := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			cur[k] = append([]byte(nil), v...)
		}
	}
	entries, err := fn(cur)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	written := make([]string, 0, len(entries))
	for k, v := range entries {
		m.data[k] = append([]byte(nil), v...)
		written = append(written, k)
	}
	m.mu.Unlock()
	if len(written) > 0 {
		m.publish(written)
	}
	return nil
}

func (m *Memory) Watch() (<-chan Change, func()) {
	return m.watch()
}
