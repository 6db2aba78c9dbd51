package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"contentline/internal/domain"
	"contentline/internal/events"
)

// tsLayout keeps stored timestamps fixed width so text comparison orders
// them chronologically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Opener reopens the underlying database for Reconnect.
type Opener func() (*sql.DB, error)

// Pool is the SQLite implementation of domain.Pool.
type Pool struct {
	FileRoot string
	Events   events.Writer
	Now      func() time.Time
	Log      zerolog.Logger

	mu        sync.RWMutex
	db        *sql.DB
	open      Opener
	structure domain.Structure
}

var _ domain.Pool = (*Pool)(nil)

// New wraps an open, migrated database. open may be nil, in which case
// Reconnect fails once the pool is closed.
func New(conn *sql.DB, fileRoot string, open Opener) *Pool {
	return &Pool{
		FileRoot:  fileRoot,
		Log:       zerolog.Nop(),
		db:        conn,
		open:      open,
		structure: domain.Structure{Tables: map[string][]domain.Column{}},
	}
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// DB returns the current connection.
func (p *Pool) DB() *sql.DB {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.db
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Reconnect closes the current connection, if any, and opens a new one. The
// schema for the published structure is not re-applied; callers publish the
// structure again after reconnecting.
func (p *Pool) Reconnect(ctx context.Context) error {
	if p.open == nil {
		return domain.Persistence("reconnect", errors.New("no opener configured"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		p.db.Close()
		p.db = nil
	}
	conn, err := p.open()
	if err != nil {
		return domain.Persistence("reconnect", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return domain.Persistence("reconnect", err)
	}
	p.db = conn
	return nil
}

type txKey struct{}

type txState struct {
	tx    *sql.Tx
	depth int
	done  bool
	// blobs written in this transaction, removed on undo
	written []string
	// blobs orphaned in this transaction, removed on commit
	orphaned []string
}

func state(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

// Begin opens a transaction or joins the one carried by ctx.
func (p *Pool) Begin(ctx context.Context) (context.Context, error) {
	if st := state(ctx); st != nil && !st.done {
		st.depth++
		return ctx, nil
	}
	conn := p.DB()
	if conn == nil {
		return ctx, domain.Persistence("begin", errors.New("pool is closed"))
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return ctx, domain.Persistence("begin", err)
	}
	return context.WithValue(ctx, txKey{}, &txState{tx: tx, depth: 1}), nil
}

func (p *Pool) InTransaction(ctx context.Context) bool {
	st := state(ctx)
	return st != nil && !st.done
}

// Commit ends one Begin level; only the outermost level commits.
func (p *Pool) Commit(ctx context.Context) error {
	st := state(ctx)
	if st == nil {
		return nil
	}
	if st.done {
		return domain.Persistence("commit", errors.New("transaction already rolled back"))
	}
	st.depth--
	if st.depth > 0 {
		return nil
	}
	st.done = true
	if err := st.tx.Commit(); err != nil {
		removeAll(st.written)
		return domain.Persistence("commit", err)
	}
	removeAll(st.orphaned)
	return nil
}

// Undo rolls back the whole transaction carried by ctx, whatever the nesting
// depth, and discards blobs written in it.
func (p *Pool) Undo(ctx context.Context) error {
	st := state(ctx)
	if st == nil || st.done {
		return nil
	}
	st.done = true
	removeAll(st.written)
	if err := st.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return domain.Persistence("undo", err)
	}
	return nil
}

func removeAll(paths []string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type closedDB struct{}

var errClosed = errors.New("pool is closed")

func (closedDB) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, errClosed
}

func (closedDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errClosed
}

func (closedDB) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

// q returns the transaction carried by ctx or the bare connection.
func (p *Pool) q(ctx context.Context) querier {
	if st := state(ctx); st != nil && !st.done {
		return st.tx
	}
	if conn := p.DB(); conn != nil {
		return conn
	}
	return closedDB{}
}

// written records a blob created under ctx so Undo can discard it.
func (p *Pool) written(ctx context.Context, path string) {
	if st := state(ctx); st != nil && !st.done {
		st.written = append(st.written, path)
	}
}

// orphan removes a blob now or, inside a transaction, once it commits.
func (p *Pool) orphan(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if st := state(ctx); st != nil && !st.done {
		st.orphaned = append(st.orphaned, path)
		return
	}
	os.Remove(path)
}

// within runs fn inside a (possibly nested) transaction.
func (p *Pool) within(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		p.Undo(ctx)
		return err
	}
	return p.Commit(ctx)
}

func queryRow(ctx context.Context, q querier, query string, args ...any) (*sql.Row, error) {
	row := q.QueryRowContext(ctx, query, args...)
	if row == nil {
		return nil, errClosed
	}
	return row, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return v
	}
	return t.UTC()
}

// encodeArg maps engine values to driver arguments.
func encodeArg(v any) any {
	switch t := v.(type) {
	case time.Time:
		return formatTS(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatTS(*t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(t)
	}
	return v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanValues reads every row into a Values map keyed by column name.
func scanValues(rows *sql.Rows) ([]domain.Values, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []domain.Values
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		v := make(domain.Values, len(cols))
		for i, c := range cols {
			v[c] = raw[i]
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Pool) getStructure() domain.Structure {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.structure
}

func (p *Pool) metaColumns() []string {
	s := p.getStructure()
	cols := make([]string, 0, len(domain.MetaColumns)+len(s.Meta))
	cols = append(cols, domain.MetaColumns...)
	for _, c := range s.Meta {
		cols = append(cols, c.Name)
	}
	return cols
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, domain.ErrNotFound)
}
