// Package sqlengine implements xtable.Engine over database/sql with sqlx.
//
// Statements use SQLite syntax: quoted identifiers, "?" placeholders
// (rebound for the connected driver) and INSERT/UPDATE OR <conflict>. The
// pure-Go modernc driver is registered as "sqlite"; cgo builds also register
// mattn's "sqlite3".
package sqlengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/go-mizu/xtable"
)

// ErrEmptyUpdate is returned by Update when there is nothing to set.
var ErrEmptyUpdate = errors.New("sqlengine: update without values")

// Engine executes xtable requests. It is safe for concurrent use to the
// extent the underlying *sqlx.DB is; xtable serializes its own calls.
type Engine struct {
	db     sqlx.ExtContext // *sqlx.DB, or *sqlx.Tx inside a transaction
	conn   *sqlx.DB        // nil inside a transaction
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for statement records.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

var (
	_ xtable.Engine   = (*Engine)(nil)
	_ xtable.TxEngine = (*Engine)(nil)
)

// New wraps an open connection pool.
func New(db *sqlx.DB, opts ...Option) *Engine {
	e := &Engine{db: db, conn: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Open connects using cfg. A nil cfg uses the defaults.
func Open(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.ApplyDefaults()
	if !slices.Contains(sql.Drivers(), c.Driver) {
		return nil, fmt.Errorf("sqlengine: driver %q is not registered (sqlite3 requires a cgo build)", c.Driver)
	}

	db, err := sqlx.Connect(c.Driver, dsnWithBusyTimeout(c))
	if err != nil {
		return nil, fmt.Errorf("sqlengine: connect %s: %w", c.Driver, err)
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(c.MaxIdleConns)

	e := New(db, opts...)
	e.logger.Debug("connected", "driver", c.Driver, "dsn", c.DSN, "max_open_conns", c.MaxOpenConns)
	return e, nil
}

// dsnWithBusyTimeout appends the driver's busy timeout parameter.
func dsnWithBusyTimeout(c Config) string {
	ms := c.BusyTimeout.Milliseconds()
	if ms <= 0 {
		return c.DSN
	}
	var param string
	switch c.Driver {
	case "sqlite":
		param = "_pragma=busy_timeout(" + strconv.FormatInt(ms, 10) + ")"
	case "sqlite3":
		param = "_busy_timeout=" + strconv.FormatInt(ms, 10)
	default:
		return c.DSN
	}
	if strings.Contains(c.DSN, "?") {
		return c.DSN + "&" + param
	}
	return c.DSN + "?" + param
}

// DB returns the connection pool, or nil for a transaction engine.
func (e *Engine) DB() *sqlx.DB { return e.conn }

// Close closes the connection pool.
func (e *Engine) Close() error {
	if e.conn == nil {
		return errors.New("sqlengine: close of a transaction engine")
	}
	return e.conn.Close()
}

// Exec runs a raw statement, typically schema setup.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) error {
	_, err := e.db.ExecContext(ctx, e.db.Rebind(query), args...)
	return err
}

// Query runs a SELECT over table. Empty columns select every column.
func (e *Engine) Query(ctx context.Context, table string, columns []string, where string, args []string, orderBy string) (xtable.RowSource, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(columns) == 0 {
		b.WriteByte('*')
	} else {
		b.WriteString(strings.Join(columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(quoteIdent(table))
	writeWhere(&b, where)
	if orderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(orderBy)
	}

	q := e.db.Rebind(b.String())
	e.logger.Debug("query", "sql", q, "args", len(args))
	rows, err := e.db.QueryxContext(ctx, q, stringArgs(args)...)
	if err != nil {
		return nil, err
	}
	return newRowSource(rows)
}

// Insert writes one row and returns its rowid, or -1 when the conflict mode
// suppressed the insert.
func (e *Engine) Insert(ctx context.Context, table string, values xtable.Values, conflict xtable.ConflictMode) (int64, error) {
	var b strings.Builder
	b.WriteString("INSERT ")
	writeConflict(&b, conflict)
	b.WriteString("INTO ")
	b.WriteString(quoteIdent(table))
	args := make([]any, 0, len(values))
	if len(values) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		b.WriteString(" (")
		for i, a := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(quoteIdent(a.Column))
			args = append(args, a.Value.Driver())
		}
		b.WriteString(") VALUES (")
		b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "))
		b.WriteByte(')')
	}

	res, err := e.exec(ctx, b.String(), args)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return -1, nil
	}
	return res.LastInsertId()
}

// Update returns the number of rows changed.
func (e *Engine) Update(ctx context.Context, table string, values xtable.Values, conflict xtable.ConflictMode, where string, args []string) (int64, error) {
	if len(values) == 0 {
		return 0, ErrEmptyUpdate
	}
	var b strings.Builder
	b.WriteString("UPDATE ")
	writeConflict(&b, conflict)
	b.WriteString(quoteIdent(table))
	b.WriteString(" SET ")
	all := make([]any, 0, len(values)+len(args))
	for i, a := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(a.Column))
		b.WriteString(" = ?")
		all = append(all, a.Value.Driver())
	}
	writeWhere(&b, where)
	all = append(all, stringArgs(args)...)

	res, err := e.exec(ctx, b.String(), all)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete returns the number of rows removed.
func (e *Engine) Delete(ctx context.Context, table string, where string, args []string) (int64, error) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(quoteIdent(table))
	writeWhere(&b, where)

	res, err := e.exec(ctx, b.String(), stringArgs(args))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Begin starts a transaction. The returned engine runs inside it until end
// is called with commit or rollback.
func (e *Engine) Begin(ctx context.Context) (xtable.Engine, func(commit bool) error, error) {
	if e.conn == nil {
		return nil, nil, errors.New("sqlengine: nested transaction")
	}
	tx, err := e.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Debug("begin")
	child := &Engine{db: tx, logger: e.logger}
	end := func(commit bool) error {
		if commit {
			e.logger.Debug("commit")
			return tx.Commit()
		}
		e.logger.Debug("rollback")
		return tx.Rollback()
	}
	return child, end, nil
}

func (e *Engine) exec(ctx context.Context, query string, args []any) (sql.Result, error) {
	q := e.db.Rebind(query)
	e.logger.Debug("exec", "sql", q, "args", len(args))
	return e.db.ExecContext(ctx, q, args...)
}

func writeConflict(b *strings.Builder, m xtable.ConflictMode) {
	if s := m.String(); s != "" {
		b.WriteString("OR ")
		b.WriteString(s)
		b.WriteByte(' ')
	}
}

func writeWhere(b *strings.Builder, where string) {
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func stringArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a
	}
	return out
}
