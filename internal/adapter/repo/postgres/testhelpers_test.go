package postgres_test

import (
	"context"
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over scripted per-row scan funcs.
type rowsStub struct {
	rows []func(dest ...any) error
	idx  int
	err  error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { r.idx++; return r.idx <= len(r.rows) }
func (r *rowsStub) Scan(dest ...any) error                       { return r.rows[r.idx-1](dest...) }
func (r *rowsStub) Values() ([]any, error)                       { return nil, nil }
func (r *rowsStub) RawValues() [][]byte                          { return nil }
func (r *rowsStub) Conn() *pgx.Conn                              { return nil }

// scanInto assigns vals positionally into scan destinations. A nil val leaves
// the destination at its zero value.
func scanInto(vals ...any) func(dest ...any) error {
	return func(dest ...any) error {
		if len(dest) != len(vals) {
			return errors.New("scan arity mismatch")
		}
		for i, v := range vals {
			if v == nil {
				continue
			}
			reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
		}
		return nil
	}
}

// txStub implements pgx.Tx, recording Exec calls.
type txStub struct {
	execSQL   []string
	execErr   error
	committed bool
	rolled    bool
}

func (t *txStub) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(context.Context) error          { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error        { t.rolled = true; return nil }
func (t *txStub) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *txStub) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *txStub) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *txStub) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	return pgconn.NewCommandTag("UPDATE 1"), t.execErr
}
func (t *txStub) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return &rowsStub{}, nil
}
func (t *txStub) QueryRow(context.Context, string, ...any) pgx.Row {
	return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// poolStub implements postgres.PgxPool. Exec tags, QueryRow scan funcs and
// Query row sets are consumed in call order; SQL and args are recorded.
type poolStub struct {
	execTags []pgconn.CommandTag
	execErr  error
	rowFns   []func(dest ...any) error
	rowsSets [][]func(dest ...any) error
	queryErr error
	tx       *txStub

	sqls []string
	args [][]any
}

func (p *poolStub) record(sql string, args []any) {
	p.sqls = append(p.sqls, sql)
	p.args = append(p.args, args)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.record(sql, args)
	tag := pgconn.NewCommandTag("UPDATE 1")
	if len(p.execTags) > 0 {
		tag = p.execTags[0]
		p.execTags = p.execTags[1:]
	}
	return tag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	p.record(sql, args)
	if len(p.rowFns) == 0 {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	fn := p.rowFns[0]
	p.rowFns = p.rowFns[1:]
	return rowStub{scan: fn}
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.record(sql, args)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	var rows []func(dest ...any) error
	if len(p.rowsSets) > 0 {
		rows = p.rowsSets[0]
		p.rowsSets = p.rowsSets[1:]
	}
	return &rowsStub{rows: rows}, nil
}

func (p *poolStub) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	if p.tx == nil {
		p.tx = &txStub{}
	}
	return p.tx, nil
}
