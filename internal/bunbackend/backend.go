// Package bunbackend adapts a bun.DB to the backend contract. Queries are
// built from table and field names with bun.Ident quoting, so any schema the
// core declares maps straight onto existing tables.
package bunbackend

import (
	"context"
	"database/sql"

	"github.com/goliatone/go-relmap/backend"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Backend wraps a bun.DB.
type Backend struct {
	db *bun.DB
}

// New returns a backend over db. The caller owns the connection and its
// schema.
func New(db *bun.DB) *Backend {
	return &Backend{db: db}
}

// DB exposes the underlying bun handle, for schema setup in tests.
func (b *Backend) DB() *bun.DB { return b.db }

// Select returns the rows matching f as generic maps, sorted by order.
func (b *Backend) Select(ctx context.Context, table string, f backend.Filter, order []backend.Order) ([]backend.Row, error) {
	q := b.db.NewSelect().ColumnExpr("*").Table(table)
	for _, k := range backend.SortedKeys(f) {
		q = q.Where("? = ?", bun.Ident(k), f[k])
	}
	for _, o := range order {
		if o.Desc {
			q = q.OrderExpr("? DESC", bun.Ident(o.Field))
		} else {
			q = q.OrderExpr("? ASC", bun.Ident(o.Field))
		}
	}
	var rows []map[string]any
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.Wrapf(err, "selecting from %s", table)
	}
	out := make([]backend.Row, len(rows))
	for i, row := range rows {
		norm := make(backend.Row, len(row))
		for k, v := range row {
			norm[k] = backend.Normalize(v)
		}
		out[i] = norm
	}
	return out, nil
}

// Count reports how many rows match f.
func (b *Backend) Count(ctx context.Context, table string, f backend.Filter) (int, error) {
	q := b.db.NewSelect().Table(table)
	for _, k := range backend.SortedKeys(f) {
		q = q.Where("? = ?", bun.Ident(k), f[k])
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "counting %s", table)
	}
	return n, nil
}

// Begin opens a native database transaction.
func (b *Backend) Begin(ctx context.Context) (backend.Tx, error) {
	btx, err := b.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "beginning transaction")
	}
	return &tx{tx: btx}, nil
}

type tx struct {
	tx bun.Tx
}

func (x *tx) Insert(ctx context.Context, table string, row backend.Row) (int64, error) {
	values := backend.CloneRow(row)
	res, err := x.tx.NewInsert().Model(&values).TableExpr("?", bun.Ident(table)).Exec(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "inserting into %s", table)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// drivers without LastInsertId support still insert fine
		return 0, nil
	}
	return id, nil
}

func (x *tx) Update(ctx context.Context, table string, key backend.Filter, changes backend.Row) (int64, error) {
	q := x.tx.NewUpdate().Table(table)
	for _, k := range backend.SortedKeys(changes) {
		q = q.Set("? = ?", bun.Ident(k), changes[k])
	}
	for _, k := range backend.SortedKeys(key) {
		q = q.Where("? = ?", bun.Ident(k), key[k])
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "updating %s", table)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (x *tx) Delete(ctx context.Context, table string, key backend.Filter) (int64, error) {
	q := x.tx.NewDelete().Table(table)
	for _, k := range backend.SortedKeys(key) {
		q = q.Where("? = ?", bun.Ident(k), key[k])
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "deleting from %s", table)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (x *tx) Commit(ctx context.Context) error {
	if err := x.tx.Commit(); err != nil {
		return errors.Wrap(err, "committing transaction")
	}
	return nil
}

func (x *tx) Rollback(ctx context.Context) error {
	if err := x.tx.Rollback(); err != nil {
		return errors.Wrap(err, "rolling back transaction")
	}
	return nil
}

var _ backend.Backend = (*Backend)(nil)
