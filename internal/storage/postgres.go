package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/dreamware/tessera/internal/sqlparse"
)

// Postgres runs statements against a PostgreSQL database through a pgx
// connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Engine = (*Postgres)(nil)

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "storage: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "storage: ping")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Tables(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list tables")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return names, errors.Wrap(err, "storage: list tables")
}

func (p *Postgres) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, "SELECT count(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&n)
	return n, errors.Wrapf(err, "storage: count %s", table)
}

func (p *Postgres) Exec(ctx context.Context, sql string) (Result, error) {
	if sqlparse.Keyword(sql) != "SELECT" {
		tag, err := p.pool.Exec(ctx, sql)
		if err != nil {
			return Result{}, errors.Wrap(err, "storage: exec")
		}
		return Result{Tag: tag.String(), RowsAffected: tag.RowsAffected()}, nil
	}

	rows, err := p.pool.Query(ctx, sql)
	if err != nil {
		return Result{}, errors.Wrap(err, "storage: query")
	}
	defer rows.Close()

	var res Result
	for _, fd := range rows.FieldDescriptions() {
		res.Columns = append(res.Columns, fd.Name)
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Result{}, errors.Wrap(err, "storage: scan")
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, errors.Wrap(err, "storage: query")
	}
	res.Tag = rows.CommandTag().String()
	res.RowsAffected = int64(len(res.Rows))
	return res, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
