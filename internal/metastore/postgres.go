package metastore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/dreamware/tessera/internal/cluster"
)

const schema = `
CREATE TABLE IF NOT EXISTS region_servers (
	regionserver_id TEXT    NOT NULL,
	host            TEXT    NOT NULL,
	port            INTEGER NOT NULL,
	replica_key     TEXT    NOT NULL,
	status          TEXT    NOT NULL,
	connections     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (regionserver_id, host, port)
)`

const upsertEndpoint = `
INSERT INTO region_servers (regionserver_id, host, port, replica_key, status, connections)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (regionserver_id, host, port)
DO UPDATE SET replica_key = EXCLUDED.replica_key,
              status = EXCLUDED.status,
              connections = EXCLUDED.connections`

// Postgres stores the registry in the region_servers table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and creates the registry table if it does
// not exist yet.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: connect")
	}
	p := &Postgres{pool: pool}
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// EnsureSchema creates the registry table.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "metastore: create region_servers")
	}
	return nil
}

func (p *Postgres) Save(ctx context.Context, set *cluster.ReplicaSet) error {
	return errors.Wrapf(p.upsert(ctx, set), "metastore: save %s", set.ID)
}

func (p *Postgres) Update(ctx context.Context, set *cluster.ReplicaSet) error {
	return errors.Wrapf(p.upsert(ctx, set), "metastore: update %s", set.ID)
}

func (p *Postgres) upsert(ctx context.Context, set *cluster.ReplicaSet) error {
	batch := &pgx.Batch{}
	for _, ep := range set.Endpoints {
		batch.Queue(upsertEndpoint, set.ID, ep.Host, ep.Port, set.ReplicaKey, string(ep.Status), ep.Connections)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (p *Postgres) DeleteEndpoint(ctx context.Context, id, host string, port int) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM region_servers WHERE regionserver_id = $1 AND host = $2 AND port = $3`,
		id, host, port)
	return errors.Wrapf(err, "metastore: delete endpoint %s %s:%d", id, host, port)
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM region_servers WHERE regionserver_id = $1`, id)
	return errors.Wrapf(err, "metastore: delete %s", id)
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
