package shared

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) error
	Close()
}

type PgxDB struct {
	pool *pgxpool.Pool
}

func NewPgxPool(ctx context.Context, cfg PostgresConfig) (*PgxDB, error) {
	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if cfg.PoolMax > 0 {
		pc.MaxConns = int32(cfg.PoolMax)
	}
	p, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, err
	}
	return &PgxDB{pool: p}, nil
}

func (d *PgxDB) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := d.pool.Exec(ctx, sql, args...)
	return err
}

func (d *PgxDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return d.pool.Query(ctx, sql, args...)
}

// SendBatch runs every queued statement on one connection and surfaces the
// first failure.
func (d *PgxDB) SendBatch(ctx context.Context, b *pgx.Batch) error {
	br := d.pool.SendBatch(ctx, b)
	defer br.Close()
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (d *PgxDB) Close() { d.pool.Close() }
