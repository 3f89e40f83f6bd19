package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-voucher/internal/domain/customer"
)

const (
	getCustomerProfileSQL = `SELECT id, customer_level FROM customers WHERE id = $1`

	upsertCustomerSQL = `INSERT INTO customers (id, name, customer_level) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, customer_level = EXCLUDED.customer_level`
)

var _ customer.Repository = (*CustomerRepository)(nil)

// CustomerRepository implements customer.Repository backed by PostgreSQL.
type CustomerRepository struct {
	pool *pgxpool.Pool
}

// NewCustomerRepository returns a CustomerRepository that uses the given pool.
func NewCustomerRepository(pool *pgxpool.Pool) *CustomerRepository {
	return &CustomerRepository{pool: pool}
}

// GetProfile returns the customer's level.
func (r *CustomerRepository) GetProfile(ctx context.Context, id string) (*customer.Profile, error) {
	var p customer.Profile
	err := r.pool.QueryRow(ctx, getCustomerProfileSQL, id).Scan(&p.ID, &p.CustomerLevel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get customer %q", id)
	}
	return &p, nil
}

// Upsert creates or replaces a customer record.
func (r *CustomerRepository) Upsert(ctx context.Context, id, name, level string) error {
	if _, err := r.pool.Exec(ctx, upsertCustomerSQL, id, name, level); err != nil {
		return errors.Wrapf(err, "upsert customer %q", id)
	}
	return nil
}
