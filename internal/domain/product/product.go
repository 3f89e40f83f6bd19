package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is the slice of a catalog item the voucher service needs.
type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
}

// Repository defines the catalog reads used when validating voucher scopes.
type Repository interface {
	GetByID(ctx context.Context, id string) (*Product, error)
	// Missing returns the subset of ids that do not exist in the catalog,
	// preserving input order.
	Missing(ctx context.Context, ids []string) ([]string, error)
}
