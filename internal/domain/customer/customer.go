package customer

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a customer does not exist.
var ErrNotFound = errors.New("customer not found")

// Profile is the customer summary consulted by voucher eligibility.
type Profile struct {
	ID            string
	CustomerLevel string
}

// Repository provides read access to customer profiles.
type Repository interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
}
