package mongo

import (
	"context"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-voucher/internal/domain/customer"
)

type customerDoc struct {
	ID            string `bson:"_id"`
	Name          string `bson:"name"`
	CustomerLevel string `bson:"customer_level"`
}

var _ customer.Repository = (*CustomerRepository)(nil)

// CustomerRepository implements customer.Repository backed by MongoDB.
type CustomerRepository struct {
	coll *mongo.Collection
}

// NewCustomerRepository returns a CustomerRepository on db's customers collection.
func NewCustomerRepository(db *mongo.Database) *CustomerRepository {
	return &CustomerRepository{coll: db.Collection(customersCollection)}
}

// GetProfile returns the customer's level.
func (r *CustomerRepository) GetProfile(ctx context.Context, id string) (*customer.Profile, error) {
	var doc customerDoc
	if err := r.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, customer.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get customer %q", id)
	}
	return &customer.Profile{ID: doc.ID, CustomerLevel: doc.CustomerLevel}, nil
}

// Upsert creates or replaces a customer document.
func (r *CustomerRepository) Upsert(ctx context.Context, id, name, level string) error {
	_, err := r.coll.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		customerDoc{ID: id, Name: name, CustomerLevel: level},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrapf(err, "upsert customer %q", id)
	}
	return nil
}
