// Package mongo implements the domain repositories on MongoDB. Every voucher
// is a single document, so the redemption guard is one conditional UpdateOne.
package mongo

import (
	"context"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	vouchersCollection  = "vouchers"
	customersCollection = "customers"
	productsCollection  = "products"
	apiKeysCollection   = "api_keys"
)

// Connect opens a client for uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	return client, nil
}

// EnsureIndexes creates the indexes the repositories rely on. It is safe to
// call on every start.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(vouchersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "code", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("code_unique"),
		},
		{
			Keys:    bson.D{{Key: "is_enabled", Value: 1}, {Key: "valid_from", Value: 1}, {Key: "valid_until", Value: 1}},
			Options: options.Index().SetName("applicable"),
		},
	})
	if err != nil {
		return errors.Wrap(err, "create voucher indexes")
	}

	_, err = db.Collection(apiKeysCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key_hash", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("key_hash_unique"),
	})
	if err != nil {
		return errors.Wrap(err, "create api key indexes")
	}
	return nil
}

// Pinger adapts a client to the health checker interface.
type Pinger struct {
	Client *mongo.Client
}

// Ping checks the primary is reachable.
func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx, readpref.Primary())
}
