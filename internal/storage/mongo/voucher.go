package mongo

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

type voucherDoc struct {
	ID                string               `bson:"_id"`
	Code              string               `bson:"code"`
	Description       string               `bson:"description"`
	DiscountKind      string               `bson:"discount_kind"`
	DiscountValue     primitive.Decimal128 `bson:"discount_value"`
	MinimumOrderValue primitive.Decimal128 `bson:"minimum_order_value"`
	ValidFrom         time.Time            `bson:"valid_from"`
	ValidUntil        time.Time            `bson:"valid_until"`
	UsageLimit        int                  `bson:"usage_limit"`
	UsedCount         int                  `bson:"used_count"`
	RedeemedBy        []string             `bson:"redeemed_by"`
	ProductScope      []string             `bson:"product_scope"`
	AllUsers          bool                 `bson:"all_users"`
	CustomerLevels    []string             `bson:"customer_levels"`
	IsEnabled         bool                 `bson:"is_enabled"`
	CreatedAt         time.Time            `bson:"created_at"`
	UpdatedAt         time.Time            `bson:"updated_at"`
}

var _ voucher.Repository = (*VoucherRepository)(nil)

// VoucherRepository implements voucher.Repository backed by MongoDB.
type VoucherRepository struct {
	coll *mongo.Collection
}

// NewVoucherRepository returns a VoucherRepository on db's vouchers collection.
func NewVoucherRepository(db *mongo.Database) *VoucherRepository {
	return &VoucherRepository{coll: db.Collection(vouchersCollection)}
}

// Create inserts a new voucher. A duplicate code yields voucher.ErrCodeConflict.
func (r *VoucherRepository) Create(ctx context.Context, v *voucher.Voucher) error {
	doc, err := toVoucherDoc(v)
	if err != nil {
		return err
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return voucher.ErrCodeConflict
		}
		return errors.Wrapf(err, "insert voucher %q", v.Code)
	}
	return nil
}

// Update rewrites the definition fields of an existing voucher, leaving the
// counters alone.
func (r *VoucherRepository) Update(ctx context.Context, v *voucher.Voucher) error {
	doc, err := toVoucherDoc(v)
	if err != nil {
		return err
	}

	filter := bson.D{
		{Key: "_id", Value: v.ID},
		{Key: "used_count", Value: bson.D{{Key: "$lte", Value: v.UsageLimit}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "code", Value: doc.Code},
		{Key: "description", Value: doc.Description},
		{Key: "discount_kind", Value: doc.DiscountKind},
		{Key: "discount_value", Value: doc.DiscountValue},
		{Key: "minimum_order_value", Value: doc.MinimumOrderValue},
		{Key: "valid_from", Value: doc.ValidFrom},
		{Key: "valid_until", Value: doc.ValidUntil},
		{Key: "usage_limit", Value: doc.UsageLimit},
		{Key: "product_scope", Value: doc.ProductScope},
		{Key: "all_users", Value: doc.AllUsers},
		{Key: "customer_levels", Value: doc.CustomerLevels},
		{Key: "is_enabled", Value: doc.IsEnabled},
		{Key: "updated_at", Value: doc.UpdatedAt},
	}}}

	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return voucher.ErrCodeConflict
		}
		return errors.Wrapf(err, "update voucher %s", v.ID)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := r.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: v.ID}})
	if err != nil {
		return errors.Wrapf(err, "check voucher %s", v.ID)
	}
	if n == 0 {
		return voucher.ErrNotFound
	}
	return voucher.ErrLimitBelowUsage
}

// SetEnabled writes the enabled flag alone.
func (r *VoucherRepository) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "is_enabled", Value: enabled},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return errors.Wrapf(err, "set voucher %s enabled", id)
	}
	if res.MatchedCount == 0 {
		return voucher.ErrNotFound
	}
	return nil
}

// Delete removes a voucher by ID.
func (r *VoucherRepository) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return errors.Wrapf(err, "delete voucher %s", id)
	}
	if res.DeletedCount == 0 {
		return voucher.ErrNotFound
	}
	return nil
}

// FindByID returns a voucher by ID.
func (r *VoucherRepository) FindByID(ctx context.Context, id string) (*voucher.Voucher, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

// FindByCode returns a voucher by its exact code.
func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	return r.findOne(ctx, bson.D{{Key: "code", Value: code}})
}

// FindApplicable runs every persisted eligibility predicate as one query.
func (r *VoucherRepository) FindApplicable(ctx context.Context, q voucher.ApplicableQuery) ([]voucher.Voucher, error) {
	subtotal, err := toDecimal128(q.Subtotal)
	if err != nil {
		return nil, err
	}
	productIDs := q.ProductIDs
	if productIDs == nil {
		productIDs = []string{}
	}

	filter := bson.D{
		{Key: "is_enabled", Value: true},
		{Key: "valid_from", Value: bson.D{{Key: "$lte", Value: q.Now}}},
		{Key: "valid_until", Value: bson.D{{Key: "$gte", Value: q.Now}}},
		{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$used_count", "$usage_limit"}}}},
		{Key: "redeemed_by", Value: bson.D{{Key: "$ne", Value: q.UserID}}},
		{Key: "minimum_order_value", Value: bson.D{{Key: "$lte", Value: subtotal}}},
		{Key: "$and", Value: bson.A{
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "product_scope", Value: bson.D{{Key: "$size", Value: 0}}}},
				bson.D{{Key: "product_scope", Value: bson.D{{Key: "$in", Value: productIDs}}}},
			}}},
			bson.D{{Key: "$or", Value: bson.A{
				bson.D{{Key: "all_users", Value: true}},
				bson.D{{Key: "customer_levels", Value: q.CustomerLevel}},
			}}},
		}},
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "discount_value", Value: -1},
		{Key: "code", Value: 1},
	})

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "query applicable vouchers")
	}
	var docs []voucherDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode applicable vouchers")
	}

	out := make([]voucher.Voucher, 0, len(docs))
	for i := range docs {
		v, err := docs[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// Redeem performs the atomic conditional update. It reports false when the
// voucher is missing, exhausted, or already redeemed by userID.
func (r *VoucherRepository) Redeem(ctx context.Context, id, userID string) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "$expr", Value: bson.D{{Key: "$lt", Value: bson.A{"$used_count", "$usage_limit"}}}},
		{Key: "redeemed_by", Value: bson.D{{Key: "$ne", Value: userID}}},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "used_count", Value: 1}}},
		{Key: "$push", Value: bson.D{{Key: "redeemed_by", Value: userID}}},
		{Key: "$currentDate", Value: bson.D{{Key: "updated_at", Value: true}}},
	}

	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, errors.Wrapf(err, "redeem voucher %s", id)
	}
	return res.ModifiedCount == 1, nil
}

func (r *VoucherRepository) findOne(ctx context.Context, filter bson.D) (*voucher.Voucher, error) {
	var doc voucherDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, voucher.ErrNotFound
		}
		return nil, errors.Wrap(err, "find voucher")
	}
	return doc.toDomain()
}

func toVoucherDoc(v *voucher.Voucher) (*voucherDoc, error) {
	value, err := toDecimal128(v.Value)
	if err != nil {
		return nil, err
	}
	minimum, err := toDecimal128(v.MinimumOrderValue)
	if err != nil {
		return nil, err
	}
	return &voucherDoc{
		ID:                v.ID,
		Code:              v.Code,
		Description:       v.Description,
		DiscountKind:      string(v.Kind),
		DiscountValue:     value,
		MinimumOrderValue: minimum,
		ValidFrom:         v.ValidFrom.UTC(),
		ValidUntil:        v.ValidUntil.UTC(),
		UsageLimit:        v.UsageLimit,
		UsedCount:         v.UsedCount,
		RedeemedBy:        nonNil(v.RedeemedBy),
		ProductScope:      nonNil(v.ProductScope),
		AllUsers:          v.Audience.AllUsers,
		CustomerLevels:    nonNil(v.Audience.CustomerLevels),
		IsEnabled:         v.Enabled,
		CreatedAt:         v.CreatedAt.UTC(),
		UpdatedAt:         v.UpdatedAt.UTC(),
	}, nil
}

func (d *voucherDoc) toDomain() (*voucher.Voucher, error) {
	value, err := fromDecimal128(d.DiscountValue)
	if err != nil {
		return nil, errors.Wrapf(err, "voucher %s discount_value", d.ID)
	}
	minimum, err := fromDecimal128(d.MinimumOrderValue)
	if err != nil {
		return nil, errors.Wrapf(err, "voucher %s minimum_order_value", d.ID)
	}
	return &voucher.Voucher{
		ID:                d.ID,
		Code:              d.Code,
		Description:       d.Description,
		Kind:              voucher.DiscountKind(d.DiscountKind),
		Value:             value,
		MinimumOrderValue: minimum,
		ValidFrom:         d.ValidFrom.UTC(),
		ValidUntil:        d.ValidUntil.UTC(),
		UsageLimit:        d.UsageLimit,
		UsedCount:         d.UsedCount,
		RedeemedBy:        d.RedeemedBy,
		ProductScope:      d.ProductScope,
		Audience: voucher.Audience{
			AllUsers:       d.AllUsers,
			CustomerLevels: d.CustomerLevels,
		},
		Enabled:   d.IsEnabled,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, errors.Wrapf(err, "convert %s to decimal128", d)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
