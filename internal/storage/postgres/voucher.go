package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

const voucherColumns = `id, code, description, discount_kind, discount_value, minimum_order_value,
	valid_from, valid_until, usage_limit, used_count, redeemed_by, product_scope,
	all_users, customer_levels, is_enabled, created_at, updated_at`

const (
	insertVoucherSQL = `INSERT INTO vouchers (` + voucherColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	// Counters are never written here; the usage guard keeps a concurrent
	// redemption from pushing used_count above the new limit.
	updateVoucherSQL = `UPDATE vouchers SET
		code = $2, description = $3, discount_kind = $4, discount_value = $5,
		minimum_order_value = $6, valid_from = $7, valid_until = $8, usage_limit = $9,
		product_scope = $10, all_users = $11, customer_levels = $12, is_enabled = $13,
		updated_at = $14
		WHERE id = $1 AND used_count <= $9`

	setVoucherEnabledSQL = `UPDATE vouchers SET is_enabled = $2, updated_at = $3 WHERE id = $1`

	voucherExistsSQL = `SELECT EXISTS (SELECT 1 FROM vouchers WHERE id = $1)`

	deleteVoucherSQL = `DELETE FROM vouchers WHERE id = $1`

	getVoucherByIDSQL = `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = $1`

	getVoucherByCodeSQL = `SELECT ` + voucherColumns + ` FROM vouchers WHERE code = $1`

	findApplicableVouchersSQL = `SELECT ` + voucherColumns + ` FROM vouchers
		WHERE is_enabled
			AND valid_from <= $1 AND valid_until >= $1
			AND used_count < usage_limit
			AND NOT ($2 = ANY(redeemed_by))
			AND minimum_order_value <= $3
			AND (cardinality(product_scope) = 0 OR product_scope && $4::text[])
			AND (all_users OR $5 = ANY(customer_levels))
		ORDER BY discount_value DESC, code`

	redeemVoucherSQL = `UPDATE vouchers SET
		used_count = used_count + 1,
		redeemed_by = array_append(redeemed_by, $2),
		updated_at = NOW()
		WHERE id = $1 AND used_count < usage_limit AND NOT ($2 = ANY(redeemed_by))`
)

var _ voucher.Repository = (*VoucherRepository)(nil)

// VoucherRepository implements voucher.Repository backed by PostgreSQL.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

// Create inserts a new voucher. A duplicate code yields voucher.ErrCodeConflict.
func (r *VoucherRepository) Create(ctx context.Context, v *voucher.Voucher) error {
	_, err := r.pool.Exec(ctx, insertVoucherSQL,
		v.ID, v.Code, v.Description, string(v.Kind), v.Value, v.MinimumOrderValue,
		v.ValidFrom, v.ValidUntil, v.UsageLimit, v.UsedCount, nonNil(v.RedeemedBy), nonNil(v.ProductScope),
		v.Audience.AllUsers, nonNil(v.Audience.CustomerLevels), v.Enabled, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return voucher.ErrCodeConflict
		}
		return errors.Wrapf(err, "insert voucher %q", v.Code)
	}
	return nil
}

// Update rewrites the definition fields of an existing voucher.
func (r *VoucherRepository) Update(ctx context.Context, v *voucher.Voucher) error {
	tag, err := r.pool.Exec(ctx, updateVoucherSQL,
		v.ID, v.Code, v.Description, string(v.Kind), v.Value, v.MinimumOrderValue,
		v.ValidFrom, v.ValidUntil, v.UsageLimit, nonNil(v.ProductScope),
		v.Audience.AllUsers, nonNil(v.Audience.CustomerLevels), v.Enabled, v.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return voucher.ErrCodeConflict
		}
		return errors.Wrapf(err, "update voucher %s", v.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, voucherExistsSQL, v.ID).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check voucher %s", v.ID)
	}
	if !exists {
		return voucher.ErrNotFound
	}
	return voucher.ErrLimitBelowUsage
}

// SetEnabled writes the enabled flag alone.
func (r *VoucherRepository) SetEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	tag, err := r.pool.Exec(ctx, setVoucherEnabledSQL, id, enabled, at)
	if err != nil {
		return errors.Wrapf(err, "set voucher %s enabled", id)
	}
	if tag.RowsAffected() == 0 {
		return voucher.ErrNotFound
	}
	return nil
}

// Delete removes a voucher by ID.
func (r *VoucherRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteVoucherSQL, id)
	if err != nil {
		return errors.Wrapf(err, "delete voucher %s", id)
	}
	if tag.RowsAffected() == 0 {
		return voucher.ErrNotFound
	}
	return nil
}

// FindByID returns a voucher by ID.
func (r *VoucherRepository) FindByID(ctx context.Context, id string) (*voucher.Voucher, error) {
	return r.findOne(ctx, getVoucherByIDSQL, id)
}

// FindByCode returns a voucher by its exact code.
func (r *VoucherRepository) FindByCode(ctx context.Context, code string) (*voucher.Voucher, error) {
	return r.findOne(ctx, getVoucherByCodeSQL, code)
}

// FindApplicable pushes every persisted eligibility predicate into one query.
func (r *VoucherRepository) FindApplicable(ctx context.Context, q voucher.ApplicableQuery) ([]voucher.Voucher, error) {
	rows, err := r.pool.Query(ctx, findApplicableVouchersSQL,
		q.Now, q.UserID, q.Subtotal, nonNil(q.ProductIDs), q.CustomerLevel,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query applicable vouchers")
	}
	vs, err := pgx.CollectRows(rows, scanVoucher)
	if err != nil {
		return nil, errors.Wrap(err, "collect applicable vouchers")
	}
	return vs, nil
}

// Redeem performs the atomic conditional update. It reports false when the
// voucher is missing, exhausted, or already redeemed by userID.
func (r *VoucherRepository) Redeem(ctx context.Context, id, userID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, redeemVoucherSQL, id, userID)
	if err != nil {
		return false, errors.Wrapf(err, "redeem voucher %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *VoucherRepository) findOne(ctx context.Context, query, arg string) (*voucher.Voucher, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "query voucher %q", arg)
	}

	v, err := pgx.CollectExactlyOneRow(rows, scanVoucher)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrNotFound
		}
		return nil, errors.Wrapf(err, "scan voucher %q", arg)
	}
	return &v, nil
}

func scanVoucher(row pgx.CollectableRow) (voucher.Voucher, error) {
	var (
		v    voucher.Voucher
		kind string
	)
	err := row.Scan(
		&v.ID, &v.Code, &v.Description, &kind, &v.Value, &v.MinimumOrderValue,
		&v.ValidFrom, &v.ValidUntil, &v.UsageLimit, &v.UsedCount, &v.RedeemedBy, &v.ProductScope,
		&v.Audience.AllUsers, &v.Audience.CustomerLevels, &v.Enabled, &v.CreatedAt, &v.UpdatedAt,
	)
	v.Kind = voucher.DiscountKind(kind)
	v.ValidFrom = v.ValidFrom.UTC()
	v.ValidUntil = v.ValidUntil.UTC()
	return v, err
}

// nonNil turns a nil slice into an empty one so NOT NULL array columns and
// array operators see '{}' rather than NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
