package mongo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/xenking/kart-voucher/internal/domain/auth"
	"github.com/xenking/kart-voucher/internal/domain/customer"
	"github.com/xenking/kart-voucher/internal/domain/product"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// newTestDB starts a MongoDB container and returns a database with indexes
// in place.
func newTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	db := client.Database("voucher")
	require.NoError(t, EnsureIndexes(ctx, db))
	return db
}

func newTestVoucher(id, code string) *voucher.Voucher {
	return &voucher.Voucher{
		ID:                id,
		Code:              code,
		Kind:              voucher.KindPercentage,
		Value:             decimal.NewFromInt(10),
		MinimumOrderValue: decimal.RequireFromString("1000.50"),
		ValidFrom:         testNow.Add(-24 * time.Hour),
		ValidUntil:        testNow.Add(24 * time.Hour),
		UsageLimit:        5,
		Audience:          voucher.Audience{AllUsers: true},
		Enabled:           true,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
}

func TestVoucherRepository_CRUD(t *testing.T) {
	repo := NewVoucherRepository(newTestDB(t))
	ctx := context.Background()

	v := newTestVoucher("v1", "SAVE10")
	require.NoError(t, repo.Create(ctx, v))

	got, err := repo.FindByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, "v1", got.ID)
	assert.True(t, decimal.RequireFromString("1000.50").Equal(got.MinimumOrderValue))
	assert.True(t, got.ValidUntil.Equal(v.ValidUntil))
	assert.Empty(t, got.RedeemedBy)

	require.ErrorIs(t, repo.Create(ctx, newTestVoucher("v2", "SAVE10")), voucher.ErrCodeConflict)

	v.Description = "changed"
	require.NoError(t, repo.Update(ctx, v))
	got, err = repo.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "changed", got.Description)

	require.NoError(t, repo.Delete(ctx, "v1"))
	_, err = repo.FindByID(ctx, "v1")
	require.ErrorIs(t, err, voucher.ErrNotFound)
	require.ErrorIs(t, repo.Delete(ctx, "v1"), voucher.ErrNotFound)
	require.ErrorIs(t, repo.Update(ctx, v), voucher.ErrNotFound)
}

func TestVoucherRepository_UpdateLimitBelowUsage(t *testing.T) {
	repo := NewVoucherRepository(newTestDB(t))
	ctx := context.Background()

	v := newTestVoucher("v1", "SAVE10")
	require.NoError(t, repo.Create(ctx, v))
	for _, u := range []string{"a", "b"} {
		ok, err := repo.Redeem(ctx, "v1", u)
		require.NoError(t, err)
		require.True(t, ok)
	}

	v.UsageLimit = 1
	require.ErrorIs(t, repo.Update(ctx, v), voucher.ErrLimitBelowUsage)

	got, err := repo.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.UsageLimit)
	assert.Equal(t, 2, got.UsedCount)
}

func TestVoucherRepository_SetEnabled(t *testing.T) {
	repo := NewVoucherRepository(newTestDB(t))
	ctx := context.Background()

	v := newTestVoucher("v1", "SAVE10")
	require.NoError(t, repo.Create(ctx, v))

	// A definition update lands between the admin's read and the toggle.
	stale := *v
	v.Description = "concurrent edit"
	require.NoError(t, repo.Update(ctx, v))

	at := testNow.Add(time.Hour)
	require.NoError(t, repo.SetEnabled(ctx, stale.ID, false, at))

	got, err := repo.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "concurrent edit", got.Description)
	assert.True(t, got.UpdatedAt.Equal(at))

	require.ErrorIs(t, repo.SetEnabled(ctx, "missing", true, at), voucher.ErrNotFound)
}

func TestVoucherRepository_Redeem(t *testing.T) {
	repo := NewVoucherRepository(newTestDB(t))
	ctx := context.Background()

	v := newTestVoucher("v1", "ONCE")
	v.UsageLimit = 1
	require.NoError(t, repo.Create(ctx, v))

	ok, err := repo.Redeem(ctx, "v1", "uA")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Redeem(ctx, "v1", "uB")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Redeem(ctx, "v1", "uA")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsedCount)
	assert.Equal(t, []string{"uA"}, got.RedeemedBy)
}

func TestVoucherRepository_RedeemConcurrent(t *testing.T) {
	repo := NewVoucherRepository(newTestDB(t))
	ctx := context.Background()

	const (
		users = 40
		limit = 5
	)
	v := newTestVoucher("v1", "RACE")
	v.UsageLimit = limit
	require.NoError(t, repo.Create(ctx, v))

	var (
		wg      sync.WaitGroup
		applied atomic.Int64
	)
	for i := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Redeem(ctx, "v1", fmt.Sprintf("user-%d", i))
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, limit, applied.Load())

	got, err := repo.FindByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, limit, got.UsedCount)
	assert.Len(t, got.RedeemedBy, limit)
}

func TestVoucherRepository_FindApplicable(t *testing.T) {
	repo := NewVoucherRepository(newTestDB(t))
	ctx := context.Background()

	big := newTestVoucher("v-big", "BIG")
	big.Value = decimal.NewFromInt(30)

	small := newTestVoucher("v-small", "SMALL")
	small.Value = decimal.NewFromInt(5)

	gold := newTestVoucher("v-gold", "GOLD")
	gold.Value = decimal.NewFromInt(20)
	gold.Audience = voucher.Audience{CustomerLevels: []string{"gold"}}

	scoped := newTestVoucher("v-scoped", "SCOPED")
	scoped.ProductScope = []string{"P9"}

	expensive := newTestVoucher("v-min", "MIN")
	expensive.MinimumOrderValue = decimal.NewFromInt(1_000_000)

	off := newTestVoucher("v-off", "OFF")
	off.Enabled = false

	for _, v := range []*voucher.Voucher{big, small, gold, scoped, expensive, off} {
		require.NoError(t, repo.Create(ctx, v))
	}
	ok, err := repo.Redeem(ctx, "v-small", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.FindApplicable(ctx, voucher.ApplicableQuery{
		Now:           testNow,
		UserID:        "u1",
		Subtotal:      decimal.NewFromInt(50_000),
		ProductIDs:    []string{"P9"},
		CustomerLevel: "gold",
	})
	require.NoError(t, err)

	codes := make([]string, len(got))
	for i, v := range got {
		codes[i] = v.Code
	}
	assert.Equal(t, []string{"BIG", "GOLD", "SCOPED"}, codes)
}

func TestProductRepository(t *testing.T) {
	repo := NewProductRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, product.Product{ID: "P1", Name: "Widget", Price: decimal.RequireFromString("9.99")}))

	p, err := repo.GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("9.99").Equal(p.Price))

	_, err = repo.GetByID(ctx, "nope")
	require.ErrorIs(t, err, product.ErrNotFound)

	missing, err := repo.Missing(ctx, []string{"X2", "P1", "X1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"X2", "X1"}, missing)
}

func TestCustomerRepository(t *testing.T) {
	repo := NewCustomerRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, "u1", "Ada", "gold"))

	p, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "gold", p.CustomerLevel)

	_, err = repo.GetProfile(ctx, "u2")
	require.ErrorIs(t, err, customer.ErrNotFound)
}

func TestAPIKeyRepository(t *testing.T) {
	repo := NewAPIKeyRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{
		ID: "admin", KeyHash: "h1", Name: "Admin", Scopes: []string{auth.ScopeManageVouchers},
	}))

	info, err := repo.FindByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, info.HasScope(auth.ScopeManageVouchers))

	_, err = repo.FindByHash(ctx, "h2")
	require.ErrorIs(t, err, auth.ErrNotFound)
}
