// Command seed-db populates a voucher store with customers, a small product
// catalog, API keys and sample vouchers. It is safe to run repeatedly.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-voucher/internal/domain/auth"
	"github.com/xenking/kart-voucher/internal/domain/customer"
	"github.com/xenking/kart-voucher/internal/domain/product"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/storage/mongo"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
)

type customerWriter interface {
	customer.Repository
	Upsert(ctx context.Context, id, name, level string) error
}

type productWriter interface {
	product.Repository
	Upsert(ctx context.Context, p product.Product) error
}

type apiKeyWriter interface {
	Upsert(ctx context.Context, info auth.APIKeyInfo) error
}

// target is the store being seeded.
type target struct {
	vouchers  voucher.Repository
	customers customerWriter
	products  productWriter
	apikeys   apiKeyWriter
	close     func()
}

type seedCustomer struct {
	id, name, level string
}

var customers = []seedCustomer{
	{id: "u-bronze", name: "Bronze Racer", level: "bronze"},
	{id: "u-silver", name: "Silver Racer", level: "silver"},
	{id: "u-gold", name: "Gold Racer", level: "gold"},
}

var products = []product.Product{
	{ID: "P-KART", Name: "Junior Kart", Price: decimal.NewFromInt(4_500_000), Category: "vehicles"},
	{ID: "P-HELMET", Name: "Racing Helmet", Price: decimal.NewFromInt(850_000), Category: "gear"},
	{ID: "P-GLOVES", Name: "Racing Gloves", Price: decimal.NewFromInt(250_000), Category: "gear"},
	{ID: "P-TIRES", Name: "Slick Tire Set", Price: decimal.NewFromInt(1_200_000), Category: "parts"},
	{ID: "P-LAPS", Name: "Ten Lap Pass", Price: decimal.NewFromInt(300_000), Category: "sessions"},
}

func sampleVouchers(now time.Time) []voucher.Definition {
	from := now.Add(-24 * time.Hour).Truncate(time.Hour)
	until := now.AddDate(0, 3, 0).Truncate(time.Hour)
	return []voucher.Definition{
		{
			Code:              "WELCOME10",
			Description:       "10% off orders over 200k",
			Kind:              voucher.KindPercentage,
			Value:             decimal.NewFromInt(10),
			MinimumOrderValue: decimal.NewFromInt(200_000),
			ValidFrom:         from,
			ValidUntil:        until,
			UsageLimit:        1000,
			Audience:          voucher.Audience{AllUsers: true},
			Enabled:           true,
		},
		{
			Code:              "GEAR50K",
			Description:       "50k off racing gear",
			Kind:              voucher.KindFixedAmount,
			Value:             decimal.NewFromInt(50_000),
			MinimumOrderValue: decimal.NewFromInt(250_000),
			ValidFrom:         from,
			ValidUntil:        until,
			UsageLimit:        200,
			ProductScope:      []string{"P-HELMET", "P-GLOVES"},
			Audience:          voucher.Audience{AllUsers: true},
			Enabled:           true,
		},
		{
			Code:              "GOLD25",
			Description:       "25% off for gold members",
			Kind:              voucher.KindPercentage,
			Value:             decimal.NewFromInt(25),
			MinimumOrderValue: decimal.NewFromInt(1_000_000),
			ValidFrom:         from,
			ValidUntil:        until,
			UsageLimit:        50,
			Audience:          voucher.Audience{CustomerLevels: []string{"gold"}},
			Enabled:           true,
		},
		{
			Code:              "LASTLAP",
			Description:       "Single-use 100% off a lap pass",
			Kind:              voucher.KindPercentage,
			Value:             decimal.NewFromInt(100),
			MinimumOrderValue: decimal.Zero,
			ValidFrom:         from,
			ValidUntil:        until,
			UsageLimit:        1,
			ProductScope:      []string{"P-LAPS"},
			Audience:          voucher.Audience{AllUsers: true},
			Enabled:           true,
		},
	}
}

func main() {
	var (
		store         string
		databaseURL   string
		mongoURI      string
		mongoDatabase string
		clientKey     string
		adminKey      string
		apiKeyPepper  string
	)

	flag.StringVar(&store, "store", "postgres", "store to seed: postgres or mongo")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&mongoURI, "mongo-uri", "", "MongoDB connection URI (or MONGO_URI env)")
	flag.StringVar(&mongoDatabase, "mongo-database", "vouchers", "MongoDB database name")
	flag.StringVar(&clientKey, "api-key", "", "checkout API key to seed (or VOUCHER_SEED_API_KEY env)")
	flag.StringVar(&adminKey, "admin-api-key", "", "admin API key to seed (or VOUCHER_SEED_ADMIN_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or VOUCHER_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if mongoURI == "" {
		mongoURI = os.Getenv("MONGO_URI")
	}
	if clientKey == "" {
		clientKey = os.Getenv("VOUCHER_SEED_API_KEY")
	}
	if adminKey == "" {
		adminKey = os.Getenv("VOUCHER_SEED_ADMIN_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("VOUCHER_API_KEY_PEPPER")
	}
	if clientKey == "" {
		slog.Error("API key is required: set --api-key or VOUCHER_SEED_API_KEY")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var (
		t   *target
		err error
	)
	switch store {
	case "postgres":
		if databaseURL == "" {
			slog.Error("database URL is required: set --database-url or DATABASE_URL")
			os.Exit(1)
		}
		t, err = openPostgres(ctx, databaseURL)
	case "mongo":
		if mongoURI == "" {
			slog.Error("mongo URI is required: set --mongo-uri or MONGO_URI")
			os.Exit(1)
		}
		t, err = openMongo(ctx, mongoURI, mongoDatabase)
	default:
		slog.Error("unknown store", slog.String("store", store))
		os.Exit(1)
	}
	if err != nil {
		slog.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := run(ctx, t, []byte(apiKeyPepper), clientKey, adminKey); err != nil {
		t.close()
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	t.close()

	slog.Info("seed completed successfully")
}

func openPostgres(ctx context.Context, databaseURL string) (*target, error) {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to database")
	}

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &target{
		vouchers:  postgres.NewVoucherRepository(pool),
		customers: postgres.NewCustomerRepository(pool),
		products:  postgres.NewProductRepository(pool),
		apikeys:   postgres.NewAPIKeyRepository(pool),
		close:     pool.Close,
	}, nil
}

func openMongo(ctx context.Context, uri, database string) (*target, error) {
	slog.Info("connecting to mongo")

	client, err := mongo.Connect(ctx, uri)
	if err != nil {
		return nil, errors.Wrap(err, "connect to mongo")
	}
	db := client.Database(database)

	slog.Info("ensuring indexes")

	if err := mongo.EnsureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ensure indexes")
	}
	return &target{
		vouchers:  mongo.NewVoucherRepository(db),
		customers: mongo.NewCustomerRepository(db),
		products:  mongo.NewProductRepository(db),
		apikeys:   mongo.NewAPIKeyRepository(db),
		close:     func() { _ = client.Disconnect(context.Background()) },
	}, nil
}

func run(ctx context.Context, t *target, pepper []byte, clientKey, adminKey string) error {
	if err := seedCustomers(ctx, t.customers); err != nil {
		return errors.Wrap(err, "seed customers")
	}
	if err := seedProducts(ctx, t.products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedAPIKeys(ctx, t.apikeys, pepper, clientKey, adminKey); err != nil {
		return errors.Wrap(err, "seed api keys")
	}

	svc, err := voucher.NewService(t.vouchers, t.customers, t.products)
	if err != nil {
		return errors.Wrap(err, "create voucher service")
	}
	if err := seedVouchers(ctx, svc, time.Now()); err != nil {
		return errors.Wrap(err, "seed vouchers")
	}
	return nil
}

func seedCustomers(ctx context.Context, repo customerWriter) error {
	slog.Info("upserting customers", slog.Int("count", len(customers)))

	for _, c := range customers {
		if err := repo.Upsert(ctx, c.id, c.name, c.level); err != nil {
			return errors.Wrapf(err, "upsert customer %s", c.id)
		}
		slog.Info("upserted customer", slog.String("id", c.id), slog.String("level", c.level))
	}
	return nil
}

func seedProducts(ctx context.Context, repo productWriter) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}
	return nil
}

func seedAPIKeys(ctx context.Context, repo apiKeyWriter, pepper []byte, clientKey, adminKey string) error {
	keys := []auth.APIKeyInfo{{
		ID:      "checkout",
		KeyHash: auth.HashKey(pepper, clientKey),
		Name:    "Checkout service",
		Scopes:  []string{auth.ScopeRedeemVoucher},
	}}
	if adminKey != "" {
		keys = append(keys, auth.APIKeyInfo{
			ID:      "admin",
			KeyHash: auth.HashKey(pepper, adminKey),
			Name:    "Back office",
			Scopes:  []string{auth.ScopeManageVouchers},
		})
	}

	for _, k := range keys {
		if err := repo.Upsert(ctx, k); err != nil {
			return errors.Wrapf(err, "upsert API key %s", k.ID)
		}
		slog.Info("upserted API key", slog.String("id", k.ID), slog.String("name", k.Name))
	}
	return nil
}

func seedVouchers(ctx context.Context, svc *voucher.Service, now time.Time) error {
	defs := sampleVouchers(now)
	slog.Info("creating sample vouchers", slog.Int("count", len(defs)))

	for _, def := range defs {
		v, err := svc.CreateVoucher(ctx, def)
		switch {
		case errors.Is(err, voucher.ErrCodeConflict):
			slog.Info("voucher exists, skipped", slog.String("code", def.Code))
			continue
		case err != nil:
			return errors.Wrapf(err, "create voucher %s", def.Code)
		}
		slog.Info("created voucher", slog.String("id", v.ID), slog.String("code", v.Code))
	}
	return nil
}
