package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-voucher/internal/domain/auth"
	"github.com/xenking/kart-voucher/internal/domain/customer"
	"github.com/xenking/kart-voucher/internal/domain/product"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/handler"
	"github.com/xenking/kart-voucher/internal/storage/mongo"
	"github.com/xenking/kart-voucher/internal/storage/postgres"
	"github.com/xenking/kart-voucher/pkg/health"
	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

// stores bundles the repositories of one backing store.
type stores struct {
	vouchers  voucher.Repository
	customers customer.Repository
	products  product.Repository
	apikeys   auth.Repository
	pinger    health.Pinger
	close     func()
}

func openPostgres(ctx context.Context, cfg *Config) (*stores, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &stores{
		vouchers:  postgres.NewVoucherRepository(pool),
		customers: postgres.NewCustomerRepository(pool),
		products:  postgres.NewProductRepository(pool),
		apikeys:   postgres.NewAPIKeyRepository(pool),
		pinger:    pool,
		close:     pool.Close,
	}, nil
}

func openMongo(ctx context.Context, cfg *Config) (*stores, error) {
	client, err := mongo.Connect(ctx, cfg.MongoURI)
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	db := client.Database(cfg.MongoDatabase)
	if err := mongo.EnsureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ensure indexes")
	}
	return &stores{
		vouchers:  mongo.NewVoucherRepository(db),
		customers: mongo.NewCustomerRepository(db),
		products:  mongo.NewProductRepository(db),
		apikeys:   mongo.NewAPIKeyRepository(db),
		pinger:    mongo.Pinger{Client: client},
		close: func() {
			_ = client.Disconnect(context.Background())
		},
	}, nil
}

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))

	open := openPostgres
	if cfg.Store == StoreMongo {
		open = openMongo
	}
	st, err := open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	healthSvc, httpHandler, err := newHTTPHandler(ctx, cfg, st, m.MeterProvider(), m.TracerProvider())
	if err != nil {
		return err
	}
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           httpHandler,
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

// newHTTPHandler builds the voucher service and the full middleware chain over
// st. Limiter eviction loops stop with ctx.
func newHTTPHandler(
	ctx context.Context,
	cfg *Config,
	st *stores,
	mp metric.MeterProvider,
	tp trace.TracerProvider,
) (*health.Health, http.Handler, error) {
	healthSvc := health.New()
	healthSvc.Register(health.Readiness, cfg.Store, health.PingCheck(cfg.Store, st.pinger),
		health.WithTimeout(5*time.Second),
	)
	healthSvc.Register(health.Liveness, "goroutines", health.GoroutineCountCheck(10000),
		health.WithTimeout(time.Second),
	)

	vouchers, err := voucher.NewService(st.vouchers, st.customers, st.products,
		voucher.WithMeterProvider(mp),
		voucher.WithTracerProvider(tp),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create voucher service")
	}

	var hcfg handler.Config
	if cfg.PreviewLimit.Max > 0 {
		hcfg.PreviewLimiter = httpmiddleware.NewLimiter(cfg.PreviewLimit.Max, cfg.PreviewLimit.Window)
		go hcfg.PreviewLimiter.Run(ctx)
	}
	h := handler.NewHandler(hcfg, vouchers, handler.NewSecurity(st.apikeys, []byte(cfg.APIKeyPepper)))
	router := handler.NewRouter(h, healthSvc.LiveEndpoint, healthSvc.ReadyEndpoint)

	middlewares := []httpmiddleware.Middleware{
		httpmiddleware.Recovery(),
	}
	if cfg.RateLimit.Max > 0 {
		limiter := httpmiddleware.NewLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window)
		go limiter.Run(ctx)
		middlewares = append(middlewares, httpmiddleware.RateLimit(limiter, nil))
	}
	middlewares = append(middlewares,
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("voucher-api", mp, tp),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.LogRequests(),
	)
	return healthSvc, httpmiddleware.Wrap(router, middlewares...), nil
}
