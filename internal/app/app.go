// Package app wires the service together.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/windeal/internal/dealfile"
	"github.com/xenking/windeal/internal/domain/auth"
	"github.com/xenking/windeal/internal/domain/checkout"
	"github.com/xenking/windeal/internal/domain/deal"
	"github.com/xenking/windeal/internal/domain/expiry"
	"github.com/xenking/windeal/internal/domain/ledger"
	"github.com/xenking/windeal/internal/domain/order"
	"github.com/xenking/windeal/internal/domain/payment"
	"github.com/xenking/windeal/internal/domain/redemption"
	"github.com/xenking/windeal/internal/domain/ticket"
	"github.com/xenking/windeal/internal/events"
	"github.com/xenking/windeal/internal/gateway"
	"github.com/xenking/windeal/internal/handler"
	"github.com/xenking/windeal/internal/repository"
	"github.com/xenking/windeal/pkg/health"
	"github.com/xenking/windeal/pkg/httpmiddleware"
)

// storage is the persistence chosen by Config.Storage.
type storage struct {
	orders  order.Store
	catalog deal.Catalog
	apikeys auth.Repository
	ping    func(ctx context.Context) error
	close   func()
}

func openStorage(ctx context.Context, lg *zap.Logger, cfg *Config) (*storage, error) {
	if cfg.Storage == StorageMemory {
		deals, err := dealfile.LoadAll(ctx, cfg.DealFiles)
		if err != nil {
			return nil, errors.Wrap(err, "load deals")
		}
		lg.Info("Using in-memory storage", zap.Int("deals", len(deals)))
		return &storage{
			orders:  ledger.NewMemoryStore(),
			catalog: deal.NewMemoryCatalog(deals...),
			close:   func() {},
		}, nil
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "create db pool")
	}
	if err := repository.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return &storage{
		orders:  repository.NewOrderRepository(pool),
		catalog: repository.NewDealRepository(pool),
		apikeys: repository.NewAPIKeyRepository(pool),
		ping:    pool.Ping,
		close:   pool.Close,
	}, nil
}

// merchantKeys prefers statically configured keys over the database.
func merchantKeys(cfg *Config, st *storage) (auth.Repository, error) {
	if len(cfg.MerchantKeys) > 0 || st.apikeys == nil {
		return auth.NewStaticRepository([]byte(cfg.APIKeyPepper), cfg.MerchantKeys)
	}
	return st.apikeys, nil
}

func newNotifier(lg *zap.Logger, cfg *Config) (ledger.Notifier, func(), error) {
	if cfg.Events.URL == "" {
		return events.NewLog(lg.Named("events")), func() {}, nil
	}
	pub, err := events.Dial(cfg.Events.URL, cfg.Events.Exchange, lg.Named("events"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect events")
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			lg.Warn("Close events publisher", zap.Error(err))
		}
	}, nil
}

func newGateway(lg *zap.Logger, cfg *Config) (*gateway.Router, error) {
	var online payment.Gateway
	if cfg.OnlinePayments() {
		client, err := gateway.NewOmiseClient(cfg.Omise.PublicKey, cfg.Omise.SecretKey)
		if err != nil {
			return nil, err
		}
		online = gateway.NewOmise(client, lg.Named("omise"))
	}
	return gateway.NewRouter(gateway.NewCash(lg.Named("cash")), online), nil
}

// warmIssuer teaches the issuer every order number already in the ledger.
func warmIssuer(ctx context.Context, l *ledger.Ledger, issuer *ticket.Issuer) (int, error) {
	orders, err := l.List(ctx, order.Filter{})
	if err != nil {
		return 0, err
	}
	var numbers []string
	for _, o := range orders {
		if o.OrderNumber != "" {
			numbers = append(numbers, o.OrderNumber)
		}
	}
	issuer.Remember(numbers...)
	return len(numbers), nil
}

// Run creates all dependencies, starts the HTTP server and the hold sweep,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	st, err := openStorage(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	notifier, closeNotifier, err := newNotifier(lg, cfg)
	if err != nil {
		return err
	}
	defer closeNotifier()

	l := ledger.New(st.orders,
		ledger.WithCatalog(st.catalog),
		ledger.WithNotifier(notifier),
		ledger.WithPickupCodeGrace(cfg.Redemption.PickupCodeGrace),
	)

	issuer := ticket.NewIssuer(l, []byte(cfg.QRSecret))
	warmed, err := warmIssuer(ctx, l, issuer)
	if err != nil {
		return errors.Wrap(err, "warm ticket issuer")
	}
	lg.Info("Ticket issuer ready", zap.Int("known_order_numbers", warmed))

	gw, err := newGateway(lg, cfg)
	if err != nil {
		return err
	}
	coCfg, err := cfg.checkoutConfig()
	if err != nil {
		return err
	}
	co, err := checkout.NewService(l, gw, issuer, coCfg,
		checkout.WithTracerProvider(m.TracerProvider()),
		checkout.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create checkout")
	}

	validator, err := redemption.New(l, issuer,
		redemption.WithWindow(cfg.Redemption.ValidityWindow),
		redemption.WithTracerProvider(m.TracerProvider()),
		redemption.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create validator")
	}

	sweeper, err := expiry.New(l, lg.Named("expiry"),
		expiry.WithInterval(cfg.Hold.SweepInterval),
		expiry.WithMeterProvider(m.MeterProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create expiry scheduler")
	}

	apikeys, err := merchantKeys(cfg, st)
	if err != nil {
		return errors.Wrap(err, "merchant keys")
	}

	// Health check service.
	healthSvc := health.New()
	if st.ping != nil {
		healthSvc.AddReadinessCheck("postgres", 5*time.Second, st.ping)
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))
	healthSvc.AddLivenessCheck("hold-sweep", time.Second,
		health.FreshnessCheck(sweeper.LastSweep, 3*sweeper.Interval(), nil),
	)

	h := handler.New(st.catalog, l, co, validator,
		handler.NewAuthenticator(apikeys, []byte(cfg.APIKeyPepper)),
		handler.WithMerchantMiddleware(httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:     cfg.Merchant.RateLimit,
			Window:  cfg.Merchant.Window,
			KeyFunc: handler.MerchantKey,
		})),
	)

	r := chi.NewRouter()
	r.Use(
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.Instrument("windeal-api", m.TracerProvider(), m.MeterProvider()),
		httpmiddleware.LogRequests(),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowHeaders:     []string{"Content-Type", handler.APIKeyHeader, httpmiddleware.RequestIDHeader},
			ExposeHeaders:    []string{httpmiddleware.RequestIDHeader},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	r.Mount("/api", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      coCfg.PaymentTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		healthSvc.Start(gctx, 10*time.Second)
		healthSvc.SetReady(true)

		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gctx.Done()
		healthSvc.SetReady(false)
		if ctx.Err() != nil {
			lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		// Abandoned online charges may still need a refund.
		gw.Wait()
		return nil
	})
	return g.Wait()
}
