package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/parking"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/search"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
	"github.com/example/ride-dispatch/internal/zones"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var rc redis.UniversalClient
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	var drivers geo.Store = geo.NewMemoryIndex(cfg.LocationTTL)
	var scratch search.Scratch = search.NewMemoryScratch()
	var queues parking.Store = parking.NewMemoryStore()
	if rc != nil {
		drivers = geo.NewRedisIndex(rc, cfg.RedisGeoKey, cfg.LocationTTL)
		scratch = search.NewRedisScratch(rc)
		queues = parking.NewRedisStore(rc)
	}

	zoneFile := zones.File{}
	if cfg.ZonesFile != "" {
		f, err := zones.LoadFile(cfg.ZonesFile)
		if err != nil {
			return err
		}
		zoneFile = f
	}
	resolver := zones.NewResolver(zoneFile.Zones, zones.SearchParams{
		InnerRadiusKm: cfg.SearchInnerRadiusKm,
		OuterRadiusKm: cfg.SearchOuterRadiusKm,
		Phase1:        cfg.SearchPhase1,
		Phase2:        cfg.SearchPhase2,
	}, zoneFile.DefaultTiers)

	var rides storage.RideStore = storage.NewMemoryStore()
	var tiers surge.TierSource = surge.StaticTiers{Resolver: resolver}
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.DB().Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, ps, logger); err != nil {
				return err
			}
		}
		rides = ps
		tiers = storage.NewPostgresTierSource(ps.DB(), resolver)
	}

	ws := dispatch.NewWSRegistry()
	chain := dispatch.Fallback{ws}
	if cfg.PushEndpoint != "" {
		chain = append(chain, dispatch.NewPushDispatcher(cfg.PushEndpoint))
	}
	if cfg.FCMEndpoint != "" {
		chain = append(chain, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}
	chain = append(chain, dispatch.LogNotifier{Logger: logging.Component(logger, "notify")})
	var notifier dispatch.Notifier = chain

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic)
		defer kp.Close()
		notifier = dispatch.Fanout{chain, kp}
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	pool := scheduler.NewPool(cfg.Workers, logger)

	var stripeClient *payments.StripeClient
	if cfg.StripeAPIKey != "" {
		stripeClient = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	svc := &matcher.Service{Rides: rides, Drivers: drivers, Notifier: notifier, Sched: pool, Logger: logging.Component(logger, "matcher")}
	if stripeClient != nil {
		svc.Payments = stripeClient
	}
	searcher := search.NewController(rides, drivers, scratch, pool, notifier, resolver, search.Options{
		PollInterval: cfg.PollInterval,
		ETA:          estimator,
		Logger:       logging.Component(logger, "search"),
		OnExpired:    svc.OnExpired,
	})
	lots := parking.NewDispatcher(queues, rides, pool, notifier, parking.Options{
		OfferWindow: cfg.OfferWindow,
		RideTimeout: cfg.AirportRideTimeout,
		Logger:      logging.Component(logger, "parking"),
		OnExpired:   svc.OnExpired,
	})
	engine := surge.NewEngine(rides, drivers, tiers, notifier, surge.Options{
		RadiusKm: cfg.SurgeRadiusKm,
		Window:   cfg.SurgeWindow,
		Logger:   logging.Component(logger, "surge"),
	})
	svc.Search, svc.Parking, svc.Surge = searcher, lots, engine

	for _, l := range zoneFile.Lots {
		if err := lots.Provision(ctx, models.NewParkingQueue(l.ID, l.AirportID, l.LotID, l.MaxQueueSize)); err != nil {
			return err
		}
		logger.Info("parking lot provisioned", "queue_id", l.ID, "airport_id", l.AirportID)
	}

	searcher.StartRefresh()
	svc.StartDeadlineMonitor(pool, cfg.DeadlineSweep)

	api := &httpapi.Server{
		Rides:   rides,
		Drivers: drivers,
		Matcher: svc,
		Queues:  lots,
		Surge:   engine,
		WSReg:   ws,
	}
	if kp != nil {
		api.Kafka = kp
	}
	if stripeClient != nil {
		api.Payments = stripeClient
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(api, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	err := srv.Shutdown(shutdownCtx)
	return errors.Join(err, pool.Stop(shutdownCtx))
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
	if err != nil {
		return err
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		return err
	}
	logger.Info("migration applied", "file", "001_create_rides.sql")
	return nil
}
