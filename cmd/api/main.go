package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"medguard.org/internal/audit"
	"medguard.org/internal/auth"
	"medguard.org/internal/authz"
	"medguard.org/internal/config"
	"medguard.org/internal/httpapi"
	"medguard.org/internal/notify"
	"medguard.org/internal/obs"
	"medguard.org/internal/policy"
	"medguard.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const (
	shutdownTimeout  = 10 * time.Second
	readinessRefresh = 5 * time.Second
)

// storage is what the service needs from a backing store. Both the
// Postgres store and the in-memory store satisfy it.
type storage interface {
	audit.EntryWriter
	audit.Reader
	audit.RetentionStore
	audit.FindingStore
}

func main() {
	obs.Init()
	obs.SetBuildInfo(version, commit)
	log := obs.Component("api")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	obs.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("service stopped with error")
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	var (
		store    storage
		ready    httpapi.ReadyProbe
		policyDB policy.Persister
		engOpts  []authz.EngineOption
	)
	if cfg.Database.DSN != "" {
		pgStore, err := pg.Open(cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pgStore.Close()
		store, policyDB, ready.DB = pgStore, pgStore, pgStore.DB()
		engOpts = append(engOpts, authz.WithAttributeSources(authz.NewConsentSource(pgStore)))
	} else {
		log.Warn("no database configured, running on in-memory stores")
		store = audit.NewMemoryStore()
	}

	polOpts := []policy.Option{policy.WithLogger(obs.Component("policy"))}
	if policyDB != nil {
		polOpts = append(polOpts, policy.WithPersister(policyDB))
	}
	policies, err := policy.Open(ctx, polOpts...)
	if err != nil {
		return err
	}
	if err := seedPolicy(ctx, policies, cfg.Policy.SeedFile, log); err != nil {
		return err
	}
	ready.Policy = policies

	pipeline := audit.NewPipeline(store,
		audit.WithQueueSize(cfg.Audit.QueueSize),
		audit.WithBatchSize(cfg.Audit.BatchSize),
		audit.WithPHIEnqueueTimeout(cfg.Audit.PHIEnqueueTimeout),
		audit.WithPipelineLogger(obs.Component("audit")),
	)

	hub := notify.NewHub(64)
	alerts := notify.Multi{notify.Log{Logger: obs.Component("alerts")}}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		// Local subscribers receive alerts through the relay so that every
		// instance sees the same stream.
		alerts = append(alerts, notify.NewRedis(rdb, cfg.Redis.Channel))
	} else {
		alerts = append(alerts, hub)
	}

	resolver := policy.NewResolver(0)
	engOpts = append(engOpts,
		authz.WithResolver(resolver),
		authz.WithAttributeTimeout(cfg.Authz.AttributeTimeout),
		authz.WithEmergencyWriteTimeout(cfg.Audit.EmergencyWriteTimeout),
		authz.WithNotifier(alerts),
		authz.WithLogger(obs.Component("authz")),
	)
	engine := authz.NewEngine(policies, pipeline, engOpts...)
	admin := authz.NewAdmin(policies, resolver, pipeline)

	retention := audit.NewRetention(store,
		audit.WithRetentionFloor(cfg.Audit.RetentionFloorDays, cfg.PHICategories()...),
		audit.WithDefaultArchiveDir(cfg.Audit.ArchiveDir),
		audit.WithRetentionLogger(obs.Component("retention")),
	)
	scanner := audit.NewScanner(store,
		audit.WithThresholds(cfg.Thresholds()),
		audit.WithScannerNotifier(alerts),
	)

	verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth verifier: %w", err)
	}

	api, err := httpapi.New(httpapi.Deps{
		Engine:        engine,
		Admin:         admin,
		Audit:         store,
		Retention:     retention,
		Scanner:       scanner,
		Alerts:        hub,
		Verifier:      verifier,
		Ready:         ready,
		Version:       version,
		Logger:        obs.Component("http"),
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		RateBurst:     cfg.RateLimit.Burst,
		RatePerSecond: cfg.RateLimit.PerSecond,
	})
	if err != nil {
		return err
	}

	// No WriteTimeout: the alert stream holds responses open.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCServer(ready, obs.Component("grpc"))
	health.Register(grpcServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	if cfg.GRPC.Addr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			log.WithField("addr", cfg.GRPC.Addr).Info("grpc listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return health.Run(gctx, readinessRefresh) })

	if rdb != nil {
		g.Go(func() error {
			return notify.Relay(gctx, rdb, cfg.Redis.Channel, hub, obs.Component("alerts"))
		})
	}

	g.Go(func() error {
		return audit.Every(gctx, cfg.Audit.RetentionInterval, log, "retention", func(ctx context.Context) error {
			_, err := retention.Run(ctx)
			return err
		})
	})
	g.Go(func() error {
		return audit.Every(gctx, cfg.Audit.ScanInterval, log, "anomaly-scan", func(ctx context.Context) error {
			_, err := scanner.Scan(ctx)
			return err
		})
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := srv.Shutdown(sctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown: %w", err))
		}
		stopGRPC(sctx, grpcServer)
		// The pipeline drains last so requests finishing during shutdown
		// are still recorded.
		if err := pipeline.Close(sctx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("audit drain: %w", err))
		}
		return shutdownErr
	})

	return g.Wait()
}

func seedPolicy(ctx context.Context, store *policy.Store, path string, log logrus.FieldLogger) error {
	if store.Load().Version() > 0 {
		return nil
	}
	seed := policy.DefaultSeed()
	if path != "" {
		var err error
		if seed, err = policy.LoadSeedFile(path); err != nil {
			return err
		}
	}
	snap, err := store.Seed(ctx, seed)
	if err != nil {
		return fmt.Errorf("seed policy: %w", err)
	}
	log.WithField("policy_version", snap.Version()).Info("policy seeded")
	return nil
}

func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
