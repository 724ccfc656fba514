// Command fedgate consumes the pod event feed, decrypts messages for the
// accounts it manages and fans the resulting events out to listeners.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/fedgate/internal/config"
	"github.com/and161185/fedgate/internal/datafeed"
	"github.com/and161185/fedgate/internal/event"
	"github.com/and161185/fedgate/internal/limiter"
	"github.com/and161185/fedgate/internal/migrate"
	"github.com/and161185/fedgate/internal/pod"
	"github.com/and161185/fedgate/internal/repository/postgres"
	grpcserver "github.com/and161185/fedgate/internal/server/grpc"
	"github.com/and161185/fedgate/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Debug {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("pod", cfg.PodURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gateway stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	accounts := postgres.NewAccountRepo(db)

	var lim limiter.Limiter
	if cfg.LimiterEnabled() {
		lim = limiter.NewPG(db.Pool, cfg.LimiterWindow, cfg.LimiterMaxFails, cfg.LimiterBlock)
	}

	podClient := pod.NewClient(pod.Config{
		PodURL:         cfg.PodURL,
		SessionAuthURL: cfg.SessionAuthURL,
		KeyAuthURL:     cfg.KeyAuthURL,
		KeyManagerURL:  cfg.KeyManagerURL,
	})

	sessions := service.NewSessionPool(accounts, podClient, lim, cfg.AuthTimeout, logger.Named("sessions"))
	keys := service.NewContentKeyManager(sessions, podClient, cfg.KeyTimeout, logger.Named("keys"))
	decryptor := service.NewDecryptor(keys, nil, logger.Named("decryptor"))

	events := event.NewRegistry[event.Event](logger.Named("events"))
	raw := event.NewRegistry[[]byte](logger.Named("raw"))
	if err := events.Register("log", event.ListenerFunc[event.Event](func(_ context.Context, e event.Event) error {
		logger.Debug("event", zap.String("kind", e.Kind()))
		return nil
	})); err != nil {
		return err
	}

	consumer := datafeed.NewConsumer(sessions, decryptor, events, raw, logger.Named("consumer"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	feed := datafeed.NewRedisStream(rdb, consumer, datafeed.StreamConfig{
		Stream:   cfg.Stream,
		Group:    cfg.Group,
		Consumer: cfg.Consumer,
		Workers:  cfg.Workers,
		Backoff:  cfg.RetryBackoff,
	}, logger.Named("feed"))

	hs := grpcserver.New(map[string]grpcserver.Check{
		"postgres": db.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, logger.Named("grpc"))

	warmUp(ctx, accounts, sessions, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hs.Serve(gctx, cfg.HealthAddr, 5*time.Second) })
	g.Go(func() error { hs.Watch(gctx, 10*time.Second); return nil })
	g.Go(func() error { return feed.Run(gctx) })
	return g.Wait()
}

// warmUp opens sessions for every directory account so the first messages
// do not all wait on authentication. Failures are retried lazily.
func warmUp(ctx context.Context, accounts *postgres.AccountRepo, sessions *service.SessionPoolImpl, logger *zap.Logger) {
	list, err := accounts.List(ctx)
	if err != nil {
		logger.Warn("session warm-up skipped", zap.Error(err))
		return
	}
	opened := 0
	for i := range list {
		if _, err := sessions.OpenSession(ctx, &list[i]); err != nil {
			logger.Warn("session warm-up failed", zap.String("username", list[i].Username), zap.Error(err))
			continue
		}
		opened++
	}
	logger.Info("sessions warmed up", zap.Int("opened", opened), zap.Int("accounts", len(list)))
}
