package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	_ "github.com/go-sql-driver/mysql"

	"github.com/rl1809/inventory-ledger/internal/adapter/handler"
	"github.com/rl1809/inventory-ledger/internal/adapter/notifier"
	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/config"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/observability"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const shutdownTimeout = 5 * time.Second

func main() {
	app := &cli.App{
		Name:   "ledger",
		Usage:  "inventory ledger and order fulfillment service",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and gRPC servers",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply or roll back the MySQL schema",
				Subcommands: []*cli.Command{
					{Name: "up", Action: func(c *cli.Context) error { return migrate(true) }},
					{Name: "down", Action: func(c *cli.Context) error { return migrate(false) }},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("ledger exited")
	}
}

func migrate(up bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dsn, err := cfg.DSN()
	if err != nil {
		return err
	}
	return storage.Migrate(dsn, up)
}

type stores struct {
	db    port.DatabaseRepository
	carts port.CartRepository
	close func()
}

func serve(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := observability.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	orderOpts := []service.OrderOption{
		service.WithOrderMaxAttempts(cfg.MaxTxAttempts),
		service.WithNotifyRetry(cfg.NotifyAttempts, cfg.NotifyBackoff),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, PoolSize: 100})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer rdb.Close()
		log.WithField("addr", cfg.RedisAddr).Info("connected to redis")
		orderOpts = append(orderOpts, service.WithIdempotency(storage.NewRedisAdapter(rdb, cfg.IdempotencyTTL)))
	}

	n, closeNotifier, err := openNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	alerts := service.NewAlertMonitor(st.db, log, service.WithAutoResolve(cfg.AlertAutoResolve))
	inventory := service.NewInventoryService(st.db, alerts, log, service.WithMaxAttempts(cfg.MaxTxAttempts))
	orders := service.NewOrderService(st.db, st.carts, inventory, n, log, orderOpts...)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.NewHTTPHandler(orders, inventory, log).Router(),
	}
	grpcServer := grpc.NewServer()
	handler.RegisterOrderServer(grpcServer, handler.NewGRPCHandler(orders, log))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return errors.Wrap(err, "grpc listen")
		}
		log.WithField("addr", cfg.GRPCAddr).Info("gRPC server listening")
		return errors.Wrap(grpcServer.Serve(lis), "grpc server")
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return errors.Wrap(err, "http shutdown")
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using in-memory store; data is lost on exit")
		mem := storage.NewMemoryAdapter(storage.WithLockWait(cfg.LockWaitTimeout))
		return &stores{db: mem, carts: mem, close: func() {}}, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect mysql")
	}
	db.SetMaxOpenConns(cfg.MySQLMaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQLMaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQLConnMaxLifetime)
	log.Info("connected to mysql")

	adapter := storage.NewMySQLAdapter(db)
	return &stores{db: adapter, carts: adapter, close: func() { db.Close() }}, nil
}

func openNotifier(cfg *config.Config, log logrus.FieldLogger) (port.Notifier, func(), error) {
	switch cfg.Notifier {
	case config.NotifierAMQP:
		n, err := notifier.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return nil, nil, err
		}
		return n, func() {
			if err := n.Close(); err != nil {
				log.WithError(err).Warn("close amqp notifier")
			}
		}, nil
	case config.NotifierWebhook:
		return notifier.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookTimeout), func() {}, nil
	default:
		return notifier.NewLogNotifier(log), func() {}, nil
	}
}
