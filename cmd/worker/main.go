package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/austindbirch/hookline/internal/config"
	"github.com/austindbirch/hookline/internal/db"
	"github.com/austindbirch/hookline/internal/dispatch"
	"github.com/austindbirch/hookline/internal/health"
	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/metrics"
	"github.com/austindbirch/hookline/internal/queue"
	"github.com/austindbirch/hookline/internal/stats"
	"github.com/austindbirch/hookline/internal/tracing"
	"github.com/austindbirch/hookline/internal/webhook"
)

const (
	serviceName     = "hookline-worker"
	backlogInterval = 15 * time.Second
	drainTimeout    = 30 * time.Second
)

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New(serviceName)
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.InitTracing(ctx, tracing.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	endpoints := stats.NewPostgresStore(pool)

	checks := map[string]health.Pinger{"postgres": pool}

	recorder, closeRecorder, err := newRecorder(cfg, endpoints, checks)
	if err != nil {
		logger.Plain().WithError(err).Fatal("stats backend setup failed")
	}
	defer closeRecorder()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	nsqLog := zap.NewStdLog(logger.Zap())

	client := webhook.NewClient(clientConfig(cfg, logger))
	opts := []dispatch.Option{
		dispatch.WithRecorder(recorder),
		dispatch.WithEndpointSource(endpoints),
		dispatch.WithLogger(logger),
	}

	if cfg.Worker.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		producer.SetLogger(nsqLog, nsq.LogLevelWarning)
		defer producer.Stop()

		publisher := queue.NewPublisher(producer, cfg.NSQ.EventsTopic, cfg.NSQ.DLQTopic)
		opts = append(opts, dispatch.WithDeadLetters(publisher))
		checks["nsqd"] = health.PingFunc(publisher.Ping)
	}
	svc := dispatch.New(client, opts...)

	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(checks))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	if addr, err := queue.NSQDHTTPAddr(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Warn("backlog monitor disabled")
	} else {
		mon := queue.NewBacklogMonitor(addr, cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, backlogInterval, logger)
		go mon.Run(ctx)
	}

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.Concurrency
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLogger(nsqLog, nsq.LogLevelWarning)

	handler := queue.NewHandler(svc,
		queue.WithBaseContext(ctx),
		queue.WithHandlerLogger(logger),
		queue.WithTouchInterval(cfg.Worker.TouchInterval),
	)
	consumer.AddConcurrentHandlers(handler, cfg.Worker.Concurrency)

	// Connecting to nsqd directly creates the channel before the first publish.
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":         cfg.NSQ.EventsTopic,
		"channel":       cfg.NSQ.WorkerChannel,
		"concurrency":   cfg.Worker.Concurrency,
		"stats_backend": cfg.Worker.StatsBackend,
	}).Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	consumer.Stop()
	select {
	case <-consumer.StopChan:
	case <-time.After(drainTimeout):
		// Interrupt deliveries still backing off; their messages are requeued.
		logger.Plain().Warn("drain timeout, canceling in-flight deliveries")
		cancel()
		<-consumer.StopChan
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

// newRecorder picks the stats backend. The redis client, when used, is added
// to the health checks and closed by the returned func.
func newRecorder(cfg config.Config, pg *stats.PostgresStore, checks map[string]health.Pinger) (stats.Recorder, func(), error) {
	switch cfg.Worker.StatsBackend {
	case stats.BackendPostgres, "":
		return pg, func() {}, nil
	case stats.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		checks["redis"] = health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		return stats.NewRedisStore(rdb), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, errors.New("unknown STATS_BACKEND " + cfg.Worker.StatsBackend)
	}
}

func clientConfig(cfg config.Config, logger *logging.Logger) webhook.ClientConfig {
	return webhook.ClientConfig{
		Development:     cfg.IsDevelopment(),
		Timeout:         cfg.Webhook.Timeout,
		ProbeTimeout:    cfg.Webhook.ProbeTimeout,
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		BackoffSchedule: cfg.Webhook.BackoffSchedule,
		JitterPct:       cfg.Webhook.JitterPercent,
		UserAgent:       cfg.Webhook.UserAgent,
		Logger:          logger,
	}
}
