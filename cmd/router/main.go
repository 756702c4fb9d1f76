package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/technosupport/nvr-router/internal/api"
	"github.com/technosupport/nvr-router/internal/archive"
	"github.com/technosupport/nvr-router/internal/audit"
	"github.com/technosupport/nvr-router/internal/auth"
	"github.com/technosupport/nvr-router/internal/bus"
	"github.com/technosupport/nvr-router/internal/config"
	"github.com/technosupport/nvr-router/internal/data"
	"github.com/technosupport/nvr-router/internal/dispatch"
	"github.com/technosupport/nvr-router/internal/frigate"
	"github.com/technosupport/nvr-router/internal/health"
	"github.com/technosupport/nvr-router/internal/logger"
	"github.com/technosupport/nvr-router/internal/middleware"
	"github.com/technosupport/nvr-router/internal/pipeline"
	"github.com/technosupport/nvr-router/internal/ratelimit"
	"github.com/technosupport/nvr-router/internal/routing"
	"github.com/technosupport/nvr-router/internal/rules"
	"github.com/technosupport/nvr-router/internal/status"
	"github.com/technosupport/nvr-router/internal/tokens"
	"github.com/technosupport/nvr-router/internal/tracing"
	"github.com/technosupport/nvr-router/internal/vss"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel, cfg.App.Name)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("router stopped", zap.Error(err))
	}
	logr.Info("router stopped")
}

func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) error {
	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: cfg.App.Name,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr(), err)
	}

	decisions := data.DecisionModel{Client: rdb}
	attempts := data.AttemptModel{Client: rdb}

	// Rules
	ruleStore := rules.NewStore(data.RuleModel{Client: rdb}, logr)
	if err := ruleStore.Load(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if cfg.Rules.SeedFile != "" {
		watcher := rules.NewWatcher(ruleStore, cfg.Rules.SeedFile, cfg.Rules.PollInterval, logr)
		if err := watcher.Apply(ctx); err != nil {
			logr.Warn("rules seed not applied", zap.String("path", cfg.Rules.SeedFile), zap.Error(err))
		}
		watcher.Start(ctx)
	}

	// Routing
	tracker := status.NewTracker(decisions, attempts, data.FailureModel{Client: rdb}, status.Config{
		CacheSize: cfg.Status.CacheSize,
		CacheTTL:  cfg.Status.CacheTTL,
	})
	loc, err := time.LoadLocation(cfg.Routing.Timezone)
	if err != nil {
		return fmt.Errorf("routing timezone: %w", err)
	}
	engine := routing.NewEngine(ruleStore, decisions, tracker, routing.NewMatcher(loc), logr)

	// Dispatch
	frigateClient := frigate.NewClient(cfg.Frigate.URL(), cfg.Frigate.RequestTimeout)
	var clips dispatch.ClipSource = frigateClient
	if cfg.Archive.Enabled {
		store, err := archive.NewMinioStore(ctx, archive.StoreConfig{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init clip archive: %w", err)
		}
		clips = archive.NewClipSource(frigateClient, store, logr)
	}

	searchClient := vss.NewClient(cfg.VSS.SearchURL(), cfg.VSS.RequestTimeout)
	summaryClient := vss.NewClient(cfg.VSS.SummaryURL(), cfg.VSS.RequestTimeout)
	searchSink := dispatch.NewSearchSink(clips, searchClient)
	summarySink := dispatch.NewSummarySink(clips, summaryClient, dispatch.SummaryOptions{
		ChunkDuration: cfg.VSS.ChunkDuration,
		SamplingFrame: cfg.VSS.SamplingFrame,
		EvamPipeline:  cfg.VSS.EvamPipeline,
	})
	sinks := []dispatch.Sink{searchSink, summarySink}

	pub, err := newPublisher(cfg.Bus, cfg.App.Name)
	if err != nil {
		return err
	}
	defer pub.Close()

	dispatcher := dispatch.NewDispatcher(sinks, attempts, dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseBackoff:    cfg.Dispatch.BaseBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		MaxInflight:    cfg.Dispatch.MaxInflight,
	}, logr, tracker, bus.NewAttemptForwarder(pub, logr))

	// Sources share one dedup window so an event seen by both is routed once.
	// The poller's offset waits for the pipeline to ack each event.
	dedup := frigate.NewDedup(cfg.Frigate.DedupSize, cfg.Frigate.DedupTTL)

	pipe := pipeline.New(engine, dispatcher, pub, pipeline.Config{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	}, logr)
	pipe.StoreEvents(data.EventModel{Client: rdb, Retention: cfg.Pipeline.EventRetention})
	pipe.OnRouted(dedup.Ack)
	pipe.Start(ctx)
	if n, err := pipe.Resume(ctx, tracker, decisions, cfg.Pipeline.ResumeLimit); err != nil {
		logr.Warn("resuming interrupted dispatches", zap.Error(err))
	} else if n > 0 {
		logr.Info("resumed interrupted dispatches", zap.Int("events", n))
	}

	poller := frigate.NewPoller(frigateClient, data.OffsetModel{Client: rdb}, dedup, frigate.PollerConfig{
		Enabled:          cfg.Frigate.PollEnabled,
		PollInterval:     cfg.Frigate.PollInterval,
		MaxEventsPerPoll: cfg.Frigate.MaxEventsPerPoll,
		MaxPages:         cfg.Frigate.MaxPages,
		Lookback:         cfg.Frigate.Lookback,
		Backoff:          cfg.Frigate.Backoff,
	}, logr)
	subscriber := frigate.NewSubscriber(frigate.MQTTConfig{
		Enabled:   cfg.MQTT.Enabled,
		BrokerURL: cfg.MQTT.URL(),
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.User,
		Password:  cfg.MQTT.Password,
		Topic:     cfg.MQTT.Topic,
	}, dedup, logr)

	var sources sync.WaitGroup
	for name, src := range map[string]func(context.Context, chan<- data.Event) error{
		"poller": poller.Run,
		"mqtt":   subscriber.Run,
	} {
		sources.Add(1)
		go func() {
			defer sources.Done()
			if err := src(ctx, pipe.In()); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("event source stopped", zap.String("source", name), zap.Error(err))
			}
		}()
	}

	// Audit trail. Entries spool to disk while Redis is unreachable.
	spool, err := audit.NewSpool(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
	if err != nil {
		return fmt.Errorf("init audit spool: %w", err)
	}
	auditLog := audit.NewService(rdb, spool, cfg.Audit.Capacity, logr)
	auditLog.StartReplayer(ctx, cfg.Audit.ReplayInterval)

	monitor := health.NewMonitor([]health.Target{
		{Name: "frigate", URL: cfg.Frigate.URL() + "/api/version"},
		{Name: "vss_search", URL: cfg.VSS.SearchURL()},
		{Name: "vss_summary", URL: cfg.VSS.SummaryURL()},
		{Name: "vlm", URL: cfg.VLM.URL()},
	}, health.NewHTTPProber(cfg.Health.ProbeTimeout), health.Config{
		Interval:   cfg.Health.Interval,
		AlertAfter: cfg.Health.AlertAfter,
	}, logr)
	monitor.Start(ctx)

	// HTTP
	handler := &api.Handler{
		Rules:      ruleStore,
		Decisions:  engine,
		Status:     tracker,
		Dispatcher: dispatcher,
		Ingest:     pipe,
		Frigate:    frigateClient,
		Summaries:  summaryClient,
		Ranges: map[data.Target]api.RangeSink{
			data.TargetSearch:  searchSink,
			data.TargetSummary: summarySink,
		},
		Audit:      auditLog,
		Health:     monitor,
		Log:        logr.Named("api"),
		Ping:       func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	routerCfg := api.RouterConfig{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.NewLimiter(rdb, cfg.RateLimit.Salt)
		routerCfg.RateLimit = middleware.NewRateLimitMiddleware(limiter, ratelimit.LimitConfig{
			Rate:   cfg.RateLimit.Rate,
			Window: cfg.RateLimit.Window,
		}, logr)
	}
	if cfg.Auth.SigningKey != "" {
		routerCfg.Auth = middleware.NewJWTAuth(tokens.NewManager(cfg.Auth.SigningKey), auth.NewRedisRevocations(rdb))
	} else {
		logr.Warn("auth.signing_key not set, mutating routes are unauthenticated")
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logr.Info("router listening", zap.String("addr", cfg.HTTP.Addr), zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown", zap.Error(err))
	}
	sources.Wait()
	pipe.Wait()
	monitor.Wait()
	return nil
}

func newPublisher(cfg config.BusConfig, name string) (bus.Publisher, error) {
	subjects := bus.Subjects{Decisions: cfg.DecisionSubject, Attempts: cfg.AttemptSubject}
	switch cfg.Kind {
	case bus.KindNATS:
		nc, err := bus.DialNATS(cfg.NATSURL, name)
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", cfg.NATSURL, err)
		}
		return bus.NewNATSPublisher(nc, subjects, cfg.MaxRetries), nil
	case bus.KindKafka:
		return bus.NewKafkaPublisher(bus.KafkaConfig{
			Brokers:     cfg.KafkaBrokers,
			Compression: cfg.Compression,
			MaxAttempts: cfg.MaxRetries,
		}, subjects), nil
	}
	return bus.Noop{}, nil
}
