// Package pipeline wires the feed client, tick cache, persistence bridge,
// feature evaluator and retention manager into one service and owns their
// lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"market-pipeline/config"
	"market-pipeline/internal/backoff"
	"market-pipeline/internal/bridge"
	"market-pipeline/internal/features"
	"market-pipeline/internal/feed"
	"market-pipeline/internal/metrics"
	"market-pipeline/internal/model"
	"market-pipeline/internal/notification"
	"market-pipeline/internal/retention"
	"market-pipeline/internal/store/postgres"
	redisstore "market-pipeline/internal/store/redis"
	sqlitestore "market-pipeline/internal/store/sqlite"
	"market-pipeline/internal/tickcache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const livenessInterval = 10 * time.Second

// Service is the top-level orchestrator for the pipeline.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	reg    *prometheus.Registry
	prom   *metrics.Metrics
	health *metrics.HealthStatus
	srv    *metrics.Server

	alerts *notification.Dispatcher

	redis   *redisstore.Store // nil when Redis was unreachable at startup
	mirror  *redisstore.Mirror
	durable model.DurableStore

	cache     *tickcache.Cache
	bridge    *bridge.Bridge
	engine    *features.Engine
	evaluator *features.Evaluator
	retention *retention.Manager
	feed      *feed.Client
}

// New connects every dependency and restores unflushed bars from Redis.
// Configuration problems are returned wrapped in model.ErrConfiguration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	svc := &Service{
		cfg: cfg,
		log: slog.With("component", "pipeline"),
		reg: prometheus.NewRegistry(),
	}
	svc.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc.prom = metrics.NewMetrics(svc.reg)
	svc.alerts = newAlerts(cfg)

	// ---- Feature DAG (fail fast on a bad definition) ----
	defs, err := features.LoadDefinitions(cfg.FeatureDAGPath)
	if err != nil {
		return nil, err
	}
	graph, err := features.Compile(defs)
	if err != nil {
		return nil, err
	}
	svc.log.Info("feature DAG compiled", "nodes", len(graph.Names()), "lookback", graph.Lookback())

	// ---- Redis (optional: the pipeline runs without the mirror) ----
	svc.redis, err = redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		svc.log.Warn("redis init failed, continuing without cache mirror", "err", err)
		svc.redis = nil
	}

	// ---- Durable store ----
	svc.durable, err = svc.openDurable(ctx)
	if err != nil {
		svc.closeStores()
		return nil, err
	}

	// ---- Symbols ----
	var registry feed.Registry
	if svc.redis != nil {
		registry = svc.redis
	}
	symbols, err := feed.ResolveSymbols(ctx, cfg.FeedSymbols, registry)
	if err != nil {
		svc.closeStores()
		return nil, err
	}
	if svc.redis != nil && len(cfg.FeedSymbols) > 0 {
		if err := svc.redis.RegisterSymbols(ctx, symbols); err != nil {
			svc.log.Warn("symbol registry update failed", "err", err)
		}
	}

	// ---- Tick cache + mirror ----
	var opts []tickcache.Option
	if svc.redis != nil {
		svc.mirror = redisstore.NewMirror(svc.redis, redisstore.MirrorConfig{
			SealedMaxLen: int64(cfg.CacheRingCapacity),
		})
		svc.wireMirror()
		opts = append(opts, tickcache.WithMirror(svc.mirror))
	}
	svc.cache = tickcache.New(tickcache.Config{
		Interval:     cfg.BarInterval,
		Grace:        cfg.LateTickGrace,
		RingCapacity: cfg.CacheRingCapacity,
	}, opts...)
	svc.wireCache()

	if svc.redis != nil {
		bars, err := svc.redis.LoadSealedBars(ctx)
		if err != nil {
			svc.log.Warn("restore of unflushed bars failed", "err", err)
		} else if len(bars) > 0 {
			svc.cache.Restore(bars)
			svc.log.Info("restored unflushed bars from redis", "bars", len(bars))
		}
	}

	// ---- Persistence bridge ----
	svc.bridge = bridge.New(svc.cache, svc.durable, bridge.Config{
		Interval: cfg.FlushInterval,
		Retry: backoff.Policy{
			Initial:     250 * time.Millisecond,
			Max:         2 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
			MaxAttempts: cfg.FlushMaxRetries,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	// ---- Feature engine ----
	engineOpts := []features.EngineOption{}
	var pub model.FeaturePublisher
	if svc.redis != nil {
		pub = svc.redis
		if graph.UsesSentiment() {
			engineOpts = append(engineOpts, features.WithSentiment(svc.redis))
		}
	}
	svc.engine = features.NewEngine(graph, svc.durable, cfg.BarInterval, engineOpts...)
	svc.evaluator = features.NewEvaluator(svc.engine, svc.durable, pub, features.EvaluatorConfig{
		Interval: cfg.FeatureInterval,
	})

	// ---- Retention ----
	svc.retention = retention.New(svc.durable, svc.engine.Watermark(), retention.Config{
		Window:   cfg.RetentionWindow,
		Interval: cfg.RetentionInterval,
	})

	// ---- Feed ----
	// Without FEED_SYMBOLS the universe follows the registry across reconnects.
	var live feed.Registry
	if len(cfg.FeedSymbols) == 0 {
		live = registry
	}
	svc.feed, err = feed.New(feed.Config{
		URL:        cfg.FeedURL,
		APIKey:     cfg.FeedAPIKey,
		TOTPSecret: cfg.FeedTOTPSecret,
		Symbols:    symbols,
		Registry:   live,
		Shards:     cfg.FeedShards,
		Backoff: backoff.Policy{
			Initial:    cfg.FeedBackoffInitial,
			Max:        cfg.FeedBackoffMax,
			Multiplier: 2,
			Jitter:     0.2,
		},
		ReadTimeout: time.Minute,
	})
	if err != nil {
		svc.closeStores()
		return nil, err
	}

	svc.health = metrics.NewHealthStatus(cfg.DurableDriver, len(svc.feed.Shards()))
	svc.health.SetRedisEnabled(svc.redis != nil)
	svc.health.RedisConnected = svc.redis != nil
	svc.health.DurableOK = true
	svc.wireHooks()

	svc.srv = metrics.NewServer(cfg.MetricsAddr, svc.health, svc.reg)
	return svc, nil
}

func (svc *Service) openDurable(ctx context.Context) (model.DurableStore, error) {
	switch svc.cfg.DurableDriver {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			URL:                    svc.cfg.DatabaseURL,
			TLS:                    svc.cfg.DurableTLS,
			AllowPlaintextFallback: svc.cfg.DurableAllowPlaintextFallback,
			OnDowngrade: func() {
				svc.prom.SecurityDowngrades.Inc()
				svc.alerts.Notify(notification.Alert{
					Kind:    "security_downgrade",
					Level:   notification.AlertCritical,
					Title:   "Durable store connected without TLS",
					Message: "TLS connect failed and DURABLE_ALLOW_PLAINTEXT_FALLBACK permitted a plaintext connection",
				})
			},
		})
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "sqlite":
		if dir := filepath.Dir(svc.cfg.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: sqlite dir: %w", model.ErrConfiguration, err)
			}
		}
		lite, err := sqlitestore.New(sqlitestore.Config{DBPath: svc.cfg.SQLitePath})
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("%w: unknown durable driver %q", model.ErrConfiguration, svc.cfg.DurableDriver)
	}
}

func (svc *Service) wireMirror() {
	svc.mirror.OnDrop = func(n int) { svc.prom.MirrorDropped.Add(float64(n)) }

	cb := svc.mirror.Breaker()
	logChange := cb.OnStateChange
	cb.OnStateChange = func(from, to redisstore.State) {
		if logChange != nil {
			logChange(from, to)
		}
		svc.prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			svc.prom.RedisCircuitBreakerTrips.Inc()
		}
	}
}

func (svc *Service) wireCache() {
	svc.cache.OnLateTick = svc.prom.LateTicks.Inc
	svc.cache.OnSealed = func(model.Bar) { svc.prom.BarsSealed.Inc() }
	svc.cache.OnDataLoss = func(b model.Bar) {
		svc.prom.DataLossBars.Inc()
		svc.alerts.Notify(notification.Alert{
			Kind:    "data_loss",
			Level:   notification.AlertWarning,
			Title:   "Unflushed bars evicted",
			Message: fmt.Sprintf("%s bar %s dropped from a full backlog; durable store may be down", b.Symbol, b.Start.UTC().Format(time.RFC3339)),
		})
	}
}

func (svc *Service) wireHooks() {
	svc.feed.OnState = func(shard int, s feed.State) {
		svc.prom.FeedState.WithLabelValues(strconv.Itoa(shard)).Set(float64(s))
		svc.health.SetStreamingShards(svc.feed.Streaming())
	}
	svc.feed.OnReconnect = func(int) { svc.prom.FeedReconnects.Inc() }
	svc.feed.OnMalformed = func(n int) { svc.prom.MalformedTicks.Add(float64(n)) }
	svc.feed.OnTicks = func(n int, at time.Time) {
		svc.prom.TicksTotal.Add(float64(n))
		svc.health.SetLastTickTime(at)
	}

	svc.bridge.OnRetry = func(int, error) { svc.prom.FlushRetries.Inc() }
	svc.bridge.OnFlush = func(written, failed int, elapsed time.Duration) {
		svc.prom.BarsFlushed.Add(float64(written))
		svc.prom.FlushFailedBars.Add(float64(failed))
		if failed > 0 {
			svc.alerts.Notify(notification.Alert{
				Kind:    "flush_failed",
				Level:   notification.AlertWarning,
				Title:   "Bar flush exhausted retries",
				Message: fmt.Sprintf("%d bars kept in cache for the next cycle", failed),
			})
		}
		svc.prom.FlushDuration.Observe(elapsed.Seconds())
		pending := svc.cache.Stats().Pending
		svc.prom.PendingBars.Set(float64(pending))
		svc.health.SetFlush(time.Now(), pending)
	}

	svc.evaluator.OnEmitted = func(n int) { svc.prom.FeaturesEmitted.Add(float64(n)) }
	svc.evaluator.OnWithheld = func(n int) { svc.prom.FeaturesWithheld.Add(float64(n)) }
	svc.evaluator.OnPublishError = func(error) { svc.prom.FeaturePublishErrors.Inc() }

	svc.retention.OnPrune = func(bars, feats int, elapsed time.Duration) {
		svc.prom.RetentionPruned.WithLabelValues("bars").Add(float64(bars))
		svc.prom.RetentionPruned.WithLabelValues("feature_vectors").Add(float64(feats))
		svc.prom.RetentionDuration.Observe(elapsed.Seconds())
	}
}

// newAlerts builds the alert dispatcher. Alerts always reach the log; the
// webhook and Telegram channels are added when configured.
func newAlerts(cfg *config.Config) *notification.Dispatcher {
	channels := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.AlertTelegramToken != "" {
		channels = append(channels, notification.NewTelegramNotifier(cfg.AlertTelegramToken, cfg.AlertTelegramChatID))
	}
	return notification.NewDispatcher(channels, cfg.AlertCooldown)
}

// Registry returns the Prometheus registry backing /metrics.
func (svc *Service) Registry() *prometheus.Registry { return svc.reg }

// Metrics returns the service metrics.
func (svc *Service) Metrics() *metrics.Metrics { return svc.prom }

// Run starts all subsystems and blocks until ctx is cancelled and every
// task has finished its shutdown work.
func (svc *Service) Run(ctx context.Context) error {
	symbols := 0
	for _, shard := range svc.feed.Shards() {
		symbols += len(shard)
	}
	svc.log.Info("starting pipeline",
		"symbols", symbols,
		"shards", len(svc.feed.Shards()),
		"durable", svc.cfg.DurableDriver,
		"bar_interval", svc.cfg.BarInterval,
		"redis", svc.redis != nil)

	svc.srv.Start()

	// The mirror and alerts outlive the other tasks so the final flush's
	// acks and alerts are delivered.
	tailCtx, tailCancel := context.WithCancel(context.Background())
	var tailWG sync.WaitGroup
	tail := func(fn func(context.Context)) {
		tailWG.Add(1)
		go func() {
			defer tailWG.Done()
			fn(tailCtx)
		}()
	}
	tail(svc.alerts.Run)
	if svc.mirror != nil {
		tail(svc.mirror.Run)
	}

	var redisPinger metrics.Pinger
	if svc.redis != nil {
		redisPinger = svc.redis
	}

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(func(ctx context.Context) { svc.feed.Run(ctx, svc.cache) })
	run(svc.bridge.Run)
	run(svc.evaluator.Run)
	run(svc.retention.Run)
	run(func(ctx context.Context) {
		svc.health.RunLivenessChecker(ctx, redisPinger, svc.durable, livenessInterval)
	})

	svc.log.Info("all systems running")
	<-ctx.Done()
	svc.log.Info("shutdown signal received")

	wg.Wait()
	tailCancel()
	tailWG.Wait()
	return svc.shutdown()
}

func (svc *Service) shutdown() error {
	stopCtx, cancel := context.WithTimeout(context.Background(), svc.cfg.ShutdownTimeout)
	defer cancel()
	svc.srv.Stop(stopCtx)

	st := svc.cache.Stats()
	if st.Pending > 0 {
		svc.log.Warn("bars left unflushed at shutdown", "pending", st.Pending)
	}
	err := svc.closeStores()
	svc.log.Info("shutdown complete", "sealed", st.Sealed, "data_loss", st.DataLoss, "late_ticks", st.LateTicks)
	return err
}

func (svc *Service) closeStores() error {
	var errs []error
	if svc.durable != nil {
		errs = append(errs, svc.durable.Close())
	}
	if svc.redis != nil {
		errs = append(errs, svc.redis.Close())
	}
	return errors.Join(errs...)
}
