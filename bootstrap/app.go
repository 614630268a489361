// Package bootstrap wires configuration, storage, the rule engine, the
// telemetry pipeline, detection, and incident response into a runnable
// application.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bastion/api"
	"bastion/config"
	"bastion/core"
	"bastion/detect"
	"bastion/incident"
	"bastion/rules"
	"bastion/storage"
	"bastion/telemetry"

	"go.uber.org/zap"
)

// App holds all components of the bastion service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	SQLite *storage.SQLite
	Redis  *core.RedisCache

	Engine *rules.Engine
	Loader *rules.Loader

	Aggregator *telemetry.Aggregator
	Detector   *detect.Detector
	Baselines  *core.BaselineSet

	Templates *incident.TemplateSet
	Manager   *incident.Manager
	Responder *incident.Responder

	APIServer *api.API

	cadences    []*core.Cadence
	watchCancel context.CancelFunc
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	cfg, err := InitConfig()
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Bastion starting...")
	LogConfigSummary(cfg, sugar)

	if err := EnsureDataDirectories(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	sqlite, err := storage.NewSQLite(cfg.DataPaths.SQLitePath, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sqlite: %w", err)
	}
	app.SQLite = sqlite

	if cfg.Redis.Enabled {
		redis := core.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redis.Ping(pingCtx)
		cancel()
		if err != nil {
			sugar.Warnw("Redis unreachable, decision cache falls back to local LRU only",
				"addr", cfg.Redis.Addr, "error", err)
			_ = redis.Close()
		} else {
			app.Redis = redis
			sugar.Infow("Redis connected", "addr", cfg.Redis.Addr)
		}
	}

	app.Engine = rules.NewEngine(rules.EngineConfig{
		CacheSize:    cfg.Rules.CacheSize,
		CacheTTL:     cfg.Rules.CacheTTL,
		RegexTimeout: cfg.Rules.RegexTimeout,
	}, app.Redis, sugar)

	loader, err := rules.NewLoader(cfg.DataPaths.RulesDir, app.Engine, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule loader: %w", err)
	}
	app.Loader = loader

	loaded, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	if loaded == 0 {
		sugar.Warnw("No rules loaded, every evaluation falls through to the default action",
			"rules_dir", cfg.DataPaths.RulesDir,
			"default_action", cfg.Rules.DefaultAction)
	} else {
		sugar.Infow("Rules loaded", "count", loaded, "version", app.Engine.Version())
	}

	memory := telemetry.NewMemoryWatcher(cfg.Aggregator.MemoryHighWaterPercent, sugar)
	app.Aggregator = telemetry.NewAggregator(telemetry.AggregatorConfig{
		BufferCap: cfg.Aggregator.BufferCap,
		Retention: cfg.Aggregator.Retention,
		Weights:   weightsFromConfig(cfg),
	}, sqlite, memory, sugar)

	app.Baselines = core.NewBaselineSet(nil)
	app.Detector = detect.NewDetector(detect.DetectorConfig{
		Threshold: detect.BehavioralThreshold{
			Multiple: cfg.Detector.ThresholdMultiple,
			Floor:    cfg.Detector.ThresholdFloor,
		},
		PatternShare:           cfg.Detector.PatternShare,
		PatternMinVolume:       cfg.Detector.PatternMinVolume,
		ScoreThreshold:         cfg.Detector.ScoreThreshold,
		Artifacts:              cfg.Detector.Artifacts,
		PressureSampleFraction: cfg.Detector.PressureSampleFraction,
	}, app.Aggregator, app.Baselines, sqlite, memory, sugar)

	app.Templates = incident.NewTemplateSet(sugar)
	if n, err := app.Templates.LoadDir(cfg.DataPaths.TemplatesDir); err != nil {
		sugar.Warnw("Failed to load response templates", "error", err)
	} else {
		sugar.Infow("Response templates loaded", "count", n)
	}

	app.Manager = incident.NewManager(sqlite, app.Templates, incident.NewStoreAuditLogger(sqlite, sugar), sugar)
	flagged, err := app.Manager.LoadAndVerify(ctx)
	if err != nil {
		sugar.Errorw("Incident integrity verification failed", "error", err)
	} else if flagged > 0 {
		sugar.Warnw("Tampered incidents flagged during startup verification", "count", flagged)
	}

	app.Responder = incident.NewResponder(incident.ResponderConfig{
		EscalationCount: cfg.Incidents.EscalationCount,
		DedupWindow:     cfg.Incidents.DedupWindow,
	}, app.Manager, sugar)

	app.APIServer = api.NewAPI(app.Engine, app.Aggregator, app.Manager, sqlite, cfg, sugar)

	return app, nil
}

// Start launches the rule watcher, the background cadences, and the API
// server.
func (a *App) Start(ctx context.Context) error {
	if a.Config.Rules.HotReload {
		watchCtx, cancel := context.WithCancel(ctx)
		a.watchCancel = cancel
		if err := a.Loader.Watch(watchCtx, a.Config.Rules.ReloadDebounce); err != nil {
			cancel()
			return fmt.Errorf("failed to watch rules directory: %w", err)
		}
		if err := a.Templates.Watch(watchCtx, a.Config.DataPaths.TemplatesDir, a.Config.Rules.ReloadDebounce); err != nil {
			a.Sugar.Warnw("Template hot reload unavailable", "error", err)
		}
		a.Sugar.Infow("Hot reload enabled",
			"rules_dir", a.Config.DataPaths.RulesDir,
			"templates_dir", a.Config.DataPaths.TemplatesDir)
	}

	a.startCadences(ctx)

	go func() {
		if err := a.APIServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server stopped", "error", err)
		}
	}()

	return nil
}

func (a *App) startCadences(ctx context.Context) {
	cfg := a.Config

	a.cadences = append(a.cadences, core.NewCadence(ctx, "aggregator", cfg.Aggregator.Interval, func(ctx context.Context) {
		a.Aggregator.Flush(ctx)
	}, a.Sugar))

	a.cadences = append(a.cadences, core.NewCadence(ctx, "detector", cfg.Detector.Interval, func(ctx context.Context) {
		anomalies, err := a.Detector.CheckForAnomalies(ctx)
		if err != nil {
			a.Sugar.Errorw("Anomaly check failed", "error", err)
			return
		}
		a.Responder.HandleAnomalies(ctx, anomalies)
	}, a.Sugar))

	if len(cfg.Detector.Artifacts) > 0 {
		a.cadences = append(a.cadences, core.NewCadence(ctx, "integrity-scan", cfg.Detector.ScanInterval, func(ctx context.Context) {
			checksums, err := a.Detector.PerformFileIntegrityScan(ctx)
			if err != nil {
				a.Sugar.Errorw("File integrity scan failed", "error", err)
				return
			}
			a.Responder.HandleAnomalies(ctx, detect.IntegrityAnomalies(checksums))
		}, a.Sugar))
	} else {
		a.Sugar.Info("No integrity scan artifacts configured, scan cadence disabled")
	}

	a.cadences = append(a.cadences, core.NewCadence(ctx, "baseline", cfg.Detector.BaselineInterval, func(ctx context.Context) {
		err := a.Detector.ReestimateBaselines(ctx, detect.BaselineConfig{
			Window: cfg.Detector.BaselineWindow,
			Alpha:  cfg.Detector.BaselineAlpha,
		})
		if err != nil {
			a.Sugar.Errorw("Baseline re-estimation failed", "error", err)
		}
	}, a.Sugar))

	for _, c := range a.cadences {
		c.Start()
	}
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops all components, flushing buffered events first so nothing
// observed before the signal is lost.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.Loader != nil {
		if err := a.Loader.Close(); err != nil {
			a.Sugar.Errorw("Failed to close rule watcher", "error", err)
		}
	}
	if a.Templates != nil {
		if err := a.Templates.Close(); err != nil {
			a.Sugar.Errorw("Failed to close template watcher", "error", err)
		}
	}

	for _, c := range a.cadences {
		c.Stop()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.Aggregator.Flush(flushCtx)
	cancel()

	if a.APIServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.APIServer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop API server", "error", err)
		}
		cancel()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close redis connection", "error", err)
		}
	}
	if a.SQLite != nil {
		if err := a.SQLite.Close(); err != nil {
			a.Sugar.Errorw("Failed to close sqlite", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}

// weightsFromConfig maps the string-keyed config weight tables onto the
// aggregator's typed weights, falling back to the defaults for anything
// unset.
func weightsFromConfig(cfg *config.Config) telemetry.Weights {
	weights := telemetry.DefaultWeights()
	for name, w := range cfg.Aggregator.SeverityWeights {
		sev := core.Severity(name)
		if sev.IsValid() {
			weights.Severity[sev] = w
		}
	}
	for key, w := range cfg.Aggregator.EventKeyWeights {
		weights.EventKeys[key] = w
	}
	return weights
}
