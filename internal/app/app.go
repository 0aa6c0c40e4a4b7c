package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nerveband/content-checkmate-sub000/internal/module/analysis"
	"github.com/nerveband/content-checkmate-sub000/internal/module/artifact"
	"github.com/nerveband/content-checkmate-sub000/internal/module/checkmate"
	"github.com/nerveband/content-checkmate-sub000/internal/module/kvstore"
	"github.com/nerveband/content-checkmate-sub000/internal/module/prediction"
	"github.com/nerveband/content-checkmate-sub000/internal/module/remediation"
	"github.com/nerveband/content-checkmate-sub000/internal/module/usage"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/config"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/httpclient"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/logger"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/metrics"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/middleware"
	"github.com/nerveband/content-checkmate-sub000/internal/shared/retry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Usage namespaces, one per metered action.
const (
	AnalyzeNamespace = "usage:analyze"
	FixNamespace     = "usage:fix"
)

// maxArtifactBytes caps edited images copied into object storage.
const maxArtifactBytes = 50 << 20

// App represents the application.
type App struct {
	config    *config.Config
	router    *gin.Engine
	logger    *logger.Logger
	zapLogger *zap.Logger

	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	httpClient *http.Client
	store      kvstore.Store

	// Services
	replicate       *prediction.ReplicateClient
	poller          *prediction.Poller
	analysisService *analysis.Service
	fixService      *remediation.Service
	analyzeLimiter  *usage.Limiter
	fixLimiter      *usage.Limiter
	handler         *checkmate.Handler
}

// New creates a new application instance.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// Initialize logger
	log := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	// Initialize zap logger for modules that use zap
	zapLog, err := logger.NewZapLogger(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init zap logger: %w", err)
	}

	app := &App{
		config:     cfg,
		logger:     log,
		zapLogger:  zapLog,
		httpClient: httpclient.New(cfg.HTTPClient),
	}

	if cfg.Metrics.Enabled {
		app.registry = prometheus.NewRegistry()
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		app.metrics = metrics.New(cfg.Metrics.Namespace, app.registry)
	}

	// Initialize the counter store
	store, err := kvstore.New(ctx, cfg, zapLog)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	app.store = store

	if err := app.initModules(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init modules: %w", err)
	}

	app.router = app.setupRouter()
	app.registerRoutes()

	return app, nil
}

// initModules initializes all application modules.
func (a *App) initModules(ctx context.Context) error {
	cfg := a.config
	retryPolicy := retryPolicyFrom(cfg.Retry)

	// Usage limiters
	a.analyzeLimiter = usage.NewLimiter(a.store, usage.Config{
		Namespace: AnalyzeNamespace,
		Limits:    usage.Limits{PerCaller: cfg.Usage.Analyze.PerCaller, Global: cfg.Usage.Analyze.Global},
		Salt:      cfg.Usage.Salt,
	}, a.zapLogger.Named("usage.analyze"), usage.WithMetrics(a.metrics))
	a.fixLimiter = usage.NewLimiter(a.store, usage.Config{
		Namespace: FixNamespace,
		Limits:    usage.Limits{PerCaller: cfg.Usage.Fix.PerCaller, Global: cfg.Usage.Fix.Global},
		Salt:      cfg.Usage.Salt,
	}, a.zapLogger.Named("usage.fix"), usage.WithMetrics(a.metrics))

	// Prediction client and poller
	a.replicate = prediction.NewReplicateClient(cfg.Replicate, a.httpClient)
	pollerCfg := prediction.PollerConfig{
		MaxAttempts: cfg.Poller.MaxAttempts,
		Interval:    cfg.Poller.Interval,
		Retry:       retryPolicy,
	}
	pollerLog := a.zapLogger.Named("prediction")
	a.poller = prediction.NewPoller(a.replicate, pollerCfg, pollerLog, prediction.WithMetrics(a.metrics))

	// Analysis
	prompts, err := analysis.NewPromptBuilder(cfg.Analysis.PolicyGuidePath)
	if err != nil {
		return fmt.Errorf("load policy guide: %w", err)
	}
	var model analysis.Model
	if cfg.Gemini.APIKey != "" {
		gm, err := analysis.NewGeminiModel(ctx, cfg.Gemini, cfg.Gemini.APIKey, a.httpClient)
		if err != nil {
			return fmt.Errorf("init gemini model: %w", err)
		}
		model = gm
	} else {
		a.zapLogger.Warn("no gemini api key configured, analysis requires a caller key")
	}
	a.analysisService = analysis.NewService(model, prompts, analysis.ServiceConfig{
		MaxUploadBytes: cfg.Analysis.MaxUploadBytes,
		Retry:          retryPolicy,
	}, a.zapLogger.Named("analysis"),
		analysis.WithModelFactory(analysis.NewGeminiFactory(cfg.Gemini, a.httpClient)),
		analysis.WithMetrics(a.metrics),
	)

	// Artifact mirror
	var mirror artifact.Mirror = artifact.PassThrough{}
	if cfg.Storage.Enabled {
		s3m, err := artifact.NewS3Mirror(ctx, artifact.S3ConfigFrom(cfg.Storage, maxArtifactBytes), a.httpClient)
		if err != nil {
			return fmt.Errorf("init artifact storage: %w", err)
		}
		mirror = s3m
	}

	// Remediation
	var awaiter remediation.Awaiter
	if cfg.Replicate.APIToken != "" {
		awaiter = a.poller
	} else {
		a.zapLogger.Warn("no replicate api token configured, fixes require a caller token")
	}
	factory := func(token string) remediation.Awaiter {
		return prediction.NewPoller(a.replicate.WithToken(token), pollerCfg, pollerLog, prediction.WithMetrics(a.metrics))
	}
	a.fixService = remediation.NewService(awaiter, factory, mirror, remediation.Config{
		Model:           cfg.Replicate.Model,
		Version:         cfg.Replicate.Version,
		ImageInputField: cfg.Remediation.ImageInputField,
		MaxImageBytes:   cfg.Remediation.MaxImageBytes,
	}, a.zapLogger.Named("remediation"))

	a.handler = checkmate.NewHandler(
		a.analysisService, a.fixService,
		a.analyzeLimiter, a.fixLimiter,
		checkmate.Config{
			ClientIPHeader: cfg.Usage.ClientIPHeader,
			MaxUploadBytes: cfg.Analysis.MaxUploadBytes,
			MaxImageBytes:  cfg.Remediation.MaxImageBytes,
		},
		a.zapLogger.Named("checkmate"),
	)

	return nil
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	// Set Gin mode based on environment
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	corsConfig := middleware.DefaultCORSConfig()
	if len(a.config.Server.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = a.config.Server.AllowOrigins
	}

	// Apply global middleware
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.CORS(corsConfig))
	r.Use(middleware.Metrics(a.metrics))

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"store":  a.config.Store.Driver,
		})
	})

	if a.registry != nil {
		path := a.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	}

	return r
}

// registerRoutes registers all API routes.
func (a *App) registerRoutes() {
	v1 := a.router.Group("/api/v1")
	a.handler.RegisterRoutes(v1)
}

// Router returns the Gin router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Config returns the application configuration.
func (a *App) Config() *config.Config {
	return a.config
}

// Logger returns the application's zap logger.
func (a *App) Logger() *zap.Logger {
	return a.zapLogger
}

// FixService returns the remediation service.
func (a *App) FixService() *remediation.Service {
	return a.fixService
}

// AnalyzeLimiter returns the analysis quota limiter.
func (a *App) AnalyzeLimiter() *usage.Limiter {
	return a.analyzeLimiter
}

// FixLimiter returns the fix quota limiter.
func (a *App) FixLimiter() *usage.Limiter {
	return a.fixLimiter
}

// Stop stops the application and releases resources.
func (a *App) Stop() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.zapLogger.Warn("close store", zap.Error(err))
		}
	}

	if a.httpClient != nil {
		a.httpClient.CloseIdleConnections()
	}

	// Sync zap logger
	if a.zapLogger != nil {
		_ = a.zapLogger.Sync()
	}
}

func retryPolicyFrom(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = cfg.MaxRetries
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}
