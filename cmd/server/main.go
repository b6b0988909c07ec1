package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"billing-api/internal/cache"
	"billing-api/internal/config"
	"billing-api/internal/controller"
	"billing-api/internal/database"
	"billing-api/internal/engine"
	"billing-api/internal/external"
	"billing-api/internal/jobs"
	"billing-api/internal/middleware"
	"billing-api/internal/monitoring"
	"billing-api/internal/service"
	"billing-api/pkg/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(cfg.Logging)
	log.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"port":       cfg.Server.Port,
	}).Info("Starting Billing API")

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := initializeApp(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.cleanup()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("address", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	cancel()
	log.Info("Server exited")
}

type Application struct {
	config  *config.Config
	router  *gin.Engine
	cleanup func()
}

func initializeApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Application, error) {
	db, err := database.Initialize(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cacheService := cache.NewRedisCache(db.RedisDB, &cache.CacheConfig{
		KeyPrefix:  cfg.Cache.KeyPrefix,
		BalanceTTL: cfg.Cache.BalanceTTL,
		HistoryTTL: cfg.Cache.HistoryTTL,
		DebtorsTTL: cfg.Cache.DebtorsTTL,
		PaymentTTL: cfg.Cache.PaymentTTL,
	})

	publisher := external.EventPublisher(external.NewNopPublisher())
	if cfg.RabbitMQ.Enabled {
		publisher, err = external.NewAMQPPublisher(&external.PublisherConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
	}

	metrics := monitoring.NewPrometheusMetrics()
	health := monitoring.NewHealthChecker(db.MongoDB.Client(), db.RedisDB)

	repos := db.Repositories
	adjuster := engine.NewAdjustmentEngine(repos.Balance, repos.Transaction,
		repos.LockManager, repos.TxRunner, cacheService, publisher, metrics, log)
	tracker := engine.NewPaymentTracker(repos.Payment, repos.Balance, adjuster,
		repos.LockManager, cacheService, publisher, metrics, log)
	webhooks := engine.NewWebhookHandler(repos.Payment, tracker, metrics, log)

	billingService := service.NewBillingService(repos.Balance, repos.Transaction,
		repos.Payment, adjuster, tracker, webhooks, cacheService, metrics, log)

	auditJob := jobs.NewLedgerAuditJob(repos.Balance, repos.Transaction, metrics, log,
		cfg.Jobs.LedgerAuditSchedule, cfg.Jobs.LedgerAuditBatch)
	if cfg.Jobs.EnableLedgerAudit {
		if err := auditJob.Start(); err != nil {
			return nil, fmt.Errorf("failed to schedule ledger audit: %w", err)
		}
	}

	router := setupRouter(cfg, log, metrics, health, billingService)

	cleanup := func() {
		log.Info("Cleaning up application resources...")
		if cfg.Jobs.EnableLedgerAudit {
			auditJob.Stop()
		}
		if err := publisher.Close(); err != nil {
			log.WithError(err).Warn("Failed to close event publisher")
		}
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := db.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Failed to close database connections")
		}
	}

	return &Application{
		config:  cfg,
		router:  router,
		cleanup: cleanup,
	}, nil
}

func setupRouter(
	cfg *config.Config,
	log *logrus.Logger,
	metrics monitoring.MetricsService,
	health *monitoring.HealthChecker,
	billingService service.BillingService,
) *gin.Engine {
	registerValidations(log)

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		log.WithError(err).Warn("Failed to set trusted proxies")
	}

	logging := middleware.NewLoggingMiddleware(log, metrics)

	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(cors.Default())
	router.Use(logging.RequestLogger())

	router.GET(cfg.Monitoring.HealthCheckPath, func(c *gin.Context) {
		status := health.Check(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	router.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
			"service":    "billing-api",
		})
	})

	if cfg.Monitoring.EnableMetrics {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	api := router.Group("/api")
	controller.NewBillingController(billingService).RegisterRoutes(api)

	return router
}

// registerValidations adds a "positive" rule so monetary fields can be
// checked at binding time; the stock gt tag cannot see inside
// decimal.Decimal.
func registerValidations(log *logrus.Logger) {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		log.Warn("Unexpected validator engine, skipping custom validations")
		return
	}
	if err := v.RegisterValidation("positive", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	}); err != nil {
		log.WithError(err).Warn("Failed to register positive amount validation")
	}
}
