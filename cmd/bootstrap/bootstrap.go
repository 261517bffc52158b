package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clinic-reconciler/config"
	deliveryHttp "clinic-reconciler/internal/delivery/http"
	"clinic-reconciler/internal/delivery/http/handler"
	"clinic-reconciler/internal/delivery/http/middleware"
	"clinic-reconciler/internal/infrastructure/cache"
	"clinic-reconciler/internal/infrastructure/database"
	"clinic-reconciler/internal/infrastructure/ledger"
	"clinic-reconciler/internal/infrastructure/messaging"
	"clinic-reconciler/internal/repository"
	"clinic-reconciler/internal/service"
	"clinic-reconciler/internal/usecase"
	"clinic-reconciler/pkg/jwt"
	"clinic-reconciler/pkg/validator"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds all dependencies for the application
type App struct {
	Config      *config.Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	Locker      *redislock.Client
	Metrics     *service.Metrics
	JWTService  *jwt.JWTService

	Reconciliations usecase.ReconciliationUsecase
	Identities      usecase.IdentityUsecase
	Reservations    usecase.ReservationUsecase
	AuditLogs       usecase.AuditLogUsecase
}

// LoadConfig reads configuration and sets up the process logger.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(cfg.App.LogLevel)
	logrus.Info("Configuration loaded successfully")
	return cfg, nil
}

// OpenDatabase connects to Postgres only, for commands that need nothing else.
func OpenDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.NewPostgresConnection(cfg.DB, cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// New creates a new App instance with all dependencies initialized
func New(cfg *config.Config) (*App, error) {
	app := &App{
		Config:     cfg,
		Log:        logrus.StandardLogger(),
		Metrics:    service.NewMetrics(),
		JWTService: jwt.NewJWTService(cfg.JWT),
	}

	location, err := time.LoadLocation(cfg.Reconcile.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid clinic timezone: %w", err)
	}

	db, err := OpenDatabase(cfg)
	if err != nil {
		return nil, err
	}
	app.DB = db

	// Redis is optional: without it cache invalidation, notification dedup
	// and exclusive runs are unavailable.
	if cfg.Redis.Enabled() {
		redisClient, err := cache.NewRedisClient(cfg.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		app.RedisClient = redisClient
		app.Locker = cache.NewLocker(redisClient)
	} else {
		logrus.Warn("Redis not configured, running without cache invalidation and run locks")
	}

	ledgerClient, err := ledger.NewClientFromConfig(cfg.Ledger, location, cfg.Reconcile.PhoneRegion, app.Log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create ledger client: %w", err)
	}

	// Initialize repositories
	patientRepo := repository.NewPatientRepository()
	reservationRepo := repository.NewReservationRepository()
	intakeRepo := repository.NewIntakeRepository()
	reorderRepo := repository.NewReorderRepository()
	orderRepo := repository.NewOrderRepository()
	auditLogRepo := repository.NewAuditLogRepository()
	runRepo := repository.NewReconciliationRunRepository()
	store := repository.NewStateStore(db, location, patientRepo, reservationRepo, intakeRepo, reorderRepo, orderRepo)

	// Initialize services
	auditService := service.NewAuditService(db, app.Log, auditLogRepo)
	resolver := service.NewIdentityResolver(app.Log, cfg.Reconcile.PhoneRegion,
		patientRepo, reservationRepo, intakeRepo, reorderRepo, orderRepo, auditService)
	cacheInvalidator := service.NewCacheInvalidator(app.RedisClient, app.Log, app.Metrics)
	lineClient, err := messaging.NewLineClient(cfg.LINE, nil)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create LINE client: %w", err)
	}
	notifier := service.NewNotifier(lineClient, app.RedisClient, cfg.Reconcile.NotifyDedupTTL, app.Log, app.Metrics)
	detector := service.NewDriftDetector(service.DetectorConfig{
		SlotCapacity:     cfg.Reconcile.SlotCapacity,
		GhostGracePeriod: cfg.Reconcile.GhostGracePeriod,
		PhoneRegion:      cfg.Reconcile.PhoneRegion,
	})
	reconciler := service.NewReconciler(app.Log, store, patientRepo, reservationRepo, intakeRepo, reorderRepo,
		resolver, auditService, ledgerClient, cacheInvalidator, notifier, app.Metrics, cfg.Reconcile.SlotCapacity)

	// Initialize usecases
	app.Reconciliations = usecase.NewReconciliationUsecase(db, app.Log, store, ledgerClient, runRepo,
		detector, reconciler, app.Metrics, app.Locker, cfg.Reconcile.RunLockTTL)
	app.Identities = usecase.NewIdentityUsecase(db, app.Log, resolver, cacheInvalidator)
	app.Reservations = usecase.NewReservationUsecase(db, app.Log, location, store, reservationRepo, auditService, cacheInvalidator)
	app.AuditLogs = usecase.NewAuditLogUsecase(db, app.Log, runRepo, auditService)

	return app, nil
}

// setupLogger configures the logrus logger
func setupLogger(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logrus.SetLevel(parsed)
}

// NewServer creates and configures the HTTP server
func (app *App) NewServer() *http.Server {
	customValidator := validator.New()

	// Initialize handlers
	reconciliationHandler := handler.NewReconciliationHandler(app.Reconciliations, app.AuditLogs,
		customValidator, app.Log, app.Locker != nil)
	identityHandler := handler.NewIdentityHandler(app.Identities, customValidator)
	reservationHandler := handler.NewReservationHandler(app.Reservations, customValidator)
	auditLogHandler := handler.NewAuditLogHandler(app.AuditLogs)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(app.JWTService, app.RedisClient, app.Log)
	metricsMiddleware := middleware.NewMetricsMiddleware(app.Metrics)

	// Initialize router
	router := deliveryHttp.NewRouter(reconciliationHandler, identityHandler, reservationHandler,
		auditLogHandler, authMiddleware, metricsMiddleware, app.Metrics)

	return &http.Server{
		Addr:              fmt.Sprintf(":%s", app.Config.App.Port),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Serve starts the HTTP server and handles graceful shutdown
func (app *App) Serve() error {
	server := app.NewServer()
	errCh := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logrus.Infof("Server starting on port %s", app.Config.App.Port)
		logrus.Infof("Environment: %s", app.Config.App.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logrus.Info("Shutting down server...")

	// Create shutdown context with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server gracefully
	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server shutdown complete")
	return nil
}

// Close closes all connections (database, redis, etc.)
func (app *App) Close() {
	// Close database connection
	if app.DB != nil {
		sqlDB, err := app.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}

	// Close Redis connection
	if app.RedisClient != nil {
		app.RedisClient.Close()
	}
}
