package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/medrex/emergency-access/internal/directory"
	emergencyaccess "github.com/medrex/emergency-access/internal/emergency"
	"github.com/medrex/emergency-access/internal/notification"
	"github.com/medrex/emergency-access/internal/signals"
	"github.com/medrex/emergency-access/internal/storage"
	"github.com/medrex/emergency-access/pkg/config"
	"github.com/medrex/emergency-access/pkg/database"
	"github.com/medrex/emergency-access/pkg/logger"
	"github.com/medrex/emergency-access/pkg/monitoring"
)

const (
	serviceName    = "emergency-access-service"
	serviceVersion = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel)
	log.WithField("version", serviceVersion).Info("Starting Emergency Access Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	var tracing *monitoring.TracingManager
	if cfg.Tracing.Enabled {
		tracing, err = monitoring.NewTracingManager(&monitoring.TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			Environment:    cfg.Tracing.Environment,
			SamplingRate:   cfg.Tracing.SamplingRate,
		})
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("Failed to flush traces")
			}
		}()
	}

	metrics := monitoring.NewMetricsCollector(serviceName, prometheus.NewRegistry())

	// Initialize database connection
	db, err := database.NewConnection(ctx, &cfg.Database, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.CreateSchema(ctx); err != nil {
		log.WithError(err).Fatal("Failed to create database schema")
	}

	health := monitoring.NewHealthManager(serviceName, serviceVersion)
	health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(db.DB))

	// Initialize origin risk signals
	staticOrigin, err := signals.NewStaticOriginSignal(cfg.Emergency.Origin.SuspiciousCIDRs, cfg.Emergency.Origin.VPNCIDRs)
	if err != nil {
		log.WithError(err).Fatal("Failed to parse origin networks")
	}
	origin := signals.Chain{staticOrigin}

	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer redisClient.Close()

		health.RegisterChecker("redis", monitoring.NewRedisHealthChecker(redisClient))
		origin = append(origin, signals.NewRedisOriginSignal(
			redisClient,
			cfg.Emergency.Origin.RedisSuspiciousKey,
			cfg.Emergency.Origin.RedisVPNKey,
		))
	}

	// Initialize emergency access components
	components, err := emergencyaccess.ComponentsFromConfig(cfg.Emergency)
	if err != nil {
		log.WithError(err).Fatal("Failed to build emergency access policy")
	}

	store := storage.NewPostgresStore(db, log, tracing)
	auditStore := storage.NewPostgresAuditStore(db, log)

	manager, err := emergencyaccess.NewManager(components.Config, emergencyaccess.Dependencies{
		Store:      store,
		AuditStore: auditStore,
		Identities: directory.NewIdentityDirectory(db, components.Config.SupervisorRoles),
		Patients:   directory.NewPatientDirectory(db),
		Records:    directory.NewRecordRepository(db),
		Notifier:   notification.New(cfg.Notification, log),
		Rules:      components.Rules,
		Risk:       components.Risk,
		Durations:  components.Durations,
		Origin:     origin,
		Behavior:   emergencyaccess.NewAuditBehaviorSignal(auditStore, time.Duration(cfg.Emergency.BehaviorWindow)*time.Second),
		Logger:     log,
		Metrics:    metrics,
		Tracing:    tracing,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create emergency access manager")
	}

	log.WithField("rules", components.Rules.Names()).Info("Auto-approval rules loaded")

	sweeper := emergencyaccess.NewExpirySweeper(manager, time.Duration(cfg.Emergency.SweepInterval)*time.Second, log, metrics)
	if err := sweeper.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start expiry sweeper")
	}
	defer sweeper.Stop()

	// Setup HTTP router
	router := mux.NewRouter()
	router.Use(monitoring.NewMonitoringMiddleware(metrics, tracing, log).HTTPMiddleware)
	router.Handle(cfg.Monitoring.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc(cfg.Monitoring.HealthPath, health.HTTPHandler()).Methods(http.MethodGet)

	// Setup HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down Emergency Access Service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to shutdown server gracefully")
	}

	log.Info("Emergency Access Service stopped")
}

// loadConfig reads CONFIG_FILE when set, otherwise the default search paths
func loadConfig() (*config.Config, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}
