// Package main provides the abacus query orchestration service.
//
// The service owns the durable query ledger: it runs the stale query sweep
// that recovers from crashed executors, publishes query lifecycle events, and
// hosts the analysis runners that drive experiment queries against the
// configured warehouses.
package main

import (
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"               // PostgreSQL driver
	_ "github.com/microsoft/go-mssqldb" // SQL Server driver

	"github.com/abacus-io/abacus/internal/config"
	"github.com/abacus-io/abacus/internal/dialect"
	"github.com/abacus-io/abacus/internal/events"
	"github.com/abacus-io/abacus/internal/storage"
	"github.com/abacus-io/abacus/internal/sweeper"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "abacus"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting abacus service",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	logger.Info("Query ledger initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	queryStore, err := storage.NewQueryStore(dbConn)
	if err != nil {
		logger.Error("Failed to create query store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var publisher events.Publisher = events.NoopPublisher{}

	kafkaConfig := events.LoadKafkaConfig()
	if kafkaConfig.Enabled() {
		kafkaPublisher := events.NewKafkaPublisher(kafkaConfig)
		defer func() {
			_ = kafkaPublisher.Close()
		}()

		publisher = kafkaPublisher

		logger.Info("Kafka event publishing enabled",
			slog.Any("brokers", kafkaConfig.Brokers),
			slog.String("topic", kafkaConfig.Topic),
		)
	} else {
		logger.Info("Kafka event publishing disabled",
			slog.String("note", "Set KAFKA_BROKERS to enable lifecycle events"),
		)
	}

	cataloguePath := config.GetEnvStr("DATASOURCE_CATALOGUE", "datasources.yaml")

	catalog, err := dialect.LoadCatalog(cataloguePath)
	if err != nil {
		logger.Error("Failed to load datasource catalogue",
			slog.String("path", cataloguePath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Datasource catalogue loaded",
		slog.String("path", cataloguePath),
		slog.Int("datasources", len(catalog.Datasources)),
	)

	defer dialect.CloseConnections()

	sweep := sweeper.New(queryStore, logger, sweeper.WithPublisher(publisher))
	if err := sweep.Start(); err != nil {
		logger.Error("Failed to start stale query sweeper", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer sweep.Stop()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("Shutting down", slog.String("signal", sig.String()))

	logger.Info("Abacus service stopped")
}
