package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/core"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/ingest"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/monitoring"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/platform"
	"github.com/restocktime/nfl-ncaa-analytics-sub019/internal/types"
	_ "go.uber.org/automaxprocs"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := platform.LoadConfig(nil)
	if err != nil {
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: types.LogLevelInfo, Format: types.LogFormatJSON})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = string(types.LogLevelDebug)
	}
	cfg.Print()

	logger := monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	// automaxprocs rounds down to whole cores
	logger.Info().
		Int("gomaxprocs", runtime.GOMAXPROCS(0)).
		Msg("Runtime configured")

	server := core.NewServer(cfg.ServerConfig(),
		core.WithLogger(logger),
		core.WithEventHandler(func(ev core.Event) {
			logger.Debug().
				Str("event", string(ev.Type)).
				Str("connection_id", ev.ConnectionID).
				Strs("topics", ev.Topics).
				Str("reason", ev.Reason).
				Msg("Connection event")
		}),
	)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	var stops []func()

	if brokers := platform.SplitList(cfg.KafkaBrokers); len(brokers) > 0 {
		source, err := ingest.NewKafkaSource(ingest.KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: cfg.ConsumerGroup,
			Topics:        platform.SplitList(cfg.KafkaTopics),
			MaxRate:       cfg.MaxIngestRate,
			Guard:         server.ResourceGuard(),
			Logger:        logger,
		}, server)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create Kafka source")
		}
		source.Start()
		stops = append(stops, source.Stop)
	}

	if cfg.NATSURL != "" {
		source, err := ingest.NewNATSSource(ingest.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			MaxRate: cfg.MaxIngestRate,
			Guard:   server.ResourceGuard(),
			Logger:  logger,
		}, server)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create NATS source")
		}
		if err := source.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start NATS source")
		}
		stops = append(stops, source.Stop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().
		Str("signal", sig.String()).
		Msg("Shutting down server")

	// upstream first so nothing publishes into a stopping server
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
