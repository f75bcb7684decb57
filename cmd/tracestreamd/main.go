// Command tracestreamd runs a tracing session: it records synthetic trace
// events into the session's streams and drains finalized packets to a local
// file or to Kafka.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jittakal/tracestream/internal/config"
	"github.com/jittakal/tracestream/internal/config/dto"
	"github.com/jittakal/tracestream/internal/drain"
	"github.com/jittakal/tracestream/internal/generator"
	"github.com/jittakal/tracestream/internal/kafka"
	"github.com/jittakal/tracestream/internal/observability"
	"github.com/jittakal/tracestream/internal/publisher"
	"github.com/jittakal/tracestream/internal/server"
	"github.com/jittakal/tracestream/internal/session"
	"github.com/jittakal/tracestream/internal/sink"
	"github.com/jittakal/tracestream/pkg/packet"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.NewLoader().Load(resolveConfigPath(*configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateStream(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loggingConfig := observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	}
	logger, err := observability.NewZapLogger(loggingConfig)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tracestream daemon",
		zap.String("version", cfg.Application.Version),
		zap.String("environment", cfg.Application.Environment),
		zap.String("sink", cfg.Drain.Sink),
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewProducerMetrics(registry)

	sess, err := session.New(session.Config{
		PacketSize:        cfg.Stream.PacketSize,
		PacketCount:       cfg.Stream.PacketCount,
		AutoflushInterval: cfg.Stream.AutoflushInterval(),
	}, session.WithLogger(logger), session.WithRegisterer(registry))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Close()

	out, err := newSink(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.Error("Failed to close sink", zap.Error(err))
		}
	}()

	drainer := drain.New(sess, out, drain.Config{
		PollInterval: cfg.Drain.PollInterval(),
		SinkName:     cfg.Drain.Sink,
	}, logger, metrics)

	health := server.NewComponentHealth()
	health.Register("session", func(context.Context) error {
		select {
		case <-sess.Done():
			return errors.New("session closed")
		default:
			return nil
		}
	})

	httpServer := server.NewServer(server.Config{
		Host:        cfg.Observability.Health.Host,
		HealthPort:  cfg.Observability.Health.Port,
		MetricsPort: cfg.Observability.Metrics.Port,
		MetricsPath: cfg.Observability.Metrics.Path,
	}, health, registry, observability.NewLogger(loggingConfig))
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The drainer outlives the producers so its final pass sees every
	// record they wrote.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	defer stopDrain()
	drainDone := make(chan error, 1)
	go func() {
		drainDone <- drainer.Run(drainCtx)
	}()

	producers, pctx := errgroup.WithContext(ctx)
	producers.Go(func() error {
		if err := sess.Start(pctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Generator.Enabled {
		gen := generator.New(sess, generator.Config{
			Interval:  time.Duration(cfg.Generator.IntervalMS) * time.Millisecond,
			Workers:   cfg.Generator.Workers,
			BurstSize: cfg.Generator.BurstSize,
		}, logger, metrics)
		producers.Go(func() error {
			return gen.Run(pctx)
		})
	}

	logger.Info("Tracestream daemon started", zap.String("sessionId", sess.ID()))

	runErr := producers.Wait()
	health.Drain()
	if runErr != nil {
		logger.Error("Producer failed", zap.Error(runErr))
	} else {
		logger.Info("Received termination signal")
	}

	stopDrain()
	select {
	case err := <-drainDone:
		if err != nil {
			logger.Error("Final drain failed", zap.Error(err))
		}
	case <-time.After(cfg.Shutdown.GracePeriod()):
		logger.Warn("Final drain did not finish within grace period",
			zap.Duration("gracePeriod", cfg.Shutdown.GracePeriod()),
		)
	}

	for _, kind := range packet.Kinds() {
		if lost := drainer.Lost(kind); lost > 0 {
			logger.Warn("Packets lost during session", zap.Stringer("stream", kind), zap.Uint64("lost", lost))
		}
	}

	logger.Info("Tracestream daemon stopped", zap.String("sessionId", sess.ID()))
	return runErr
}

func newSink(cfg *dto.ApplicationConfig, logger *zap.Logger, metrics *observability.ProducerMetrics) (drain.Sink, error) {
	switch cfg.Drain.Sink {
	case "kafka":
		p, err := publisher.New(publisher.Config{
			Brokers:         cfg.Kafka.BootstrapServers,
			ClientID:        cfg.Kafka.Producer.ClientID,
			Security:        securityConfig(cfg.Kafka),
			RequiredAcks:    cfg.Kafka.Producer.RequiredAcks,
			Compression:     cfg.Kafka.Producer.Compression,
			MaxMessageBytes: cfg.Kafka.Producer.MaxMessageBytes,
			Idempotent:      cfg.Kafka.Producer.Idempotent,
			RetryMax:        cfg.Kafka.Producer.RetryMax,
			RetryBackoff:    time.Duration(cfg.Kafka.Producer.RetryBackoffMS) * time.Millisecond,
			Topics: publisher.Topics{
				ObjSummary: cfg.Kafka.Topics.ObjSummary,
				Obj:        cfg.Kafka.Topics.Obj,
				Aux:        cfg.Kafka.Topics.Aux,
			},
		}, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka publisher: %w", err)
		}
		return p, nil
	case "file":
		s, err := sink.NewFileSink(sink.FileConfig{
			Dir:           cfg.Sink.File.Dir,
			Prefix:        cfg.Sink.File.Prefix,
			MaxFileSizeMB: cfg.Sink.File.MaxFileSizeMB,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create file sink: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported drain sink: %s (supported: file, kafka)", cfg.Drain.Sink)
	}
}

func securityConfig(k dto.KafkaConfig) kafka.SecurityConfig {
	return kafka.SecurityConfig{
		Protocol:      k.SecurityProtocol,
		SASLMechanism: k.SASLMechanism,
		SASLUsername:  k.SASLUsername,
		SASLPassword:  k.SASLPassword,
		AWSRegion:     k.AWSRegion,
		TLS: kafka.TLSConfig{
			CACertFile:         k.TLS.CACertFile,
			ClientCertFile:     k.TLS.ClientCertFile,
			ClientKeyFile:      k.TLS.ClientKeyFile,
			InsecureSkipVerify: k.TLS.InsecureSkipVerify,
		},
	}
}

// resolveConfigPath prefers the flag, then CONFIG_PATH, then the default
// location.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return "config/application.yaml"
}
