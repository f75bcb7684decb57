// Command tracecollector consumes packet CloudEvents published by
// tracestreamd and archives them as Parquet or Avro files on the local
// filesystem, S3, GCS or Azure Blob Storage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jittakal/tracestream/internal/buffer"
	"github.com/jittakal/tracestream/internal/collector"
	"github.com/jittakal/tracestream/internal/config"
	"github.com/jittakal/tracestream/internal/config/dto"
	"github.com/jittakal/tracestream/internal/encoder"
	"github.com/jittakal/tracestream/internal/kafka"
	"github.com/jittakal/tracestream/internal/observability"
	"github.com/jittakal/tracestream/internal/server"
	"github.com/jittakal/tracestream/internal/storage"
	"github.com/jittakal/tracestream/pkg/packet"
	pkgstorage "github.com/jittakal/tracestream/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Priority: CLI flag > CONFIG_PATH env var > default path
	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = os.Getenv("CONFIG_PATH")
	}
	if cfgPath == "" {
		cfgPath = "config/application.yaml"
	}

	cfg, err := config.NewLoader().Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateCollector(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggingConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
		Output: cfg.Observability.Logging.Output,
	})
	logger.Info("starting trace collector",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
		"backend", cfg.Storage.Backend,
	)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Cleanups run in reverse registration order.
	var cleanups []func()
	addCleanup := func(name string, fn func() error) {
		cleanups = append(cleanups, func() {
			if err := fn(); err != nil {
				logger.Error("cleanup failed", "component", name, "error", err)
			}
		})
		logger.Debug("registered cleanup", "component", name)
	}
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	security := securityConfig(cfg.Kafka)

	consumer, err := kafka.NewSaramaConsumer(kafka.ConsumerConfig{
		BootstrapServers:    cfg.Kafka.BootstrapServers,
		GroupID:             cfg.Kafka.Consumer.GroupID,
		Security:            security,
		AutoOffsetReset:     cfg.Kafka.Consumer.AutoOffsetReset,
		EnableAutoCommit:    cfg.Kafka.Consumer.EnableAutoCommit,
		MaxPollIntervalMS:   cfg.Kafka.Consumer.MaxPollIntervalMS,
		SessionTimeoutMS:    cfg.Kafka.Consumer.SessionTimeoutMS,
		HeartbeatIntervalMS: cfg.Kafka.Consumer.HeartbeatIntervalMS,
		ChannelBufferSize:   cfg.Kafka.Consumer.ChannelBufferSize,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	addCleanup("kafka-consumer", consumer.Close)

	dlq, err := kafka.NewDLQPublisher(cfg.Kafka.BootstrapServers, security, kafka.DLQConfig{
		Enabled:     cfg.Kafka.DLQ.Enabled,
		TopicSuffix: cfg.Kafka.DLQ.TopicSuffix,
		MaxRetries:  cfg.Kafka.DLQ.MaxRetries,
	}, logger, cfg.Application.Name)
	if err != nil {
		return fmt.Errorf("failed to create DLQ publisher: %w", err)
	}
	addCleanup("dlq-publisher", dlq.Close)

	format := packet.FormatParquet
	if cfg.Storage.Format == "avro" {
		format = packet.FormatAvro
	}

	writer, err := newWriter(cfg, format, logger, metrics)
	if err != nil {
		return err
	}
	addCleanup("storage-writer", writer.Close)

	protocol, bucket, basePath := storageLocation(cfg)
	router := storage.NewRouter(protocol, bucket, basePath, "v1")

	policy := storage.NewPolicy(storage.PolicyConfig{
		MaxFileSizeMB:      cfg.FileRotation.MaxFileSizeMB,
		MaxRecordsPerFile:  cfg.FileRotation.MaxRecordsPerFile,
		MaxDurationSeconds: cfg.FileRotation.MaxDurationSeconds,
		Strategy:           cfg.FileRotation.Strategy,
	})

	buffers := buffer.NewManager(int64(cfg.Processing.BufferSizeMB)*1024*1024, cfg.FileRotation.MaxRecordsPerFile)

	health := server.NewComponentHealth()

	retryMax := cfg.Retry.MaxAttempts - 1
	if retryMax < 0 {
		retryMax = 0
	}
	coll := collector.New(collector.Config{
		Format:        format,
		MaxPacketSize: cfg.Processing.MaxPacketSize,
		RetryMax:      retryMax,
		RetryBackoff:  time.Duration(cfg.Retry.BackoffMS) * time.Millisecond,
		CheckInterval: time.Duration(cfg.Processing.CheckIntervalMS) * time.Millisecond,
	}, collector.Deps{
		Buffers: buffers,
		Router:  router,
		Policy:  policy,
		Writer:  writer,
		DLQ:     dlq,
		Health:  health,
		Logger:  logger,
		Metrics: metrics,
	})

	httpServer := server.NewServer(server.Config{
		Host:        cfg.Observability.Health.Host,
		HealthPort:  cfg.Observability.Health.Port,
		MetricsPort: cfg.Observability.Metrics.Port,
		MetricsPath: cfg.Observability.Metrics.Path,
	}, health, registry, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	addCleanup("http-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := consumer.Subscribe(ctx, cfg.Kafka.Consumer.Topics); err != nil {
		return fmt.Errorf("failed to subscribe to topics: %w", err)
	}

	packets, errs, err := consumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- coll.Run(ctx, packets, errs)
	}()

	logger.Info("trace collector started", "topics", cfg.Kafka.Consumer.Topics)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received termination signal", "signal", sig.String())
	case err := <-runDone:
		health.MarkDead()
		if err != nil {
			logger.Error("collector stopped", "error", err)
			return err
		}
		logger.Info("packet stream closed")
		return nil
	}

	logger.Info("initiating graceful shutdown")
	health.Drain()
	cancel()

	// Run archives what is still buffered before returning.
	select {
	case err := <-runDone:
		if err != nil {
			logger.Error("final flush failed", "error", err)
		}
	case <-time.After(cfg.Shutdown.GracePeriod()):
		logger.Warn("final flush did not finish within grace period",
			"grace_period", cfg.Shutdown.GracePeriod(),
		)
	}

	logger.Info("trace collector stopped")
	return nil
}

func newWriter(
	cfg *dto.ApplicationConfig,
	format packet.FileFormat,
	logger *slog.Logger,
	metrics *observability.Metrics,
) (pkgstorage.Writer, error) {
	compression := cfg.Storage.Compression
	if compression == "" {
		compression = encoder.DefaultCompression(format)
	}

	switch cfg.Storage.Backend {
	case "file":
		w, err := storage.NewFileWriter(storage.FileConfig{
			BasePath: cfg.Storage.File.BasePath,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem writer: %w", err)
		}
		return w, nil
	case "s3":
		w, err := storage.NewS3Writer(storage.S3Config{
			Bucket:       cfg.Storage.S3.Bucket,
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
			SSEEnabled:   cfg.Storage.S3.SSEEnabled,
			SSEKMSKeyID:  cfg.Storage.S3.SSEKMSKeyID,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 writer: %w", err)
		}
		return w, nil
	case "azure":
		accountKey := cfg.Storage.Azure.AccountKey
		if accountKey == "" {
			accountKey = os.Getenv("AZURE_STORAGE_ACCOUNT_KEY")
		}
		w, err := storage.NewAzureWriter(storage.AzureConfig{
			AccountName:   cfg.Storage.Azure.AccountName,
			AccountKey:    accountKey,
			ContainerName: cfg.Storage.Azure.Container,
			Endpoint:      cfg.Storage.Azure.Endpoint,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Blob writer: %w", err)
		}
		return w, nil
	case "gcs":
		credentialsJSON := cfg.Storage.GCS.CredentialsJSON
		if credentialsJSON == "" {
			credentialsJSON = os.Getenv("GCP_CREDENTIALS_JSON")
		}
		w, err := storage.NewGCSWriter(storage.GCSConfig{
			Bucket:               cfg.Storage.GCS.Bucket,
			ProjectID:            cfg.Storage.GCS.ProjectID,
			CredentialsFile:      cfg.Storage.GCS.CredentialsFile,
			CredentialsJSON:      credentialsJSON,
			Endpoint:             cfg.Storage.GCS.Endpoint,
			UseDefaultCredential: cfg.Storage.GCS.UseDefaultCredential,
		}, format, compression, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCS writer: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: file, s3, azure, gcs)", cfg.Storage.Backend)
	}
}

// storageLocation returns the router protocol, bucket and base path for the
// configured backend. The file writer resolves paths below its own base
// path, so the router only adds the partition layout.
func storageLocation(cfg *dto.ApplicationConfig) (protocol, bucket, basePath string) {
	switch cfg.Storage.Backend {
	case "s3":
		return "s3", cfg.Storage.S3.Bucket, cfg.Storage.S3.BasePath
	case "azure":
		return "wasbs", cfg.Storage.Azure.Container, cfg.Storage.Azure.BasePath
	case "gcs":
		return "gs", cfg.Storage.GCS.Bucket, cfg.Storage.GCS.BasePath
	default:
		return "file", "", ""
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
