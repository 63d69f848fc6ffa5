package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/op3/ucesb-sub002/internal/config"
	"github.com/op3/ucesb-sub002/internal/config/dto"
	"github.com/op3/ucesb-sub002/internal/dispatcher"
	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/internal/generator"
	"github.com/op3/ucesb-sub002/internal/kafka"
	"github.com/op3/ucesb-sub002/internal/observability"
	"github.com/op3/ucesb-sub002/internal/producer"
	"github.com/op3/ucesb-sub002/internal/server"
	"github.com/op3/ucesb-sub002/internal/snapshot"
	"github.com/op3/ucesb-sub002/internal/sticky"
	"github.com/op3/ucesb-sub002/internal/storage"
	"github.com/op3/ucesb-sub002/internal/stream"
	pkgencoder "github.com/op3/ucesb-sub002/pkg/encoder"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broadcast server",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := make(map[string]any)
			if opts, _ := cmd.Flags().GetString("options"); opts != "" {
				overrides["server.options"] = opts
			}
			if src, _ := cmd.Flags().GetString("source"); src != "" {
				overrides["source.type"] = src
			}

			cfg, logger, closeLog, err := loadConfig(cmd, overrides)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("options", "", "server option string, e.g. \"bufsize=64k,stream:6002,flush=1\"")
	cmd.Flags().String("source", "", "event source: kafka, generator or none")
	return cmd
}

// cleanup is run in reverse registration order.
type cleanup struct {
	logger *slog.Logger
	fns    []func() error
	names  []string
}

func (c *cleanup) add(name string, fn func() error) {
	c.names = append(c.names, name)
	c.fns = append(c.fns, fn)
	c.logger.Debug("registered cleanup", "component", name)
}

func (c *cleanup) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			c.logger.Error("cleanup failed", "component", c.names[i], "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *dto.ApplicationConfig, logger *slog.Logger) error {
	logger.Info("starting lmdcast",
		"version", cfg.Application.Version,
		"environment", cfg.Application.Environment,
	)

	opts, err := config.ParseOptions(cfg.Server.Options)
	if err != nil {
		return fmt.Errorf("invalid server options: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cleanups := &cleanup{logger: logger}
	defer cleanups.run()

	services := make([]dispatcher.ServiceConfig, 0, len(opts.Services))
	for _, svc := range opts.Services {
		services = append(services, dispatcher.ServiceConfig{Protocol: svc.Protocol, Host: cfg.Server.Host, Port: svc.Port})
	}
	endpoints, err := dispatcher.Listen(dispatcher.ListenConfig{
		Services:  services,
		ForceMap:  opts.ForceMap,
		NoPortMap: opts.NoPortMap,
	})
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	pool, err := stream.NewPool(stream.Config{
		BufSize:    opts.BufSize,
		StreamBufs: opts.StreamBufs,
		MaxStreams: opts.MaxStreams(),
	})
	if err != nil {
		return fmt.Errorf("failed to create stream pool: %w", err)
	}
	link := stream.NewLink()
	signals := &stream.Signals{}

	d, err := dispatcher.New(dispatcher.Config{
		Pool:      pool,
		Link:      link,
		Signals:   signals,
		Endpoints: endpoints,
		Options: dispatcher.Options{
			Hold:          opts.Hold,
			SendOnce:      opts.SendOnce,
			Flush:         opts.Flush,
			MaxClients:    opts.MaxClients,
			ShutdownGrace: time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second,
		},
		Logger:  logger.With("component", "dispatcher"),
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	store := sticky.New(logger.With("component", "sticky"), sticky.WithMetrics(metrics))
	prod := producer.New(producer.Config{
		Pool:    pool,
		Link:    link,
		Signals: signals,
		Store:   store,
		Done:    d.Done(),
		Logger:  logger.With("component", "producer"),
		Metrics: metrics,
	})

	checker := server.NewBroadcastChecker(d)
	httpServer := server.NewServer(server.Config{
		HealthPort:     cfg.Observability.Health.Port,
		MetricsPort:    cfg.Observability.Metrics.Port,
		LivenessPath:   cfg.Observability.Health.LivenessPath,
		ReadinessPath:  cfg.Observability.Health.ReadinessPath,
		MetricsPath:    cfg.Observability.Metrics.Path,
		MetricsEnabled: cfg.Observability.Metrics.Enabled,
	}, checker, registry, logger)
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	cleanups.add("http-server", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	})

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- d.Run(dispatchCtx)
	}()

	go pollProducer(dispatchCtx, prod, time.Duration(cfg.Server.PollIntervalMS)*time.Millisecond, checker, logger)

	var archiver *snapshot.Archiver
	if cfg.Snapshot.Enabled {
		archiver, err = newArchiver(cfg, prod, logger, metrics)
		if err != nil {
			return err
		}
		cleanups.add("snapshot-archiver", archiver.Close)
		if cfg.Snapshot.IntervalSeconds > 0 {
			go archiver.Run(dispatchCtx, time.Duration(cfg.Snapshot.IntervalSeconds)*time.Second)
		}
	}

	sourceCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	sourceErr, err := startSource(sourceCtx, cfg, prod, checker, logger, metrics, cleanups)
	if err != nil {
		return err
	}

	logger.Info("lmdcast started", "source", cfg.Source.Type)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received termination signal")
	case err := <-sourceErr:
		if err != nil {
			logger.Error("source failed", "error", err)
			checker.Fail(err)
			runErr = err
		} else {
			logger.Info("source finished")
		}
		sourceErr = nil
	case err := <-dispatchErr:
		logger.Error("dispatcher stopped unexpectedly", "error", err)
		return fmt.Errorf("dispatcher stopped: %w", err)
	}

	logger.Info("initiating graceful shutdown")
	grace := time.Duration(cfg.Shutdown.GracePeriodSeconds) * time.Second
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	stopSource()
	if sourceErr != nil {
		select {
		case <-sourceErr:
		case <-deadline.C:
			logger.Warn("source did not stop within grace period")
			stopDispatch()
		}
	}

	if archiver != nil {
		snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := archiver.Take(snapCtx); err != nil {
			logger.Error("final sticky snapshot failed", "error", err)
		}
		cancel()
	}

	// Close blocks while no free stream is available; cancelling the
	// dispatcher releases it.
	go func() {
		if err := prod.Close(); err != nil && !stderrors.Is(err, errors.ErrProducerClosed) {
			logger.Error("failed to close producer", "error", err)
		}
	}()

	select {
	case err := <-dispatchErr:
		if err != nil && !stderrors.Is(err, context.Canceled) {
			logger.Error("dispatcher error", "error", err)
		}
	case <-deadline.C:
		logger.Warn("clients still connected after grace period, closing", "clients", d.Clients())
		stopDispatch()
		<-d.Done()
	}

	logger.Info("lmdcast stopped")
	return runErr
}

// pollProducer lets the producer act on flush and recovery requests while
// no events arrive.
func pollProducer(ctx context.Context, p *producer.Producer, interval time.Duration, checker *server.BroadcastChecker, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(); err != nil {
				if errors.IsFatal(err) {
					checker.Fail(err)
					return
				}
				if !stderrors.Is(err, errors.ErrProducerClosed) {
					logger.Warn("producer poll failed", "error", err)
				}
			}
		}
	}
}

// startSource starts the configured event source. The returned channel
// receives the source's result once it stops; it is nil without a source.
func startSource(
	ctx context.Context,
	cfg *dto.ApplicationConfig,
	prod *producer.Producer,
	checker *server.BroadcastChecker,
	logger *slog.Logger,
	metrics *observability.Metrics,
	cleanups *cleanup,
) (<-chan error, error) {
	errc := make(chan error, 1)

	switch cfg.Source.Type {
	case "kafka":
		security := kafkaSecurity(cfg.Kafka)
		pub, err := kafka.NewDLQPublisher(cfg.Kafka.BootstrapServers, security, kafka.DLQConfig{
			Enabled:     cfg.Kafka.DLQ.Enabled,
			TopicSuffix: cfg.Kafka.DLQ.TopicSuffix,
		}, logger, cfg.Application.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create DLQ publisher: %w", err)
		}
		var dlq kafka.DeadLetterPublisher
		if pub != nil {
			dlq = pub
			cleanups.add("dlq-publisher", pub.Close)
		}

		src, err := kafka.NewSource(kafka.ConsumerConfig{
			BootstrapServers:    cfg.Kafka.BootstrapServers,
			GroupID:             cfg.Kafka.Consumer.GroupID,
			Topics:              cfg.Kafka.Consumer.Topics,
			Security:            security,
			Encoding:            cfg.Kafka.Encoding,
			AutoOffsetReset:     cfg.Kafka.Consumer.AutoOffsetReset,
			MaxPollIntervalMS:   cfg.Kafka.Consumer.MaxPollIntervalMS,
			SessionTimeoutMS:    cfg.Kafka.Consumer.SessionTimeoutMS,
			HeartbeatIntervalMS: cfg.Kafka.Consumer.HeartbeatIntervalMS,
		}, prod, dlq, logger.With("component", "kafka"), metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka source: %w", err)
		}
		cleanups.add("kafka-source", src.Close)

		checker.SetSource("kafka", true)
		go func() {
			err := src.Run(ctx)
			checker.SetSource("kafka", err == nil)
			errc <- err
		}()

	case "generator":
		gen, err := generator.New(generator.Config{
			EventsPerSecond: cfg.Generator.EventsPerSecond,
			StickyEvery:     cfg.Generator.StickyEvery,
			MaxPayloadBytes: cfg.Generator.MaxPayloadBytes,
		}, logger.With("component", "generator"))
		if err != nil {
			return nil, fmt.Errorf("failed to create generator: %w", err)
		}
		checker.SetSource("generator", true)
		go func() {
			err := gen.Run(ctx, prod)
			checker.SetSource("generator", err == nil)
			errc <- err
		}()

	case "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Source.Type)
	}
	return errc, nil
}

func kafkaSecurity(cfg dto.KafkaConfig) kafka.SecurityConfig {
	return kafka.SecurityConfig{
		Protocol:  cfg.SecurityProtocol,
		Mechanism: cfg.SASLMechanism,
		Username:  cfg.SASLUsername,
		Password:  cfg.SASLPassword,
		AWSRegion: cfg.AWSRegion,
	}
}

func newArchiver(cfg *dto.ApplicationConfig, prod *producer.Producer, logger *slog.Logger, metrics *observability.Metrics) (*snapshot.Archiver, error) {
	format := pkgencoder.FileFormat(cfg.Snapshot.Format)
	compression := cfg.Parquet.Compression
	if format == pkgencoder.FormatAvro {
		compression = cfg.Avro.Codec
	}

	writer, err := storage.New(cfg.Storage, format, compression, logger.With("component", "storage"), metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s storage writer: %w", cfg.Storage.Backend, err)
	}
	router := storage.NewRouter(storage.BasePath(cfg.Storage), cfg.Storage.PathTemplate)

	logger.Info("sticky snapshots enabled",
		"backend", cfg.Storage.Backend,
		"format", format,
		"interval_seconds", cfg.Snapshot.IntervalSeconds,
	)
	return snapshot.NewArchiver(prod, writer, router, logger.With("component", "snapshot")), nil
}
