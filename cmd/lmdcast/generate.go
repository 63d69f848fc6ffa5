package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/op3/ucesb-sub002/internal/generator"
	"github.com/op3/ucesb-sub002/internal/kafka"
	"github.com/op3/ucesb-sub002/pkg/event"
)

func newGenerateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Publish synthetic LMD events to a Kafka topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			defer closeLog()

			topic, _ := cmd.Flags().GetString("topic")
			if topic == "" && len(cfg.Kafka.Consumer.Topics) > 0 {
				topic = cfg.Kafka.Consumer.Topics[0]
			}
			if topic == "" {
				return fmt.Errorf("no topic given and kafka.consumer.topics is empty")
			}
			encoding, _ := cmd.Flags().GetString("encoding")
			if encoding == "" {
				encoding = cfg.Kafka.Encoding
			}
			if encoding == "auto" {
				encoding = "cloudevents"
			}
			count, _ := cmd.Flags().GetInt("count")

			gen, err := generator.New(generator.Config{
				EventsPerSecond: cfg.Generator.EventsPerSecond,
				StickyEvery:     cfg.Generator.StickyEvery,
				MaxPayloadBytes: cfg.Generator.MaxPayloadBytes,
			}, logger)
			if err != nil {
				return err
			}

			pub, err := kafka.NewPublisher(kafka.PublisherConfig{
				BootstrapServers: cfg.Kafka.BootstrapServers,
				Topic:            topic,
				Security:         kafkaSecurity(cfg.Kafka),
				Encoding:         encoding,
				Source:           cfg.Generator.Source,
			}, logger)
			if err != nil {
				return err
			}
			defer pub.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			var w event.Writer = pub
			if count > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithCancel(ctx)
				defer stop()
				w = &limitWriter{w: pub, left: count, done: stop}
			}
			return gen.Run(ctx, w)
		},
	}
	cmd.Flags().String("topic", "", "topic to publish to (default first of kafka.consumer.topics)")
	cmd.Flags().String("encoding", "", "raw or cloudevents (default kafka.encoding)")
	cmd.Flags().Int("count", 0, "stop after this many events (0 runs until interrupted)")
	return cmd
}

// limitWriter forwards a fixed number of events, then calls done and
// drops the rest.
type limitWriter struct {
	w    event.Writer
	left int
	done func()
}

func (l *limitWriter) WriteEvent(ev *event.Record, replay bool) error {
	if l.left <= 0 {
		return nil
	}
	if err := l.w.WriteEvent(ev, replay); err != nil {
		return err
	}
	l.left--
	if l.left == 0 {
		l.done()
	}
	return nil
}
