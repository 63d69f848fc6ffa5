// Package kafka connects the broadcast server to Kafka: a consumer-group
// source that feeds events to the producer, a publisher for LMD events and
// a dead letter queue for messages that cannot be decoded.
package kafka

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/op3/ucesb-sub002/internal/errors"
	"github.com/op3/ucesb-sub002/pkg/event"
)

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	BootstrapServers    []string
	GroupID             string
	Topics              []string
	Security            SecurityConfig
	Encoding            string
	AutoOffsetReset     string
	MaxPollIntervalMS   int
	SessionTimeoutMS    int
	HeartbeatIntervalMS int
}

// MetricsCollector defines metrics operations for the Kafka source.
type MetricsCollector interface {
	IncMessagesConsumed(topic string, partition int32)
	IncRebalances(groupID string)
}

// DeadLetterPublisher receives messages the source could not use.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, msg *sarama.ConsumerMessage, reason string) error
}

// Source consumes LMD events from Kafka and writes them to an event.Writer.
type Source struct {
	group   sarama.ConsumerGroup
	config  ConsumerConfig
	writer  event.Writer
	dlq     DeadLetterPublisher
	logger  *slog.Logger
	metrics MetricsCollector

	mu     sync.Mutex
	closed bool
}

func newSaramaConfig(config ConsumerConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	sc.Consumer.Return.Errors = true

	if config.SessionTimeoutMS > 0 {
		sc.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMS) * time.Millisecond
	}
	if config.HeartbeatIntervalMS > 0 {
		sc.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatIntervalMS) * time.Millisecond
	}
	// Writes block while the dispatcher has no free stream.
	sc.Consumer.MaxProcessingTime = 5 * time.Minute
	if config.MaxPollIntervalMS > 0 {
		sc.Consumer.MaxProcessingTime = time.Duration(config.MaxPollIntervalMS) * time.Millisecond
	}

	if err := configureSecurity(sc, config.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return sc, nil
}

// NewSource creates a consumer-group source. dlq and metrics may be nil.
func NewSource(
	config ConsumerConfig,
	writer event.Writer,
	dlq DeadLetterPublisher,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*Source, error) {
	sc, err := newSaramaConfig(config)
	if err != nil {
		return nil, err
	}
	group, err := sarama.NewConsumerGroup(config.BootstrapServers, config.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka source created",
		"group_id", config.GroupID,
		"topics", config.Topics,
		"bootstrap_servers", config.BootstrapServers,
		"encoding", config.Encoding,
	)
	return newSource(group, config, writer, dlq, logger, metrics), nil
}

func newSource(
	group sarama.ConsumerGroup,
	config ConsumerConfig,
	writer event.Writer,
	dlq DeadLetterPublisher,
	logger *slog.Logger,
	metrics MetricsCollector,
) *Source {
	return &Source{
		group:   group,
		config:  config,
		writer:  writer,
		dlq:     dlq,
		logger:  logger,
		metrics: metrics,
	}
}

// Run consumes until ctx is cancelled or a fatal error occurs. Only
// fatal errors are returned.
func (s *Source) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.ErrConsumerClosed
	}
	s.mu.Unlock()

	h := &groupHandler{source: s}
	go func() {
		for err := range s.group.Errors() {
			s.logger.Warn("consumer group error", "error", err)
		}
	}()

	for {
		if err := s.group.Consume(ctx, s.config.Topics, h); err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			if err := h.err(); err != nil {
				return err
			}
			s.logger.Error("consume failed", "error", err)
		}
		if err := h.err(); err != nil {
			return err
		}
		if ctx.Err() != nil {
			s.logger.Info("kafka source stopped")
			return nil
		}
	}
}

// Close leaves the consumer group.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.group.Close(); err != nil {
		return fmt.Errorf("failed to close consumer group: %w", err)
	}
	s.logger.Info("kafka source closed")
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	source *Source
	fatal  error
	mu     sync.Mutex
}

func (h *groupHandler) err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.source.logger.Info("consumer group session setup",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"claims", session.Claims(),
	)
	if h.source.metrics != nil {
		h.source.metrics.IncRebalances(h.source.config.GroupID)
	}
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.source.logger.Info("consumer group session cleanup", "member_id", session.MemberID())
	return nil
}

// ConsumeClaim writes the messages of one partition. Claims of different
// partitions run concurrently; the writer serializes them.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handle(session.Context(), msg); err != nil {
				h.mu.Lock()
				if h.fatal == nil {
					h.fatal = err
				}
				h.mu.Unlock()
				return err
			}
			session.MarkMessage(msg, "")
			if h.source.metrics != nil {
				h.source.metrics.IncMessagesConsumed(msg.Topic, msg.Partition)
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// handle writes one message. Only fatal errors are returned; unusable
// messages go to the dead letter queue.
func (h *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	s := h.source
	rec, err := DecodeMessage(msg.Value, headerMap(msg.Headers), s.config.Encoding)
	if err == nil {
		err = s.writer.WriteEvent(rec, false)
	}
	if err == nil {
		return nil
	}

	perr := &errors.ProcessingError{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Err: err}
	if errors.IsFatal(err) || stderrors.Is(err, errors.ErrProducerClosed) {
		return perr
	}
	s.logger.Warn("dropping message", "error", perr)
	if s.dlq != nil {
		if err := s.dlq.Publish(ctx, msg, err.Error()); err != nil {
			s.logger.Error("failed to publish to DLQ", "error", err, "offset", msg.Offset)
		}
	}
	return nil
}

func headerMap(headers []*sarama.RecordHeader) map[string]string {
	result := make(map[string]string, len(headers))
	for _, h := range headers {
		result[string(h.Key)] = string(h.Value)
	}
	return result
}

// offsetInitial converts the AutoOffsetReset config to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	if autoOffsetReset == "earliest" {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}
