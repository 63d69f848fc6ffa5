package kafka

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/op3/ucesb-sub002/pkg/event"
)

// PublisherConfig contains Kafka publisher configuration.
type PublisherConfig struct {
	BootstrapServers []string
	Topic            string
	Security         SecurityConfig
	Encoding         string // raw or cloudevents
	Source           string // CloudEvents source attribute
}

// Publisher sends events to a Kafka topic. It is an event.Writer, so any
// event source can feed a topic the Source reads from.
type Publisher struct {
	producer sarama.SyncProducer
	config   PublisherConfig
	logger   *slog.Logger
	now      func() time.Time
}

var _ event.Writer = (*Publisher)(nil)

// NewPublisher creates a synchronous publisher.
func NewPublisher(config PublisherConfig, logger *slog.Logger) (*Publisher, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Compression = sarama.CompressionSnappy
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1

	if err := configureSecurity(sc, config.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	producer, err := sarama.NewSyncProducer(config.BootstrapServers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("kafka publisher created",
		"bootstrap_servers", config.BootstrapServers,
		"topic", config.Topic,
		"encoding", config.Encoding,
	)
	return newPublisher(producer, config, logger), nil
}

func newPublisher(producer sarama.SyncProducer, config PublisherConfig, logger *slog.Logger) *Publisher {
	return &Publisher{producer: producer, config: config, logger: logger, now: time.Now}
}

// WriteEvent publishes one event. replay is ignored.
func (p *Publisher) WriteEvent(ev *event.Record, _ bool) error {
	msg := &sarama.ProducerMessage{Topic: p.config.Topic}

	switch p.config.Encoding {
	case EncodingCloudEvents:
		ce, err := NewCloudEvent(ev, p.config.Source, p.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(ce)
		if err != nil {
			return fmt.Errorf("failed to marshal CloudEvent: %w", err)
		}
		msg.Key = sarama.StringEncoder(ce.ID())
		msg.Value = sarama.ByteEncoder(data)
		msg.Headers = []sarama.RecordHeader{
			{Key: []byte(HeaderContentType), Value: []byte(ContentTypeCloudEvents)},
			{Key: []byte("ce_specversion"), Value: []byte(ce.SpecVersion())},
			{Key: []byte("ce_type"), Value: []byte(ce.Type())},
			{Key: []byte("ce_source"), Value: []byte(ce.Source())},
			{Key: []byte("ce_id"), Value: []byte(ce.ID())},
		}
	case EncodingRaw, "":
		msg.Value = sarama.ByteEncoder(ev.Bytes())
		msg.Headers = []sarama.RecordHeader{
			{Key: []byte(HeaderContentType), Value: []byte(ContentTypeLMD)},
			{Key: []byte(HeaderByteOrder), Value: []byte(HostByteOrder())},
		}
	default:
		return fmt.Errorf("unsupported encoding %q", p.config.Encoding)
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message to Kafka: %w", err)
	}
	p.logger.Debug("event published",
		"topic", p.config.Topic,
		"partition", partition,
		"offset", offset,
		"sticky", ev.IsSticky(),
	)
	return nil
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
