package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"github.com/op3/ucesb-sub002/internal/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDLQPublisherDisabled(t *testing.T) {
	p, err := NewDLQPublisher(nil, SecurityConfig{}, DLQConfig{Enabled: false}, discardLogger(), "test")
	if err != nil {
		t.Fatalf("NewDLQPublisher() error = %v", err)
	}
	if p != nil {
		t.Errorf("NewDLQPublisher() = %v, want nil", p)
	}
}

func TestDLQPublish(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &sarama.ConsumerMessage{
		Topic:     "lmd",
		Partition: 2,
		Offset:    100,
		Key:       []byte("k"),
		Value:     []byte{0xde, 0xad},
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(out *sarama.ProducerMessage) error {
		if out.Topic != "lmd.dlq" {
			return fmt.Errorf("topic = %s, want lmd.dlq", out.Topic)
		}
		raw, err := out.Value.Encode()
		if err != nil {
			return err
		}
		var ev DLQEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		if ev.OriginalOffset != 100 || ev.OriginalPartition != 2 || ev.FailureReason != "bad" {
			return fmt.Errorf("unexpected DLQ event %+v", ev)
		}
		if string(ev.OriginalValue) != "\xde\xad" {
			return fmt.Errorf("original value = %x", ev.OriginalValue)
		}
		if !ev.FailureTimestamp.Equal(now) {
			return fmt.Errorf("timestamp = %v, want %v", ev.FailureTimestamp, now)
		}
		return nil
	})

	p := newDLQPublisher(producer, DLQConfig{Enabled: true, TopicSuffix: ".dlq"}, discardLogger(), "node-1")
	p.now = func() time.Time { return now }

	if err := p.Publish(context.Background(), msg, "bad"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Publish(context.Background(), msg, "bad"); !stderrors.Is(err, errors.ErrConsumerClosed) {
		t.Errorf("Publish() after Close error = %v, want %v", err, errors.ErrConsumerClosed)
	}
}

func TestDLQPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := newDLQPublisher(producer, DLQConfig{Enabled: true, TopicSuffix: ".dlq"}, discardLogger(), "node-1")
	defer p.Close()

	err := p.Publish(context.Background(), &sarama.ConsumerMessage{Topic: "lmd"}, "bad")
	if !stderrors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Publish() error = %v, want %v", err, sarama.ErrOutOfBrokers)
	}
}
