package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/merlin/internal/domain"
)

const (
	headerMessageID = "merlin-message-id"
	kafkaReadWait   = 3 * time.Second
)

// KafkaBus implements EventBus on Kafka. Messages are keyed by entity so
// each entity's events stay on one partition and keep their order.
type KafkaBus struct {
	brokers []string
	groupID string
	writer  *kafka.Writer

	mu      sync.Mutex
	readers map[string]*kafkaSubscription
}

type kafkaSubscription struct {
	id     string
	topic  string
	reader *kafka.Reader
	cancel context.CancelFunc
	done   chan struct{}
	bus    *KafkaBus
}

// NewKafkaBus creates a Kafka-backed bus. Brokers are only contacted on
// first use.
func NewKafkaBus(cfg domain.EventBusConfig) (*KafkaBus, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", domain.ErrConfiguration)
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "merlin"
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}

	slog.Info("kafka bus configured", "brokers", cfg.KafkaBrokers, "group_id", groupID)

	return &KafkaBus{
		brokers: cfg.KafkaBrokers,
		groupID: groupID,
		writer:  writer,
		readers: make(map[string]*kafkaSubscription),
	}, nil
}

// Publish writes one keyed record to topic.
func (b *KafkaBus) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(uuid.New().String())},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe starts a consumer-group reader for topic. Offsets are committed
// after the handler returns, whatever its result, to avoid poison loops.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  b.groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSubscription{
		id:     uuid.New().String(),
		topic:  topic,
		reader: reader,
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    b,
	}

	b.mu.Lock()
	b.readers[sub.id] = sub
	b.mu.Unlock()

	go sub.consume(subCtx, handler)
	return sub, nil
}

func (s *kafkaSubscription) consume(ctx context.Context, handler domain.MessageHandler) {
	defer close(s.done)

	for {
		readCtx, cancel := context.WithTimeout(ctx, kafkaReadWait)
		km, err := s.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("kafka read failed", "topic", s.topic, "error", err)
			}
			continue
		}

		msg := fromKafka(km)
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error",
				"topic", s.topic,
				"partition", km.Partition,
				"offset", km.Offset,
				"error", err,
			)
		}

		if err := s.reader.CommitMessages(context.WithoutCancel(ctx), km); err != nil {
			slog.Warn("kafka commit failed", "topic", s.topic, "offset", km.Offset, "error", err)
		}
	}
}

func fromKafka(km kafka.Message) *domain.Message {
	msg := &domain.Message{
		Key:       string(km.Key),
		Topic:     km.Topic,
		Payload:   km.Value,
		Metadata:  make(map[string]string, len(km.Headers)+2),
		Timestamp: km.Time.UnixNano(),
	}
	for _, h := range km.Headers {
		if h.Key == headerMessageID {
			msg.ID = string(h.Value)
			continue
		}
		msg.Metadata[h.Key] = string(h.Value)
	}
	if msg.ID == "" {
		msg.ID = km.Topic + "/" + strconv.Itoa(km.Partition) + "/" + strconv.FormatInt(km.Offset, 10)
	}
	msg.Metadata["partition"] = strconv.Itoa(km.Partition)
	msg.Metadata["offset"] = strconv.FormatInt(km.Offset, 10)
	return msg
}

// Ping dials the first reachable broker.
func (b *KafkaBus) Ping(ctx context.Context) error {
	var lastErr error
	for _, addr := range b.brokers {
		conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close stops all readers and flushes the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := make([]*kafkaSubscription, 0, len(b.readers))
	for _, s := range b.readers {
		subs = append(subs, s)
	}
	b.readers = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *kafkaSubscription) stop() error {
	s.cancel()
	<-s.done
	return s.reader.Close()
}

// Unsubscribe stops the reader.
func (s *kafkaSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, active := s.bus.readers[s.id]
	delete(s.bus.readers, s.id)
	s.bus.mu.Unlock()

	if !active {
		return nil
	}
	return s.stop()
}

// Topic returns the subscribed topic.
func (s *kafkaSubscription) Topic() string {
	return s.topic
}
