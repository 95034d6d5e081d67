package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/opensource-finance/merlin/internal/domain"
)

func waitFor(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timeout waiting for messages")
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var receivedMsg *domain.Message
		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		if err := bus.Publish(ctx, "test.topic", "user-001", []byte("hello")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
		waitFor(t, &wg, time.Second)

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Key != "user-001" {
			t.Errorf("expected key 'user-001', got '%s'", receivedMsg.Key)
		}
		if receivedMsg.ID == "" {
			t.Error("expected message ID")
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		bus.Subscribe(ctx, "isolation.a", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			wg.Done()
			return nil
		})
		bus.Subscribe(ctx, "isolation.b", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		bus.Publish(ctx, "isolation.a", "k", []byte("msg1"))
		waitFor(t, &wg, time.Second)
		time.Sleep(20 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("topic a should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("topic b should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		var wg sync.WaitGroup
		wg.Add(1)

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			wg.Done()
			return nil
		})

		bus.Publish(ctx, "unsub.topic", "k", []byte("msg1"))
		waitFor(t, &wg, time.Second)

		sub.Unsubscribe()

		bus.Publish(ctx, "unsub.topic", "k", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		for i := 0; i < 2; i++ {
			bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
				wg.Done()
				return nil
			})
		}

		bus.Publish(ctx, "multi.topic", "k", []byte("broadcast"))
		waitFor(t, &wg, time.Second)
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusPreservesOrder(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	const messageCount = 200

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "order.topic", func(ctx context.Context, msg *domain.Message) error {
		n, _ := strconv.Atoi(string(msg.Payload))
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "order.topic", "user-001", []byte(strconv.Itoa(i)))
	}
	waitFor(t, &wg, 5*time.Second)

	for i, n := range got {
		if n != i {
			t.Fatalf("message %d out of order: got %d", i, n)
		}
	}
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	block := make(chan struct{})
	defer close(block)

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-block
		return nil
	})

	for i := 0; i < 10; i++ {
		if err := bus.Publish(ctx, "slow.topic", "k", []byte("x")); err != nil {
			t.Fatalf("publish must not fail on a full buffer: %v", err)
		}
	}

	if bus.Dropped() == 0 {
		t.Error("expected dropped messages")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)
	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", "k", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "close.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		if _, ok := bus.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("None", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "none"})
		if err != nil || bus != nil {
			t.Errorf("expected nil bus without error, got %v, %v", bus, err)
		}
	})

	t.Run("KafkaWithoutBrokers", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "kafka"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("KafkaLazyConnect", func(t *testing.T) {
		bus, err := New(domain.EventBusConfig{Type: "kafka", KafkaBrokers: []string{"127.0.0.1:1"}})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := bus.Ping(ctx); err == nil {
			t.Error("expected ping to fail against a closed port")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.EventBusConfig{Type: "rabbitmq"})
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})
}

func TestFromKafka(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := fromKafka(kafka.Message{
		Topic:     domain.TopicTransactionReceived,
		Partition: 2,
		Offset:    41,
		Key:       []byte("user-001"),
		Value:     []byte(`{}`),
		Time:      at,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte("msg-1")},
			{Key: "traceparent", Value: []byte("00-abc-def-01")},
		},
	})

	if msg.ID != "msg-1" || msg.Key != "user-001" || msg.Topic != domain.TopicTransactionReceived {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Metadata["traceparent"] != "00-abc-def-01" || msg.Metadata["partition"] != "2" || msg.Metadata["offset"] != "41" {
		t.Errorf("unexpected metadata: %v", msg.Metadata)
	}
	if msg.Timestamp != at.UnixNano() {
		t.Errorf("unexpected timestamp %d", msg.Timestamp)
	}

	noID := fromKafka(kafka.Message{Topic: "t", Partition: 0, Offset: 7})
	if noID.ID != "t/0/7" {
		t.Errorf("expected positional ID, got %s", noID.ID)
	}
}

func TestPublisher(t *testing.T) {
	bus := NewChannelBus(10)
	defer bus.Close()
	ctx := context.Background()

	var decisions, alerts atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3) // two decisions, one alert

	bus.Subscribe(ctx, domain.TopicDecision, func(ctx context.Context, msg *domain.Message) error {
		var d domain.Decision
		if err := json.Unmarshal(msg.Payload, &d); err != nil {
			t.Errorf("bad decision payload: %v", err)
		}
		if msg.Key != d.EntityID {
			t.Errorf("expected key %s, got %s", d.EntityID, msg.Key)
		}
		decisions.Add(1)
		wg.Done()
		return nil
	})
	bus.Subscribe(ctx, domain.TopicAlert, func(ctx context.Context, msg *domain.Message) error {
		alerts.Add(1)
		wg.Done()
		return nil
	})

	p := NewPublisher(bus)
	if err := p.PublishDecision(ctx, &domain.Decision{ID: "d1", EntityID: "user-001", Verdict: domain.VerdictAllow}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := p.PublishDecision(ctx, &domain.Decision{ID: "d2", EntityID: "user-002", Verdict: domain.VerdictBlock}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, &wg, time.Second)

	if decisions.Load() != 2 || alerts.Load() != 1 {
		t.Errorf("expected 2 decisions and 1 alert, got %d and %d", decisions.Load(), alerts.Load())
	}

	bus.Close()
	if err := p.PublishDecision(ctx, &domain.Decision{ID: "d3", Verdict: domain.VerdictFlag}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
