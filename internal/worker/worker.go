// Package worker scores transactions received from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Predictor produces a decision for one request.
type Predictor interface {
	Predict(ctx context.Context, req *domain.PredictionRequest) (*domain.Decision, error)
}

// Worker consumes TopicTransactionReceived and runs each request through
// the predictor. Requests are sharded by entity over a fixed set of lanes,
// so one entity's transactions are scored in arrival order while different
// entities proceed in parallel.
type Worker struct {
	bus       domain.EventBus
	predictor Predictor
	timeout   time.Duration

	lanes []chan *domain.Message
	sub   domain.Subscription
	wg    sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc
	mu    sync.Mutex

	// laneMu guards sends against closing the lanes.
	laneMu  sync.RWMutex
	drained bool

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency is the number of lanes.
	Concurrency int

	// LaneBuffer is the queue depth of each lane.
	LaneBuffer int

	// Timeout bounds one prediction.
	Timeout time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, predictor Predictor, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		bus:       bus,
		predictor: predictor,
		timeout:   cfg.Timeout,
		lanes:     make([]chan *domain.Message, cfg.Concurrency),
		ctx:       ctx,
		stop:      cancel,
	}
	for i := range w.lanes {
		w.lanes[i] = make(chan *domain.Message, cfg.LaneBuffer)
	}
	return w
}

// Start subscribes to the transaction topic and starts the lanes.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sub != nil {
		return errors.New("worker already started")
	}
	if w.isDrained() {
		return ErrStopped
	}

	for i, lane := range w.lanes {
		w.wg.Add(1)
		go w.runLane(i, lane)
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionReceived, w.dispatch)
	if err != nil {
		w.closeLanes()
		w.wg.Wait()
		w.stop()
		return fmt.Errorf("subscribe to %s: %w", domain.TopicTransactionReceived, err)
	}
	w.sub = sub

	slog.Info("worker started",
		"topic", domain.TopicTransactionReceived,
		"lanes", len(w.lanes),
	)
	return nil
}

// ErrStopped is returned for messages that arrive after Stop.
var ErrStopped = errors.New("worker stopped")

// dispatch routes a message to its entity's lane, blocking while the lane
// is full. A nil return means the message will be processed, even if Stop
// is called right after.
func (w *Worker) dispatch(ctx context.Context, msg *domain.Message) error {
	w.laneMu.RLock()
	defer w.laneMu.RUnlock()
	if w.drained {
		return ErrStopped
	}

	lane := w.lanes[laneFor(msg.Key, len(w.lanes))]
	select {
	case lane <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeLanes stops intake. Lanes keep running until they are empty.
func (w *Worker) closeLanes() {
	w.laneMu.Lock()
	defer w.laneMu.Unlock()
	if w.drained {
		return
	}
	w.drained = true
	for _, lane := range w.lanes {
		close(lane)
	}
}

func (w *Worker) isDrained() bool {
	w.laneMu.RLock()
	defer w.laneMu.RUnlock()
	return w.drained
}

func laneFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (w *Worker) runLane(id int, lane <-chan *domain.Message) {
	defer w.wg.Done()
	for msg := range lane {
		if err := w.process(msg); err != nil {
			w.failed.Add(1)
			slog.Error("transaction processing failed",
				"lane", id,
				"message_id", msg.ID,
				"key", msg.Key,
				"error", err,
			)
			continue
		}
		w.processed.Add(1)
	}
}

// process scores one message. Decisions are published by the predictor.
func (w *Worker) process(msg *domain.Message) error {
	var req domain.PredictionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("%w: decode transaction: %w", domain.ErrInvalidRequest, err)
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.timeout)
	defer cancel()

	d, err := w.predictor.Predict(ctx, &req)
	if err != nil {
		return err
	}

	slog.Debug("transaction processed",
		"message_id", msg.ID,
		"decision_id", d.ID,
		"entity_id", d.EntityID,
		"verdict", d.Verdict,
	)
	return nil
}

// Stop unsubscribes, then scores every message already accepted into a
// lane before returning. A stopped worker cannot be restarted.
func (w *Worker) Stop() error {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	w.closeLanes()
	w.wg.Wait()
	w.stop()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"failed", w.failed.Load(),
	)
	return err
}

// Stats returns worker statistics.
type Stats struct {
	Running   bool  `json:"running"`
	Lanes     int   `json:"lanes"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	running := w.sub != nil
	w.mu.Unlock()

	return Stats{
		Running:   running,
		Lanes:     len(w.lanes),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}
