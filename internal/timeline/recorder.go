// internal/timeline/recorder.go

// Package timeline records session activity events. Events are buffered in
// the background and flushed in batches, so the import path never waits on
// the events table.
package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nullmap-sec/riskgraph/api/schemas"
	"github.com/nullmap-sec/riskgraph/internal/config"
	"github.com/nullmap-sec/riskgraph/internal/store"
)

// flushTimeout bounds one persistence attempt; flushes run on a background
// context so a cancelled import cannot lose its tail of events.
const flushTimeout = 30 * time.Second

// Recorder manages the ingestion, batching, and persistence of timeline
// events. Record never blocks: when the intake channel is full the event is
// dropped with a warning rather than stalling an import.
type Recorder struct {
	repo   store.Repository
	logger *zap.Logger
	cfg    config.ImportConfig

	input  chan schemas.Event
	buffer []schemas.Event
	mu     sync.Mutex
	wg     sync.WaitGroup

	flushSignal chan struct{}
	stopSignal  chan struct{}
}

// NewRecorder initializes a recorder persisting into the given repository.
func NewRecorder(repo store.Repository, logger *zap.Logger, cfg config.ImportConfig) *Recorder {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	if cfg.EventFlushInterval <= 0 {
		cfg.EventFlushInterval = 2 * time.Second
	}

	return &Recorder{
		repo:        repo,
		logger:      logger.Named("timeline"),
		cfg:         cfg,
		input:       make(chan schemas.Event, cfg.EventBufferSize),
		buffer:      make([]schemas.Event, 0, cfg.EventBufferSize),
		flushSignal: make(chan struct{}, 1), // Buffered channel to prevent blocking on signal send
		stopSignal:  make(chan struct{}),
	}
}

// Record stamps and queues one event. Events recorded while the intake
// channel is full are dropped.
func (r *Recorder) Record(e schemas.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	select {
	case r.input <- e:
	default:
		r.logger.Warn("Event buffer full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.String("session_id", e.SessionID))
	}
}

// Start launches the background processing loop.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.EventFlushInterval)
	defer ticker.Stop()

	r.logger.Info("Timeline recorder started.",
		zap.Int("buffer_size", r.cfg.EventBufferSize),
		zap.Duration("flush_interval", r.cfg.EventFlushInterval))

	for {
		select {
		case e := <-r.input:
			r.bufferEvent(e)

		case <-ticker.C:
			// Time-based flush
			r.flush()

		case <-r.flushSignal:
			// Explicit flush requested (batch size reached)
			r.flush()

		case <-ctx.Done():
			r.logger.Warn("Context cancelled. Stopping recorder and attempting final flush.")
			r.drainChannel()
			r.flush()
			return

		case <-r.stopSignal:
			r.logger.Info("Stop signal received. Draining channel and flushing remaining buffer.")
			r.drainChannel()
			r.flush()
			return
		}
	}
}

// drainChannel reads any remaining events from the intake channel until it is empty.
func (r *Recorder) drainChannel() {
	for {
		select {
		case e := <-r.input:
			r.bufferEvent(e)
		default:
			return
		}
	}
}

// bufferEvent appends one event and triggers a flush once a full batch has
// accumulated.
func (r *Recorder) bufferEvent(e schemas.Event) {
	r.mu.Lock()
	r.buffer = append(r.buffer, e)
	bufferLen := len(r.buffer)
	r.mu.Unlock()

	if bufferLen >= r.cfg.EventBufferSize {
		select {
		case r.flushSignal <- struct{}{}:
		default:
			// Signal already pending, skip sending another one.
		}
	}
}

// flush persists the current buffer.
func (r *Recorder) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	toPersist := make([]schemas.Event, len(r.buffer))
	copy(toPersist, r.buffer)
	r.buffer = r.buffer[:0]
	r.mu.Unlock()

	r.logger.Debug("Flushing events.", zap.Int("count", len(toPersist)))

	// Persist in a separate goroutine to keep the main loop responsive. The
	// store tolerates sessions deleted between buffering and flush.
	r.wg.Add(1)
	go func(batch []schemas.Event) {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		if err := r.repo.RecordEvents(ctx, batch); err != nil {
			r.logger.Error("Failed to persist event batch.", zap.Error(err), zap.Int("batch_size", len(batch)))
		}
	}(toPersist)
}

// Stop gracefully shuts down the recorder, ensuring all buffered events are
// persisted. Safe to call more than once.
func (r *Recorder) Stop() {
	select {
	case <-r.stopSignal:
		// Already closed
	default:
		close(r.stopSignal)
	}

	r.wg.Wait()
	r.logger.Info("Timeline recorder stopped.")
}
