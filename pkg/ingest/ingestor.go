// Package ingest merges state updates pushed by the display app into the
// session's state store.
//
// OnMessage is registered as the transport's data callback. It only queues
// the bytes; a worker goroutine per connection decodes and merges them, so
// messages from one connection apply in arrival order and a slow merge never
// holds up delivery.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// DefaultQueueSize is the per-connection backlog before messages are dropped.
const DefaultQueueSize = 256

var (
	// ErrMalformedMessage indicates bytes that are not a UTF-8 JSON object.
	ErrMalformedMessage = errors.New("ingest: malformed inbound message")

	// ErrClosed indicates the ingestor has been closed.
	ErrClosed = errors.New("ingest: closed")
)

// Merger receives decoded updates. *state.Store implements it.
type Merger interface {
	Merge(map[string]any)
}

// Stats counts ingestion outcomes.
type Stats struct {
	Received  uint64 `json:"received"`
	Merged    uint64 `json:"merged"`
	Malformed uint64 `json:"malformed"`
	Dropped   uint64 `json:"dropped"`
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// WithQueueSize sets the per-connection backlog.
func WithQueueSize(n int) Option {
	return func(i *Ingestor) {
		if n > 0 {
			i.queueSize = n
		}
	}
}

// WithOnMerge registers a callback run on the worker after each merge.
func WithOnMerge(fn func(update map[string]any)) Option {
	return func(i *Ingestor) {
		i.onMerge = fn
	}
}

type worker struct {
	queue chan []byte
	done  chan struct{}

	// prev is the worker of an earlier connection with the same ID. Its
	// backlog is applied before this worker's.
	prev *worker
}

// Ingestor decodes inbound messages and merges them into a Merger.
type Ingestor struct {
	store     Merger
	logger    *slog.Logger
	queueSize int
	onMerge   func(update map[string]any)

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*worker
	draining map[string]*worker
	closed   bool
	wg      sync.WaitGroup

	pending   atomic.Int64
	received  atomic.Uint64
	merged    atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an ingestor writing into store.
func New(store Merger, opts ...Option) *Ingestor {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Ingestor{
		store:     store,
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]*worker),
		draining:  make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("component", "ingest")
	return i
}

// OnMessage queues raw for the connection's worker and returns immediately.
func (i *Ingestor) OnMessage(connID string, raw []byte) {
	data := append([]byte(nil), raw...)
	i.received.Add(1)

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return
	}

	w, ok := i.workers[connID]
	if !ok {
		w = &worker{
			queue: make(chan []byte, i.queueSize),
			done:  make(chan struct{}),
			prev:  i.draining[connID],
		}
		delete(i.draining, connID)
		i.workers[connID] = w
		i.wg.Add(1)
		go i.run(connID, w)
	}

	i.pending.Add(1)
	select {
	case w.queue <- data:
	default:
		i.pending.Add(-1)
		i.dropped.Add(1)
		i.logger.Warn("ingest queue full, dropping message", "conn", connID, "bytes", len(data))
	}
}

// OnDisconnect stops the worker for connID once its backlog is processed.
// A reconnect under the same ID queues behind that backlog.
func (i *Ingestor) OnDisconnect(connID string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if w, ok := i.workers[connID]; ok {
		delete(i.workers, connID)
		i.draining[connID] = w
		close(w.queue)
	}
}

func (i *Ingestor) run(connID string, w *worker) {
	defer i.wg.Done()
	defer func() {
		i.mu.Lock()
		if i.draining[connID] == w {
			delete(i.draining, connID)
		}
		i.mu.Unlock()
		close(w.done)
	}()

	if w.prev != nil {
		select {
		case <-w.prev.done:
		case <-i.ctx.Done():
			return
		}
		w.prev = nil
	}

	for {
		select {
		case <-i.ctx.Done():
			return
		case data, ok := <-w.queue:
			if !ok {
				return
			}
			if err := i.Ingest(data); err != nil {
				i.logger.Warn("discarding inbound message", "conn", connID, "error", err)
			}
			i.pending.Add(-1)
		}
	}
}

// Ingest decodes raw and merges it synchronously. Malformed input leaves
// the store untouched.
func (i *Ingestor) Ingest(raw []byte) error {
	update, err := Decode(raw)
	if err != nil {
		i.malformed.Add(1)
		return err
	}

	i.store.Merge(update)
	i.merged.Add(1)

	if i.onMerge != nil {
		i.onMerge(update)
	}
	return nil
}

// Decode parses raw as a UTF-8 JSON object. Numbers stay json.Number so
// integers and decimals survive unchanged.
func Decode(raw []byte) (map[string]any, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrMalformedMessage)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedMessage)
	}
	return obj, nil
}

// Flush blocks until every queued message has been processed.
func (i *Ingestor) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for i.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

// Close cancels all workers and waits for them to exit. Queued messages
// that have not started are discarded.
func (i *Ingestor) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.cancel()
	for id, w := range i.workers {
		delete(i.workers, id)
		close(w.queue)
	}
	clear(i.draining)
	i.mu.Unlock()

	i.wg.Wait()
}

// Stats returns a snapshot of the outcome counters.
func (i *Ingestor) Stats() Stats {
	return Stats{
		Received:  i.received.Load(),
		Merged:    i.merged.Load(),
		Malformed: i.malformed.Load(),
		Dropped:   i.dropped.Load(),
	}
}
