// Package batch groups decoded requests into size/latency bounded windows and
// processes every member independently.
//
// Batch membership only ever shows up in response metadata. Each entry owns a
// private copy of its body and its own sink, and a Processor call sees nothing
// but the entry it was given.
package batch

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/internal/fault"
)

// Meta is the per-batch annotation attached to every response.
type Meta struct {
	BatchID   string
	BatchSize int
	Position  int
}

// Entry is one decoded request waiting in a batch window.
type Entry struct {
	RequestID  string
	Body       []byte
	EnqueuedAt time.Time
}

// Response is what a sink receives for its own entry.
type Response struct {
	RequestID string
	Body      []byte
	Err       error
	Meta      Meta
}

// Sink receives the response of exactly one entry.
type Sink interface {
	Deliver(Response)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Response)

// Deliver calls f(r).
func (f SinkFunc) Deliver(r Response) { f(r) }

// Processor computes the result for one entry.
type Processor func(ctx context.Context, e Entry) ([]byte, error)

// Echo returns the entry's own body unchanged.
func Echo(_ context.Context, e Entry) ([]byte, error) { return e.Body, nil }

// Config defines the batch window and worker pool.
type Config struct {
	MaxSize    int           // flush when this many entries are queued
	MaxLatency time.Duration // flush this long after the oldest entry
	Workers    int           // ants pool size
	Logger     *zap.Logger
	Now        func() time.Time
	// OnFlush observes every flushed batch size.
	OnFlush func(size int)
}

// DefaultConfig returns the batch defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:    10,
		MaxLatency: 20 * time.Millisecond,
		Workers:    64,
		Logger:     zap.NewNop(),
		Now:        time.Now,
	}
}

type queued struct {
	entry Entry
	sink  Sink
}

// Stats is a snapshot of coordinator activity.
type Stats struct {
	Queued    int
	Flushed   uint64
	Processed uint64
}

// Coordinator batches entries and hands them to a Processor.
type Coordinator struct {
	cfg    Config
	proc   Processor
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []queued
	timer  *time.Timer
	epoch  uint64
	closed bool

	inflight  sync.WaitGroup
	flushed   atomic.Uint64
	processed atomic.Uint64
}

// New creates a Coordinator running proc on a pool of cfg.Workers goroutines.
func New(cfg Config, proc Processor) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if proc == nil {
		proc = Echo
	}

	logger := cfg.Logger
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p any) {
		logger.Error("batch worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("batch: create worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		proc:   proc,
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Enqueue adds a decoded body to the current window. The body is copied, so
// the caller may reuse its slice once Enqueue returns.
func (c *Coordinator) Enqueue(requestID string, body []byte, sink Sink) error {
	if sink == nil {
		return fault.New(fault.InvalidState, "batch.enqueue", "nil sink")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fault.New(fault.InvalidState, "batch.enqueue", "coordinator closed")
	}
	c.queue = append(c.queue, queued{
		entry: Entry{RequestID: requestID, Body: bytes.Clone(body), EnqueuedAt: c.cfg.Now()},
		sink:  sink,
	})
	if len(c.queue) == 1 {
		epoch := c.epoch
		c.timer = time.AfterFunc(c.cfg.MaxLatency, func() { c.flushWindow(epoch) })
	}
	if len(c.queue) < c.cfg.MaxSize {
		c.mu.Unlock()
		return nil
	}
	batch := c.takeLocked()
	c.mu.Unlock()

	go c.dispatch(batch)
	return nil
}

// Len returns the number of queued, not yet flushed entries.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Stats returns a snapshot of coordinator activity.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Queued:    c.Len(),
		Flushed:   c.flushed.Load(),
		Processed: c.processed.Load(),
	}
}

// Flush dispatches the current window immediately.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	batch := c.takeLocked()
	c.mu.Unlock()
	c.dispatch(batch)
}

// Close flushes what is queued, waits for in-flight entries or ctx, and
// releases the worker pool.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	batch := c.takeLocked()
	c.mu.Unlock()
	c.dispatch(batch)

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("batch: close: %w", ctx.Err())
	}
	c.cancel()
	c.pool.Release()
	return err
}

func (c *Coordinator) flushWindow(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	batch := c.takeLocked()
	c.mu.Unlock()
	c.dispatch(batch)
}

// takeLocked detaches the current window; the caller holds c.mu.
func (c *Coordinator) takeLocked() []queued {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.epoch++
	batch := c.queue
	c.queue = nil
	c.inflight.Add(len(batch))
	return batch
}

func (c *Coordinator) dispatch(batch []queued) {
	if len(batch) == 0 {
		return
	}
	id := uuid.NewString()
	c.flushed.Add(1)
	if c.cfg.OnFlush != nil {
		c.cfg.OnFlush(len(batch))
	}
	c.cfg.Logger.Debug("flushing batch", zap.String("batch", id), zap.Int("size", len(batch)))

	for i := range batch {
		q := batch[i]
		meta := Meta{BatchID: id, BatchSize: len(batch), Position: i}
		task := func() {
			defer c.inflight.Done()
			c.process(meta, q)
		}
		if err := c.pool.Submit(task); err != nil {
			c.cfg.Logger.Warn("worker pool rejected entry, processing inline", zap.String("request", q.entry.RequestID), zap.Error(err))
			task()
		}
	}
}

func (c *Coordinator) process(meta Meta, q queued) {
	resp := Response{RequestID: q.entry.RequestID, Meta: meta}
	defer func() {
		if p := recover(); p != nil {
			c.cfg.Logger.Error("processor panic", zap.String("request", q.entry.RequestID), zap.Any("panic", p))
			q.sink.Deliver(Response{RequestID: q.entry.RequestID, Meta: meta, Err: fmt.Errorf("batch: processor panic: %v", p)})
		}
	}()
	resp.Body, resp.Err = c.proc(c.ctx, q.entry)
	c.processed.Add(1)
	q.sink.Deliver(resp)
}
