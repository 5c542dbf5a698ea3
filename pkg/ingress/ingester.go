package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/internal/arena"
	"github.com/FumingPower3925/ingress/internal/batch"
	"github.com/FumingPower3925/ingress/internal/fault"
	"github.com/FumingPower3925/ingress/internal/frame"
	"github.com/FumingPower3925/ingress/internal/registry"
)

const tracerName = "github.com/FumingPower3925/ingress"

// Response is delivered to a ResponseSink once the request's batch entry has
// been processed. The batch fields describe the window the request was
// processed in and never influence Body.
type Response struct {
	RequestID string
	ConnID    uint64
	Body      []byte
	Err       error
	BatchID   string
	BatchSize int
	Position  int
}

// ResponseSink receives the response of one request.
type ResponseSink interface {
	Deliver(Response)
}

// SinkFunc adapts a function to ResponseSink.
type SinkFunc func(Response)

// Deliver calls f(r).
func (f SinkFunc) Deliver(r Response) { f(r) }

// Processor computes the response body for one decoded request. It only ever
// sees that request's own body.
type Processor func(ctx context.Context, requestID string, body []byte) ([]byte, error)

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(i *Ingester) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithRegisterer registers the ingestion metrics with reg. Without it the
// metrics are kept but not exported.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(i *Ingester) { i.registerer = reg }
}

// WithTracerProvider sets the provider for the span started by Ingest. The
// default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(i *Ingester) {
		if tp != nil {
			i.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithProcessor sets the per-request processor run on batch workers. The
// default echoes the decoded body.
func WithProcessor(p Processor) Option {
	return func(i *Ingester) { i.processor = p }
}

// WithCloseHook runs fn after a connection is closed for any reason: an
// explicit Close, a fatal framing error, idle expiry or Shutdown. The request
// the connection was decoding has already failed when fn runs.
func WithCloseHook(fn func(connID uint64)) Option {
	return func(i *Ingester) {
		if fn != nil {
			i.closeHooks = append(i.closeHooks, fn)
		}
	}
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) {
		if now != nil {
			i.now = now
		}
	}
}

// Stats is a point-in-time view of the ingestion layer.
type Stats struct {
	RequestCount    uint64 // accepted requests
	RejectedCount   uint64
	ConnectionCount int
	PendingRequests int
	BufferCacheSize int // pooled buffers ready for reuse
	LiveBuffers     int
	BatchQueueSize  int
	BatchesFlushed  uint64
}

// Ingester is the ingestion facade. It is safe for concurrent use; requests
// on one connection are decoded strictly one after another.
type Ingester struct {
	cfg        Config
	limits     frame.Limits
	logger     *zap.Logger
	tracer     trace.Tracer
	registerer prometheus.Registerer
	processor  Processor
	closeHooks []func(connID uint64)
	now        func() time.Time

	arena    *arena.Arena
	registry *registry.Registry
	batch    *batch.Coordinator
	metrics  *metrics

	mu     sync.Mutex
	active map[uint64]*Request // connection id -> request being decoded

	accepted atomic.Uint64
	rejected atomic.Uint64
	closed   atomic.Bool
}

// New creates an Ingester. cfg is normalized with Validate.
func New(cfg Config, opts ...Option) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Ingester{
		cfg: cfg,
		limits: frame.Limits{
			MaxChunkSize:      cfg.MaxChunkSize,
			MaxBodySize:       cfg.MaxBodySize,
			MaxExtensionBytes: cfg.ChunkExtensionMaxBytes,
			MaxTrailerBytes:   cfg.MaxTrailerBytes,
		},
		logger: zap.NewNop(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		active: make(map[uint64]*Request),
	}
	for _, opt := range opts {
		opt(i)
	}

	i.arena = arena.New(arena.Config{
		BufferSize: cfg.BufferSize,
		MaxBuffers: cfg.MaxBuffers,
		// Bodies up to the largest chunk are worth pooling.
		MaxPooledSize: int(cfg.MaxChunkSize),
		MaxBufferSize: int(cfg.MaxBodySize),
		TTL:           cfg.BufferTTL,
		Logger:        i.logger.Named("arena"),
		Now:           i.now,
	})
	i.registry = registry.New(i.arena, registry.Config{
		MaxConnections: cfg.MaxConnections,
		IdleTimeout:    cfg.ConnectionTimeout,
		Logger:         i.logger.Named("registry"),
		Now:            i.now,
	})
	i.registry.OnClose(i.connectionClosed)
	for _, fn := range i.closeHooks {
		i.registry.OnClose(fn)
	}
	i.metrics = newMetrics(i.registerer, i)

	var proc batch.Processor = batch.Echo
	if i.processor != nil {
		p := i.processor
		proc = func(ctx context.Context, e batch.Entry) ([]byte, error) {
			return p(ctx, e.RequestID, e.Body)
		}
	}
	coord, err := batch.New(batch.Config{
		MaxSize:    cfg.BatchMaxSize,
		MaxLatency: cfg.BatchMaxLatency,
		Workers:    cfg.BatchWorkers,
		Logger:     i.logger.Named("batch"),
		Now:        i.now,
		OnFlush:    func(n int) { i.metrics.batchSize.Observe(float64(n)) },
	}, proc)
	if err != nil {
		return nil, err
	}
	i.batch = coord
	return i, nil
}

// Config returns the normalized configuration.
func (i *Ingester) Config() Config { return i.cfg }

// Open registers a new connection. CapacityExceeded is retryable; the
// caller should answer 503 and close the socket.
func (i *Ingester) Open(connID uint64, remoteAddr string) error {
	if i.closed.Load() {
		return fault.New(fault.InvalidState, "ingress.open", "ingester shut down")
	}
	if _, err := i.registry.Register(connID, remoteAddr); err != nil {
		i.countRejection(fault.KindOf(err))
		i.logger.Warn("connection refused",
			zap.Uint64("conn", connID),
			zap.String("remote", remoteAddr),
			zap.Stringer("kind", fault.KindOf(err)),
			zap.Error(err),
		)
		return err
	}
	i.logger.Debug("connection opened", zap.Uint64("conn", connID), zap.String("remote", remoteAddr))
	return nil
}

// Close closes a connection, releasing its buffers and failing the request
// it was decoding. Closing an unknown connection is a no-op.
func (i *Ingester) Close(connID uint64) error {
	return i.registry.Close(connID)
}

// Begin validates the framing headers of a new request on connID and
// prepares its decoder. The connection is registered on first use. No body
// byte is consumed before the framing is known to be unambiguous.
func (i *Ingester) Begin(connID uint64, headers [][2]string) (*Request, error) {
	if i.closed.Load() {
		return nil, fault.New(fault.InvalidState, "ingress.begin", "ingester shut down")
	}
	if _, err := i.registry.Get(connID); err != nil {
		if err := i.Open(connID, ""); err != nil && !fault.Is(err, fault.AlreadyExists) {
			return nil, err
		}
	}

	id := uuid.NewString()
	framing, err := frame.Inspect(headers)
	if err != nil {
		i.reject(connID, id, err)
		return nil, err
	}

	i.mu.Lock()
	if prev, ok := i.active[connID]; ok {
		i.mu.Unlock()
		err := fault.Newf(fault.InvalidState, "ingress.begin", "connection %d is still decoding request %s", connID, prev.id)
		i.reject(connID, id, err)
		return nil, err
	}
	r := &Request{ing: i, id: id, conn: connID, framing: framing}
	i.active[connID] = r
	i.mu.Unlock()

	if err := i.registry.Touch(connID); err != nil {
		i.detach(r)
		i.reject(connID, id, err)
		return nil, err
	}
	if c, err := i.registry.Get(connID); err == nil {
		c.SetKeepAlive(framing.KeepAlive)
	}

	hint := i.cfg.BufferSize
	// Sized bodies get their whole buffer up front; oversized ones are
	// rejected by the decoder before any allocation matters.
	if framing.Mode == frame.ModeSized && framing.ContentLength <= i.cfg.MaxBodySize {
		hint = int(framing.ContentLength)
	}
	h, err := i.arena.Acquire(connID, hint)
	if err != nil {
		i.detach(r)
		i.reject(connID, id, err)
		return nil, err
	}
	if err := i.registry.Own(connID, h); err != nil {
		_ = i.arena.Release(h)
		i.detach(r)
		i.reject(connID, id, err)
		return nil, err
	}
	dec := frame.New(framing, i.arena.Writer(h), i.limits)
	dec.OnChunk = func(c frame.Chunk) {
		i.logger.Debug("chunk",
			zap.String("request", id),
			zap.Int64("size", c.Size),
			zap.Int64("offset", c.Offset),
			zap.Int("extension", len(c.Extension)),
		)
	}
	setupErr := dec.Err()

	r.mu.Lock()
	if r.state != requestOpen {
		// The connection closed while the request was being set up.
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.handle = h
	r.dec = dec
	r.mu.Unlock()
	i.metrics.requestsPending.Inc()

	if setupErr != nil {
		return nil, r.fail(setupErr)
	}
	return r, nil
}

// Ingest decodes one request body from feed and hands it to the batch
// coordinator, whose result is delivered to sink. A nil sink skips batch
// processing. Every read from feed is bounded by ConnectionTimeout.
func (i *Ingester) Ingest(ctx context.Context, connID uint64, headers [][2]string, feed ByteFeed, sink ResponseSink) Outcome {
	ctx, span := i.tracer.Start(ctx, "ingress.Ingest", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	r, err := i.Begin(connID, headers)
	if err != nil {
		return i.outcome(span, connID, "", nil, nil, err)
	}
	span.SetAttributes(requestAttributes(r)...)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.setCancel(cancel)

	var residual []byte
	for !r.Done() {
		p, rerr := i.next(ctx, feed)
		if len(p) > 0 {
			n, ferr := r.Feed(p)
			if ferr != nil {
				return i.outcome(span, connID, r.id, nil, nil, ferr)
			}
			if n < len(p) {
				residual = append(residual, p[n:]...)
			}
		}
		if rerr == nil || r.Done() {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		return i.outcome(span, connID, r.id, nil, nil, r.Abort(rerr))
	}

	body, err := r.Finish(sink)
	return i.outcome(span, connID, r.id, body, residual, err)
}

// next reads from feed, mapping an idle timeout to IncompleteFrame.
func (i *Ingester) next(ctx context.Context, feed ByteFeed) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, i.cfg.ConnectionTimeout)
	defer cancel()
	p, err := feed.Next(rctx)
	if err == nil || errors.Is(err, io.EOF) {
		return p, err
	}
	if ctx.Err() != nil {
		return p, fault.Wrap(fault.IncompleteFrame, "ingress.read", ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return p, fault.Newf(fault.IncompleteFrame, "ingress.read", "no body bytes for %s", i.cfg.ConnectionTimeout)
	}
	return p, fault.Wrap(fault.IncompleteFrame, "ingress.read", err)
}

// Stats returns a point-in-time view of the ingestion layer.
func (i *Ingester) Stats() Stats {
	as := i.arena.Stats()
	bs := i.batch.Stats()
	i.mu.Lock()
	pending := len(i.active)
	i.mu.Unlock()
	return Stats{
		RequestCount:    i.accepted.Load(),
		RejectedCount:   i.rejected.Load(),
		ConnectionCount: i.registry.Len(),
		PendingRequests: pending,
		BufferCacheSize: as.Idle,
		LiveBuffers:     as.Live,
		BatchQueueSize:  bs.Queued,
		BatchesFlushed:  bs.Flushed,
	}
}

// Run evicts idle pooled buffers and expires idle connections until ctx is
// done.
func (i *Ingester) Run(ctx context.Context) error {
	go i.arena.Run(ctx)

	interval := i.cfg.ConnectionTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if expired := i.registry.Expire(i.now()); len(expired) > 0 {
				i.logger.Info("expired idle connections", zap.Int("count", len(expired)))
			}
		}
	}
}

// Shutdown stops accepting requests, closes every connection and waits for
// queued batch work to be delivered or ctx to end.
func (i *Ingester) Shutdown(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	n := i.registry.CloseAll()
	i.logger.Info("ingester shutting down", zap.Int("connections", n))
	if err := i.batch.Close(ctx); err != nil {
		return fmt.Errorf("ingress: shutdown: %w", err)
	}
	return nil
}

// connectionClosed fails the request still decoding on a closed connection.
// Its buffer has already been released by the registry.
func (i *Ingester) connectionClosed(connID uint64) {
	i.mu.Lock()
	r := i.active[connID]
	i.mu.Unlock()
	if r == nil {
		return
	}
	r.fail(fault.Newf(fault.IncompleteFrame, "ingress.close", "connection %d closed mid-frame", connID))
}

func (i *Ingester) detach(r *Request) {
	i.mu.Lock()
	if i.active[r.conn] == r {
		delete(i.active, r.conn)
	}
	i.mu.Unlock()
}

// reject logs and counts a failed request and closes the connection when
// the failure leaves the byte stream desynchronized.
func (i *Ingester) reject(connID uint64, requestID string, err error) {
	kind := fault.KindOf(err)
	i.countRejection(kind)
	i.logger.Warn("request rejected",
		zap.Uint64("conn", connID),
		zap.String("request", requestID),
		zap.Stringer("kind", kind),
		zap.Error(err),
	)
	if kind.Fatal() {
		_ = i.registry.Close(connID)
	}
}

func (i *Ingester) countRejection(kind fault.Kind) {
	i.rejected.Add(1)
	i.metrics.rejectedTotal.WithLabelValues(kind.String()).Inc()
}

// enqueue hands a sealed body to the batch coordinator.
func (i *Ingester) enqueue(r *Request, body []byte, sink ResponseSink) error {
	conn := r.conn
	return i.batch.Enqueue(r.id, body, batch.SinkFunc(func(resp batch.Response) {
		sink.Deliver(Response{
			RequestID: resp.RequestID,
			ConnID:    conn,
			Body:      resp.Body,
			Err:       resp.Err,
			BatchID:   resp.Meta.BatchID,
			BatchSize: resp.Meta.BatchSize,
			Position:  resp.Meta.Position,
		})
	}))
}
