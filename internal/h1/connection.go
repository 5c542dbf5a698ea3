package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/pkg/ingress"
)

// outbound is one response waiting for its turn on the wire.
type outbound struct {
	status  int
	headers [][2]string
	body    []byte
	close   bool
}

// Connection represents an HTTP/1.1 connection over gnet. Request heads are
// parsed here; bodies are decoded by the ingestion layer. Responses may
// complete out of order on batch workers and are written in request order.
type Connection struct {
	id     uint64
	ing    *ingress.Ingester
	parser *Parser
	writer *ResponseWriter
	logger *zap.Logger
	cfg    Config

	// Event-loop state.
	buffer  bytes.Buffer // incomplete request head
	head    Request
	body    *ingress.Request
	bodySeq uint64
	halted  bool

	// current mirrors body for the close hook, which runs on other goroutines.
	current atomic.Pointer[ingress.Request]

	mu       sync.Mutex
	assigned uint64 // next sequence number to hand out
	next     uint64 // next sequence number to write
	ready    map[uint64]outbound
	draining bool
}

// NewConnection creates a new HTTP/1.1 connection.
func NewConnection(id uint64, c asyncConn, ing *ingress.Ingester, cfg Config, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		id:     id,
		ing:    ing,
		parser: NewParser(cfg.MaxHeaderBytes),
		writer: NewResponseWriter(c, logger),
		logger: logger,
		cfg:    cfg,
		ready:  make(map[uint64]outbound),
	}
}

// HandleData processes incoming HTTP/1.1 data. Pipelined requests are handled
// one after another; the bytes after one body frame start the next head.
func (c *Connection) HandleData(data []byte) error {
	for len(data) > 0 && !c.halted {
		if c.body != nil {
			data = c.feedBody(data)
			continue
		}
		data = c.parseHead(data)
	}
	return nil
}

// parseHead parses a request head from the pending buffer plus data and
// starts its body. It returns the bytes left after the head.
func (c *Connection) parseHead(data []byte) []byte {
	src := data
	if c.buffer.Len() > 0 {
		c.buffer.Write(data)
		src = c.buffer.Bytes()
	}

	c.parser.Reset(src)
	c.head.Reset()
	consumed, err := c.parser.ParseRequest(&c.head)
	if err != nil {
		c.logger.Debug("parse error", zap.Uint64("conn", c.id), zap.Error(err))
		status := 400
		if errors.Is(err, errHeadTooLarge) {
			status = 431
		}
		c.fail(c.assign(), status, err.Error())
		return nil
	}
	if consumed == 0 {
		if c.buffer.Len() == 0 {
			c.buffer.Write(data)
		}
		return nil
	}

	// Copy the remainder out before the head buffer is reused.
	rest := src[consumed:]
	if c.buffer.Len() > 0 {
		rest = bytes.Clone(rest)
		c.buffer.Reset()
	}

	seq := c.assign()
	if c.head.HasTransferEncoding && c.head.Version == sHTTP10 {
		// HTTP/1.0 has no transfer codings; a peer sending one may disagree
		// with us about where the body ends.
		c.logger.Warn("request rejected",
			zap.Uint64("conn", c.id),
			zap.Stringer("kind", ingress.FramingAmbiguity),
			zap.String("reason", "transfer-encoding in HTTP/1.0 request"),
		)
		c.reject(seq, fmt.Errorf("h1: transfer-encoding in HTTP/1.0 request: %w", ingress.FramingAmbiguity))
		return nil
	}
	r, err := c.ing.Begin(c.id, c.head.Headers)
	if err != nil {
		c.reject(seq, err)
		return nil
	}
	c.body = r
	c.bodySeq = seq
	c.current.Store(r)
	if r.Done() {
		c.finish()
	}
	return rest
}

// feedBody hands body bytes to the in-flight request and returns the bytes
// that belong to the next request.
func (c *Connection) feedBody(data []byte) []byte {
	n, err := c.body.Feed(data)
	if err != nil {
		seq := c.bodySeq
		c.clearBody()
		c.reject(seq, err)
		return nil
	}
	if c.body.Done() {
		c.finish()
	}
	return data[n:]
}

func (c *Connection) finish() {
	r, seq := c.body, c.bodySeq
	keepAlive := c.head.KeepAlive && r.KeepAlive()
	brotliOK := c.head.AcceptsBrotli
	c.clearBody()

	_, err := r.Finish(ingress.SinkFunc(func(resp ingress.Response) {
		c.deliver(seq, c.render(resp, keepAlive, brotliOK))
	}))
	if err != nil {
		c.reject(seq, err)
		return
	}
	if !keepAlive {
		// Nothing after a closing request is read.
		c.halted = true
		c.drain()
	}
}

func (c *Connection) clearBody() {
	c.body = nil
	c.current.Store(nil)
}

// render turns a processed request into its response.
func (c *Connection) render(resp ingress.Response, keepAlive, brotliOK bool) outbound {
	if resp.Err != nil {
		c.logger.Warn("request processing failed",
			zap.Uint64("conn", c.id),
			zap.String("request", resp.RequestID),
			zap.Error(resp.Err),
		)
		return errorResponse(500, "processing failed", !keepAlive)
	}
	headers := [][2]string{
		{"content-type", "application/octet-stream"},
		{"x-request-id", resp.RequestID},
		{"x-batch-id", resp.BatchID},
		{"x-batch-size", strconv.Itoa(resp.BatchSize)},
		{"x-batch-position", strconv.Itoa(resp.Position)},
	}
	body := resp.Body
	if brotliOK {
		if compressed, ok := compressBody(body, c.cfg.CompressMinSize, c.cfg.CompressLevel); ok {
			body = compressed
			headers = append(headers, [2]string{"content-encoding", "br"}, [2]string{"vary", "Accept-Encoding"})
		}
	}
	return outbound{status: 200, headers: headers, body: body, close: !keepAlive}
}

// reject answers seq with the status of err's kind and stops reading when
// the stream can no longer be trusted.
func (c *Connection) reject(seq uint64, err error) {
	kind := ingress.KindOf(err)
	status := kind.Status()
	closeConn := kind.Fatal() || kind.Retryable() || status >= 500
	c.deliver(seq, errorResponse(status, kind.String(), closeConn))
	if closeConn {
		c.halted = true
		c.drain()
	}
}

// fail answers seq with status and closes the connection.
func (c *Connection) fail(seq uint64, status int, msg string) {
	c.deliver(seq, errorResponse(status, msg, true))
	c.halted = true
	c.drain()
}

func errorResponse(status int, msg string, closeConn bool) outbound {
	return outbound{
		status:  status,
		headers: [][2]string{{"content-type", "text/plain; charset=utf-8"}},
		body:    []byte(msg),
		close:   closeConn,
	}
}

func (c *Connection) assign() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.assigned
	c.assigned++
	return seq
}

// deliver records the response for seq and writes every response that is
// now in order. Only the first response for a sequence number counts.
func (c *Connection) deliver(seq uint64, out outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.next {
		return
	}
	if _, dup := c.ready[seq]; dup {
		return
	}
	c.ready[seq] = out
	c.flushLocked()
}

// drain closes the connection once every assigned response is written.
func (c *Connection) drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
	c.flushLocked()
}

func (c *Connection) flushLocked() {
	for {
		out, ok := c.ready[c.next]
		if !ok {
			break
		}
		delete(c.ready, c.next)
		c.next++
		if err := c.writer.WriteResponse(out.status, out.headers, out.body, !out.close); err != nil {
			c.logger.Debug("write failed", zap.Uint64("conn", c.id), zap.Error(err))
		}
		if out.close {
			c.draining = true
			c.next = c.assigned
			clear(c.ready)
			break
		}
	}
	if c.draining && c.next == c.assigned {
		c.writer.CloseAfterFlush()
	}
}

// expire is called when the ingestion layer closed the connection: the
// request still in flight is answered with its failure and the socket is
// closed after the responses already owed.
func (c *Connection) expire() {
	if r := c.current.Load(); r != nil {
		err := r.Err()
		if err == nil {
			err = ingress.IncompleteFrame
		}
		c.mu.Lock()
		seq := c.bodySeqLocked()
		c.mu.Unlock()
		c.deliver(seq, errorResponse(ingress.KindOf(err).Status(), ingress.KindOf(err).String(), true))
	}
	c.drain()
}

// bodySeqLocked returns the sequence number of the in-flight request, which
// is always the last one assigned.
func (c *Connection) bodySeqLocked() uint64 {
	return c.assigned - 1
}

// Close drops the connection from the ingestion layer.
func (c *Connection) Close() error {
	return c.ing.Close(c.id)
}
