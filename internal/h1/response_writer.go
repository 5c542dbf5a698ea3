package h1

import (
	"strconv"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/internal/date"
)

// Pre-allocated common headers to avoid allocations
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerContentLength = []byte("content-length: ")
	headerConnection    = []byte("connection: ")
	headerDate          = []byte("date: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
	crlf                = []byte("\r\n")

	// Buffer pool for response assembly
	responseBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 16384)
			return &b
		},
	}
)

// asyncConn is the part of gnet.Conn the writer needs.
type asyncConn interface {
	AsyncWritev(bs [][]byte, callback gnet.AsyncCallback) error
	Close() error
}

// ResponseWriter writes complete HTTP/1.1 responses with batched
// AsyncWritev calls. It may be used from any goroutine.
type ResponseWriter struct {
	conn       asyncConn
	mu         sync.Mutex
	logger     *zap.Logger
	pending    [][]byte
	inflight   bool
	closeAfter bool
	closed     bool
	written    int64
}

// NewResponseWriter creates a new HTTP/1.1 response writer.
func NewResponseWriter(conn asyncConn, logger *zap.Logger) *ResponseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseWriter{
		conn:   conn,
		logger: logger,
	}
}

// WriteResponse assembles status, headers and body into a single buffer and
// queues it. content-length is always set from body.
func (w *ResponseWriter) WriteResponse(status int, headers [][2]string, body []byte, keepAlive bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.closeAfter {
		return nil
	}

	bufPtr := responseBufferPool.Get().(*[]byte)
	buf := (*bufPtr)[:0]

	// Status line (fast-path for 200)
	if status == 200 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, "HTTP/1.1 "...)
		buf = strconv.AppendInt(buf, int64(status), 10)
		buf = append(buf, ' ')
		buf = append(buf, statusText(status)...)
		buf = append(buf, crlf...)
	}

	buf = append(buf, headerContentLength...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, headerDate...)
	buf = append(buf, date.Current()...)
	buf = append(buf, crlf...)
	for _, h := range headers {
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}

	buf = append(buf, headerConnection...)
	if keepAlive {
		buf = append(buf, headerKeepAlive...)
	} else {
		buf = append(buf, headerClose...)
	}
	buf = append(buf, crlf...)
	buf = append(buf, body...)

	// The assembled bytes are owned by the pending write; only the empty
	// pooled slice header goes back to the pool.
	out := make([]byte, len(buf))
	copy(out, buf)
	if cap(buf) <= 65536 {
		*bufPtr = buf[:0]
		responseBufferPool.Put(bufPtr)
	}

	w.pending = append(w.pending, out)
	w.written += int64(len(out))
	return w.flush()
}

// CloseAfterFlush closes the connection once every queued response has been
// written. Later responses are dropped.
func (w *ResponseWriter) CloseAfterFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeAfter = true
	_ = w.flush()
}

// Written returns the number of response bytes queued so far.
func (w *ResponseWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// flush sends all pending data using AsyncWritev; the caller holds w.mu.
func (w *ResponseWriter) flush() error {
	if w.closed || w.inflight {
		return nil
	}
	if len(w.pending) == 0 {
		if w.closeAfter {
			w.closed = true
			return w.conn.Close()
		}
		return nil
	}

	batch := w.pending
	w.pending = nil
	w.inflight = true

	// Use vectorized async write to minimize syscalls
	return w.conn.AsyncWritev(batch, w.onWritten)
}

func (w *ResponseWriter) onWritten(_ gnet.Conn, err error) error {
	if err != nil {
		w.logger.Debug("async write failed", zap.Error(err))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight = false
	if err != nil {
		w.pending = nil
		w.closed = true
		return nil
	}
	return w.flush()
}

// statusText returns the status text for the codes this server sends.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 409:
		return "Conflict"
	case 413:
		return "Payload Too Large"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
