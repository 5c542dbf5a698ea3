package ingress

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/FumingPower3925/ingress/internal/arena"
	"github.com/FumingPower3925/ingress/internal/fault"
	"github.com/FumingPower3925/ingress/internal/frame"
)

type requestState uint8

const (
	requestOpen requestState = iota
	requestFinished
	requestFailed
)

// Request is a request whose head has been accepted and whose body is being
// decoded. It is the incremental form of Ingest, driven by hosts that receive
// bytes from an event loop: Feed as bytes arrive, then Finish once Done.
type Request struct {
	ing     *Ingester
	id      string
	conn    uint64
	framing frame.Framing
	handle  arena.Handle
	dec     *frame.Decoder

	mu     sync.Mutex
	state  requestState
	err    error
	cancel context.CancelFunc
}

// ID returns the request id.
func (r *Request) ID() string { return r.id }

// ConnID returns the id of the owning connection.
func (r *Request) ConnID() uint64 { return r.conn }

// Framing returns the body delimitation chosen for the request:
// "none", "sized" or "chunked".
func (r *Request) Framing() string { return r.framing.Mode.String() }

// KeepAlive reports whether the peer allows the connection to be reused.
func (r *Request) KeepAlive() bool { return r.framing.KeepAlive }

// Done reports whether the body frame is sealed.
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == requestOpen && r.dec.Done()
}

// Err returns the error that failed the request, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Feed consumes body bytes and returns how many belong to this request.
// Bytes past the returned count start the next request on the connection.
// Any error fails the request and, for framing errors, closes the connection.
func (r *Request) Feed(p []byte) (int, error) {
	r.mu.Lock()
	if r.state != requestOpen {
		err := r.stateErr("ingress.feed")
		r.mu.Unlock()
		return 0, err
	}
	n, err := r.dec.Feed(p)
	r.mu.Unlock()
	if err != nil {
		return n, r.fail(err)
	}
	_ = r.ing.registry.Ping(r.conn)
	return n, nil
}

// Finish seals the request. It returns a private copy of the decoded body and
// releases the request's buffer. When sink is not nil the body is also queued
// for batch processing and the result is delivered to sink. Finishing before
// the frame is Done fails with IncompleteFrame.
func (r *Request) Finish(sink ResponseSink) ([]byte, error) {
	r.mu.Lock()
	if r.state != requestOpen {
		err := r.stateErr("ingress.finish")
		r.mu.Unlock()
		return nil, err
	}
	if err := r.dec.Close(); err != nil {
		r.mu.Unlock()
		return nil, r.fail(err)
	}
	body, err := r.ing.arena.Copy(r.handle)
	if err != nil {
		r.mu.Unlock()
		return nil, r.fail(err)
	}
	r.state = requestFinished
	r.mu.Unlock()

	ing := r.ing
	ing.detach(r)
	ing.metrics.requestsPending.Dec()
	r.release()
	ing.accepted.Add(1)
	ing.metrics.requestsTotal.Inc()
	ing.metrics.bodySize.Observe(float64(len(body)))
	ing.logger.Debug("request decoded",
		zap.Uint64("conn", r.conn),
		zap.String("request", r.id),
		zap.Stringer("framing", r.framing.Mode),
		zap.Int("bytes", len(body)),
		zap.Int("chunks", r.dec.Chunks()),
		zap.Int("trailers", r.dec.TrailerCount()),
	)

	if sink != nil {
		if err := ing.enqueue(r, body, sink); err != nil {
			ing.reject(r.conn, r.id, err)
			return body, err
		}
	}
	return body, nil
}

// Abort fails the request with err. A request that already finished or
// failed is left alone and its own error, if any, is returned.
func (r *Request) Abort(err error) error {
	if fault.KindOf(err) == fault.Unknown {
		err = fault.Wrap(fault.IncompleteFrame, "ingress.abort", err)
	}
	return r.fail(err)
}

func (r *Request) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
}

// stateErr returns the failure of a failed request, or InvalidState for a
// finished one; the caller holds r.mu.
func (r *Request) stateErr(op string) error {
	if r.err != nil {
		return r.err
	}
	return fault.Newf(fault.InvalidState, op, "request %s already finished", r.id)
}

// fail moves the request to its terminal failed state exactly once, releases
// its buffer and reports the rejection.
func (r *Request) fail(err error) error {
	r.mu.Lock()
	if r.state != requestOpen {
		prev := r.err
		r.mu.Unlock()
		return prev
	}
	r.state = requestFailed
	r.err = err
	if r.dec != nil {
		_ = r.dec.Abort(err)
	}
	cancel := r.cancel
	counted := r.dec != nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ing := r.ing
	ing.detach(r)
	if counted {
		ing.metrics.requestsPending.Dec()
	}
	r.release()
	ing.reject(r.conn, r.id, err)
	return err
}

// release returns the buffer to the arena unless a connection close already
// did.
func (r *Request) release() {
	if r.handle.IsZero() {
		return
	}
	if r.ing.registry.Disown(r.conn, r.handle) {
		if err := r.ing.arena.Release(r.handle); err != nil {
			r.ing.logger.Warn("buffer release failed", zap.String("request", r.id), zap.Error(err))
		}
	}
}
