package ingress

import (
	"context"
	"io"
	"sync"
)

// ByteFeed delivers the raw bytes that follow a request head, in arrival
// order. Next blocks until bytes are available, ctx is done or the stream
// ends, in which case it returns io.EOF. A feed may return bytes together
// with io.EOF.
type ByteFeed interface {
	Next(ctx context.Context) ([]byte, error)
}

// BytesFeed serves a fixed sequence of segments, then io.EOF.
type BytesFeed struct {
	segments [][]byte
}

// NewBytesFeed returns a feed over segs. The segments are not copied.
func NewBytesFeed(segs ...[]byte) *BytesFeed {
	return &BytesFeed{segments: segs}
}

// Next returns the next segment.
func (f *BytesFeed) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.segments) == 0 {
		return nil, io.EOF
	}
	p := f.segments[0]
	f.segments = f.segments[1:]
	return p, nil
}

// ChanFeed serves segments received on a channel. Closing the channel ends
// the stream.
type ChanFeed struct {
	c <-chan []byte
}

// NewChanFeed returns a feed reading from c.
func NewChanFeed(c <-chan []byte) *ChanFeed {
	return &ChanFeed{c: c}
}

// Next waits for the next segment.
func (f *ChanFeed) Next(ctx context.Context) ([]byte, error) {
	select {
	case p, ok := <-f.c:
		if !ok {
			return nil, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReaderFeed adapts an io.Reader. Reads run on a background goroutine so
// Next can honor ctx; a read abandoned by ctx is delivered by the next call.
// Close stops the goroutine once the feed is no longer needed.
type ReaderFeed struct {
	r    io.Reader
	size int

	once    sync.Once
	results chan readResult
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

type readResult struct {
	p   []byte
	err error
}

// NewReaderFeed returns a feed that reads up to size bytes at a time from r.
func NewReaderFeed(r io.Reader, size int) *ReaderFeed {
	if size <= 0 {
		size = 4096
	}
	return &ReaderFeed{r: r, size: size, done: make(chan struct{})}
}

func (f *ReaderFeed) pump() {
	defer close(f.results)
	for {
		buf := make([]byte, f.size)
		n, err := f.r.Read(buf)
		select {
		case f.results <- readResult{p: buf[:n], err: err}:
		case <-f.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the bytes of the next read. After Close it returns
// io.ErrClosedPipe.
func (f *ReaderFeed) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return nil, io.ErrClosedPipe
	default:
	}
	if f.err != nil {
		return nil, f.err
	}
	f.once.Do(func() {
		f.results = make(chan readResult, 1)
		go f.pump()
	})
	select {
	case res, ok := <-f.results:
		if !ok {
			return nil, io.EOF
		}
		if res.err != nil {
			f.err = res.err
		}
		return res.p, res.err
	case <-f.done:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background reader. When r is an io.Closer it is closed
// too, which unblocks a pending Read.
func (f *ReaderFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		if c, ok := f.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
