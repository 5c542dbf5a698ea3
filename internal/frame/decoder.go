package frame

import (
	"io"

	"github.com/FumingPower3925/ingress/internal/fault"
)

// State is the position of a Decoder within one request body.
type State uint8

const (
	StateAwaitingSizeLine State = iota
	StateReadingChunkData
	StateAwaitingChunkCRLF
	StateAwaitingTrailers
	StateReadingFixed
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingSizeLine:
		return "AwaitingSizeLine"
	case StateReadingChunkData:
		return "ReadingChunkData"
	case StateAwaitingChunkCRLF:
		return "AwaitingChunkCRLF"
	case StateAwaitingTrailers:
		return "AwaitingTrailers"
	case StateReadingFixed:
		return "ReadingFixed"
	case StateDone:
		return "Done"
	default:
		return "Error"
	}
}

// Limits bound the resources one body may consume.
type Limits struct {
	MaxChunkSize      int64 // largest declared chunk
	MaxBodySize       int64 // largest decoded body
	MaxExtensionBytes int   // opaque bytes after ';' on a size line
	MaxTrailerBytes   int   // trailer section, line endings excluded
}

// DefaultLimits returns the decoder defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkSize:      16 << 20,
		MaxBodySize:       64 << 20,
		MaxExtensionBytes: 256,
		MaxTrailerBytes:   8192,
	}
}

// MaxLimit is the ceiling for MaxChunkSize and MaxBodySize. Larger values
// are clamped so size arithmetic cannot overflow.
const MaxLimit int64 = 1 << 40

func (l Limits) normalize() Limits {
	def := DefaultLimits()
	if l.MaxChunkSize <= 0 {
		l.MaxChunkSize = def.MaxChunkSize
	}
	if l.MaxBodySize <= 0 {
		l.MaxBodySize = def.MaxBodySize
	}
	l.MaxChunkSize = min(l.MaxChunkSize, MaxLimit)
	l.MaxBodySize = min(l.MaxBodySize, MaxLimit)
	if l.MaxExtensionBytes <= 0 {
		l.MaxExtensionBytes = def.MaxExtensionBytes
	}
	if l.MaxTrailerBytes <= 0 {
		l.MaxTrailerBytes = def.MaxTrailerBytes
	}
	return l
}

// Chunk describes one decoded chunk. Extension is kept as opaque bytes.
type Chunk struct {
	Size      int64
	Extension []byte
	Offset    int64 // position of the payload within the decoded body
	CRLF      bool  // payload was terminated by CRLF
}

// maxSizeDigits bounds the hex digits of a size line, leading zeros included.
const maxSizeDigits = 32

// Decoder turns the raw body bytes of exactly one request into the decoded
// body written to w. It is driven by Feed as bytes arrive and never reads
// past the end of its own frame.
type Decoder struct {
	w      io.Writer
	limits Limits
	state  State
	err    error

	// size line
	size   int64
	digits int
	inExt  bool
	ext    []byte
	extLen int
	sawCR  bool

	remaining int64 // chunk or fixed body bytes still expected
	crlf      int   // bytes of the post-data CRLF already seen
	received  int64

	cur    Chunk
	chunks int

	trailerLine  int
	trailerBytes int
	trailers     int

	// OnChunk, when set, observes every sealed chunk including the last.
	OnChunk func(Chunk)
}

// NewChunked returns a decoder for a Transfer-Encoding: chunked body.
func NewChunked(w io.Writer, limits Limits) *Decoder {
	return &Decoder{w: w, limits: limits.normalize(), state: StateAwaitingSizeLine}
}

// NewSized returns a decoder for a body of exactly n bytes.
func NewSized(w io.Writer, n int64, limits Limits) *Decoder {
	d := &Decoder{w: w, limits: limits.normalize(), state: StateReadingFixed, remaining: n}
	switch {
	case n > d.limits.MaxBodySize:
		d.fail(fault.Newf(fault.ChunkTooLarge, "frame.sized", "content-length %d exceeds %d", n, d.limits.MaxBodySize))
	case n <= 0:
		d.state = StateDone
	}
	return d
}

// NewEmpty returns a decoder that is already Done.
func NewEmpty() *Decoder {
	return &Decoder{state: StateDone}
}

// New returns the decoder matching f.
func New(f Framing, w io.Writer, limits Limits) *Decoder {
	switch f.Mode {
	case ModeChunked:
		return NewChunked(w, limits)
	case ModeSized:
		return NewSized(w, f.ContentLength, limits)
	default:
		return NewEmpty()
	}
}

// State returns the current state.
func (d *Decoder) State() State { return d.state }

// Err returns the terminal error, if any.
func (d *Decoder) Err() error { return d.err }

// Done reports whether the frame is sealed.
func (d *Decoder) Done() bool { return d.state == StateDone }

// Received returns the number of decoded body bytes written so far.
func (d *Decoder) Received() int64 { return d.received }

// Chunks returns the number of sealed data chunks.
func (d *Decoder) Chunks() int { return d.chunks }

// TrailerCount returns the number of discarded trailer lines.
func (d *Decoder) TrailerCount() int { return d.trailers }

// Feed consumes body bytes and returns how many of p belong to this frame.
// Once the frame is Done the remaining bytes of p are left untouched for the
// next request. Any error moves the decoder to StateError for good; feeding
// a Done or failed decoder returns fault.InvalidState.
func (d *Decoder) Feed(p []byte) (int, error) {
	if d.state == StateDone || d.state == StateError {
		return 0, fault.Newf(fault.InvalidState, "frame.feed", "decoder is %s", d.state)
	}
	i := 0
	for i < len(p) && d.state != StateDone {
		var (
			n   int
			err error
		)
		switch d.state {
		case StateAwaitingSizeLine:
			n, err = d.sizeLine(p[i:])
		case StateReadingChunkData, StateReadingFixed:
			n, err = d.data(p[i:])
		case StateAwaitingChunkCRLF:
			n, err = d.chunkCRLF(p[i:])
		case StateAwaitingTrailers:
			n, err = d.trailer(p[i:])
		}
		i += n
		if err != nil {
			return i, d.fail(err)
		}
	}
	return i, nil
}

// Close signals that no more bytes will arrive. A frame that is not Done
// fails with fault.IncompleteFrame.
func (d *Decoder) Close() error {
	switch d.state {
	case StateDone:
		return nil
	case StateError:
		return d.err
	}
	return d.fail(fault.Newf(fault.IncompleteFrame, "frame.close", "stream ended in %s after %d bytes", d.state, d.received))
}

// Abort fails the decoder with err unless it already finished.
func (d *Decoder) Abort(err error) error {
	if d.state == StateDone || d.state == StateError {
		return d.err
	}
	return d.fail(err)
}

func (d *Decoder) fail(err error) error {
	d.state = StateError
	d.err = err
	return err
}

func (d *Decoder) sizeLine(p []byte) (int, error) {
	for i, b := range p {
		if d.sawCR {
			if b != '\n' {
				return i, fault.New(fault.MalformedChunkSize, "frame.size", "CR not followed by LF")
			}
			return i + 1, d.endSizeLine()
		}
		switch {
		case b == '\r':
			d.sawCR = true
		case b == '\n':
			return i, fault.New(fault.MalformedChunkSize, "frame.size", "bare LF in size line")
		case d.inExt:
			d.extLen++
			if d.extLen > d.limits.MaxExtensionBytes {
				return i, fault.Newf(fault.MalformedChunkSize, "frame.size", "chunk extension exceeds %d bytes", d.limits.MaxExtensionBytes)
			}
			d.ext = append(d.ext, b)
		case b == ';':
			if d.digits == 0 {
				return i, fault.New(fault.MalformedChunkSize, "frame.size", "missing chunk size")
			}
			d.inExt = true
		default:
			v, ok := unhex(b)
			if !ok {
				return i, fault.Newf(fault.MalformedChunkSize, "frame.size", "invalid hex digit %q", b)
			}
			if d.digits++; d.digits > maxSizeDigits {
				return i, fault.New(fault.MalformedChunkSize, "frame.size", "chunk size line too long")
			}
			// Checked before shifting: size<<4|v must not pass MaxChunkSize.
			if d.size > (d.limits.MaxChunkSize-int64(v))>>4 {
				return i, fault.Newf(fault.ChunkTooLarge, "frame.size", "chunk exceeds %d bytes", d.limits.MaxChunkSize)
			}
			d.size = d.size<<4 | int64(v)
		}
	}
	return len(p), nil
}

func (d *Decoder) endSizeLine() error {
	if d.digits == 0 {
		return fault.New(fault.MalformedChunkSize, "frame.size", "empty chunk size")
	}
	if d.size > d.limits.MaxBodySize-d.received {
		return fault.Newf(fault.ChunkTooLarge, "frame.size", "body exceeds %d bytes", d.limits.MaxBodySize)
	}
	d.cur = Chunk{Size: d.size, Extension: d.ext, Offset: d.received}
	size := d.size
	d.size, d.digits, d.inExt, d.ext, d.extLen, d.sawCR = 0, 0, false, nil, 0, false

	if size == 0 {
		d.cur.CRLF = true
		if d.OnChunk != nil {
			d.OnChunk(d.cur)
		}
		d.state = StateAwaitingTrailers
		return nil
	}
	d.remaining = size
	d.state = StateReadingChunkData
	return nil
}

func (d *Decoder) data(p []byte) (int, error) {
	n := len(p)
	if int64(n) > d.remaining {
		n = int(d.remaining)
	}
	if n > 0 {
		if _, err := d.w.Write(p[:n]); err != nil {
			return 0, err
		}
	}
	d.received += int64(n)
	d.remaining -= int64(n)
	if d.remaining > 0 {
		return n, nil
	}
	if d.state == StateReadingFixed {
		d.state = StateDone
		return n, nil
	}
	d.crlf = 0
	d.state = StateAwaitingChunkCRLF
	return n, nil
}

func (d *Decoder) chunkCRLF(p []byte) (int, error) {
	for i, b := range p {
		if d.crlf == 0 {
			if b != '\r' {
				return i, fault.Newf(fault.MalformedChunkBoundary, "frame.boundary", "expected CR after %d byte chunk, got %q", d.cur.Size, b)
			}
			d.crlf = 1
			continue
		}
		if b != '\n' {
			return i, fault.Newf(fault.MalformedChunkBoundary, "frame.boundary", "expected LF after %d byte chunk, got %q", d.cur.Size, b)
		}
		d.crlf = 0
		d.cur.CRLF = true
		d.chunks++
		if d.OnChunk != nil {
			d.OnChunk(d.cur)
		}
		d.state = StateAwaitingSizeLine
		return i + 1, nil
	}
	return len(p), nil
}

// trailer consumes the trailer section. Field lines are counted and dropped
// without interpretation.
func (d *Decoder) trailer(p []byte) (int, error) {
	for i, b := range p {
		if d.sawCR {
			if b != '\n' {
				return i, fault.New(fault.MalformedChunkBoundary, "frame.trailer", "CR not followed by LF")
			}
			d.sawCR = false
			if d.trailerLine == 0 {
				d.state = StateDone
				return i + 1, nil
			}
			d.trailers++
			d.trailerLine = 0
			continue
		}
		switch b {
		case '\r':
			d.sawCR = true
		case '\n':
			return i, fault.New(fault.MalformedChunkBoundary, "frame.trailer", "bare LF in trailer section")
		default:
			d.trailerLine++
			if d.trailerBytes++; d.trailerBytes > d.limits.MaxTrailerBytes {
				return i, fault.Newf(fault.ChunkTooLarge, "frame.trailer", "trailer section exceeds %d bytes", d.limits.MaxTrailerBytes)
			}
		}
	}
	return len(p), nil
}

func unhex(b byte) (byte, bool) {
	switch {
	case '0' <= b && b <= '9':
		return b - '0', true
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10, true
	case 'A' <= b && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
