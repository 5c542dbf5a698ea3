// Package frame determines how an HTTP/1.1 request body is delimited and
// decodes it incrementally.
package frame

import (
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/FumingPower3925/ingress/internal/fault"
)

// Mode is the body delimitation selected by the request headers.
type Mode uint8

const (
	// ModeNone: no body.
	ModeNone Mode = iota
	// ModeSized: Content-Length delimited.
	ModeSized
	// ModeChunked: Transfer-Encoding: chunked.
	ModeChunked
)

func (m Mode) String() string {
	switch m {
	case ModeSized:
		return "sized"
	case ModeChunked:
		return "chunked"
	default:
		return "none"
	}
}

// Framing is the header snapshot that decides where a request body ends.
type Framing struct {
	Mode                Mode
	ContentLength       int64 // valid when HasContentLength
	HasContentLength    bool
	HasTransferEncoding bool
	KeepAlive           bool
}

// Inspect examines the request headers and selects exactly one body framing.
// It fails with fault.FramingAmbiguity when the headers allow more than one
// reading of the body length, which includes a request carrying both
// Content-Length and Transfer-Encoding.
func Inspect(headers [][2]string) (Framing, error) {
	f := Framing{KeepAlive: true}
	var te []string
	for _, h := range headers {
		name, value := h[0], trimOWS(h[1])
		if !httpguts.ValidHeaderFieldName(name) {
			return Framing{}, fault.Newf(fault.FramingAmbiguity, "frame.inspect", "invalid header field name %q", name)
		}
		switch {
		case asciiEqualFold(name, "Content-Length"):
			cl, ok := parseContentLength(value)
			if !ok {
				return Framing{}, fault.Newf(fault.FramingAmbiguity, "frame.inspect", "invalid content-length %q", value)
			}
			if f.HasContentLength && cl != f.ContentLength {
				return Framing{}, fault.New(fault.FramingAmbiguity, "frame.inspect", "conflicting content-length values")
			}
			f.HasContentLength = true
			f.ContentLength = cl
		case asciiEqualFold(name, "Transfer-Encoding"):
			f.HasTransferEncoding = true
			te = append(te, value)
		case asciiEqualFold(name, "Connection"):
			if httpguts.HeaderValuesContainsToken([]string{value}, "close") {
				f.KeepAlive = false
			}
		}
	}

	if f.HasContentLength && f.HasTransferEncoding {
		return Framing{}, fault.New(fault.FramingAmbiguity, "frame.inspect", "both content-length and transfer-encoding present")
	}
	switch {
	case f.HasTransferEncoding:
		if !onlyChunked(te) {
			return Framing{}, fault.Newf(fault.FramingAmbiguity, "frame.inspect", "unsupported transfer-encoding %q", strings.Join(te, ", "))
		}
		f.Mode = ModeChunked
	case f.HasContentLength && f.ContentLength > 0:
		f.Mode = ModeSized
	default:
		f.Mode = ModeNone
	}
	return f, nil
}

// onlyChunked reports whether the Transfer-Encoding values name the chunked
// coding exactly once and nothing else. Other codings would have to be undone
// before the body is usable and are refused.
func onlyChunked(values []string) bool {
	if !httpguts.HeaderValuesContainsToken(values, "chunked") {
		return false
	}
	n := 0
	for _, v := range values {
		for _, tok := range strings.Split(v, ",") {
			tok = trimOWS(tok)
			if tok == "" {
				continue
			}
			if !asciiEqualFold(tok, "chunked") {
				return false
			}
			n++
		}
	}
	return n == 1
}

// parseContentLength accepts 1*DIGIT only; no sign, no list, no whitespace.
func parseContentLength(v string) (int64, bool) {
	if v == "" || len(v) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func trimOWS(s string) string {
	return strings.Trim(s, " \t")
}

// asciiEqualFold reports whether a equals b under ASCII case-insensitive comparison
func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca |= 0x20
		}
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if ca != cb {
			return false
		}
	}
	return true
}
