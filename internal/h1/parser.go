// Package h1 provides the HTTP/1.1 host server that feeds connections into
// the ingestion layer using gnet.
package h1

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/net/http/httpguts"
)

// Request is a parsed HTTP/1.1 request head. Body framing is not decided
// here; the headers are handed to the ingestion layer as received.
type Request struct {
	Method  string
	Path    string
	Version string
	Host    string
	Headers [][2]string
	// KeepAlive follows the version default and the Connection header.
	KeepAlive bool
	// AcceptsBrotli is set when Accept-Encoding lists br.
	AcceptsBrotli bool
	// HasTransferEncoding is set when any Transfer-Encoding field is present.
	HasTransferEncoding bool
}

// Reset clears the request fields for reuse.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Host = ""
	r.Headers = r.Headers[:0]
	r.KeepAlive = false
	r.AcceptsBrotli = false
	r.HasTransferEncoding = false
}

var (
	bGET    = []byte("GET")
	bPOST   = []byte("POST")
	bHTTP11 = []byte("HTTP/1.1")
	bHTTP10 = []byte("HTTP/1.0")
	bCRLF   = []byte("\r\n")

	sGET    = "GET"
	sPOST   = "POST"
	sHTTP11 = "HTTP/1.1"
	sHTTP10 = "HTTP/1.0"
)

// errHeadTooLarge is returned when no complete head fits in MaxHeaderBytes.
var errHeadTooLarge = errors.New("request head too large")

// Parser parses request heads. It is strict: anything that two HTTP
// implementations could read differently is an error.
type Parser struct {
	buf      []byte
	pos      int
	maxBytes int
}

// NewParser creates a parser accepting heads of up to maxBytes bytes.
func NewParser(maxBytes int) *Parser {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Parser{maxBytes: maxBytes}
}

// Reset resets the parser with new buffer data.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// ParseRequest parses the request line and headers from the buffer.
// It returns the number of bytes consumed, or 0 when more data is needed.
func (p *Parser) ParseRequest(req *Request) (int, error) {
	complete, err := p.parseRequestLine(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, p.needMore()
	}

	req.KeepAlive = req.Version == sHTTP11
	complete, err = p.parseHeaders(req)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, p.needMore()
	}

	if req.Host == "" && req.Version == sHTTP11 {
		return 0, fmt.Errorf("missing Host header")
	}
	return p.pos, nil
}

func (p *Parser) needMore() error {
	if len(p.buf) > p.maxBytes {
		return errHeadTooLarge
	}
	return nil
}

// parseRequestLine parses METHOD SP PATH SP VERSION CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	lineEnd := bytes.Index(p.buf[p.pos:], bCRLF)
	if lineEnd == -1 {
		return false, nil
	}
	line := p.buf[p.pos : p.pos+lineEnd]
	p.pos += lineEnd + 2

	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, fmt.Errorf("invalid request line")
	}
	switch {
	case bytes.Equal(parts[0], bGET):
		req.Method = sGET
	case bytes.Equal(parts[0], bPOST):
		req.Method = sPOST
	default:
		req.Method = string(parts[0])
		if !httpguts.ValidHeaderFieldName(req.Method) {
			return false, fmt.Errorf("invalid method %q", req.Method)
		}
	}
	for _, b := range parts[1] {
		if b <= ' ' || b == 0x7f {
			return false, fmt.Errorf("invalid request target")
		}
	}
	req.Path = string(parts[1])
	switch {
	case bytes.Equal(parts[2], bHTTP11):
		req.Version = sHTTP11
	case bytes.Equal(parts[2], bHTTP10):
		req.Version = sHTTP10
	default:
		return false, fmt.Errorf("unsupported HTTP version: %q", parts[2])
	}
	return true, nil
}

// parseHeaders parses headers until CRLF CRLF, advancing p.pos.
// Returns complete=false if more data is needed.
func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		lineEnd := bytes.Index(p.buf[p.pos:], bCRLF)
		if lineEnd == -1 {
			return false, nil
		}
		line := p.buf[p.pos : p.pos+lineEnd]
		p.pos += lineEnd + 2
		if len(line) == 0 {
			return true, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return false, fmt.Errorf("obsolete header line folding")
		}
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return false, fmt.Errorf("invalid header line")
		}
		if err := p.appendHeader(req, line[:colonIdx], bytes.Trim(line[colonIdx+1:], " \t")); err != nil {
			return false, err
		}
	}
}

// appendHeader validates and records a single header field. Whitespace
// between the field name and the colon is rejected rather than trimmed.
func (p *Parser) appendHeader(req *Request, rawName, rawValue []byte) error {
	name, value := string(rawName), string(rawValue)
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header field name %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %q", name)
	}
	req.Headers = append(req.Headers, [2]string{name, value})

	switch {
	case asciiEqualFold(rawName, "Host"):
		if req.Host != "" {
			return fmt.Errorf("duplicate Host header")
		}
		req.Host = value
	case asciiEqualFold(rawName, "Connection"):
		if httpguts.HeaderValuesContainsToken([]string{value}, "close") {
			req.KeepAlive = false
		} else if httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive") {
			req.KeepAlive = true
		}
	case asciiEqualFold(rawName, "Transfer-Encoding"):
		req.HasTransferEncoding = true
	case asciiEqualFold(rawName, "Accept-Encoding"):
		if httpguts.HeaderValuesContainsToken([]string{value}, "br") {
			req.AcceptsBrotli = true
		}
	}
	return nil
}

// asciiEqualFold reports whether b equals s under ASCII case-insensitive comparison
func asciiEqualFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		cb := b[i]
		cs := s[i]
		// to lower ASCII
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if 'A' <= cs && cs <= 'Z' {
			cs |= 0x20
		}
		if cb != cs {
			return false
		}
	}
	return true
}
