package h1

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/panjf2000/gnet/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FumingPower3925/ingress/pkg/ingress"
)

// fakeConn records written bytes and completes writes asynchronously like
// gnet does.
type fakeConn struct {
	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func (f *fakeConn) AsyncWritev(bs [][]byte, callback gnet.AsyncCallback) error {
	f.mu.Lock()
	for _, b := range bs {
		f.out.Write(b)
	}
	f.mu.Unlock()
	go func() { _ = callback(nil, nil) }()
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// responses parses every complete response written so far.
func (f *fakeConn) responses(t *testing.T) []*http.Response {
	t.Helper()
	f.mu.Lock()
	raw := bytes.Clone(f.out.Bytes())
	f.mu.Unlock()

	var out []*http.Response
	r := bufio.NewReader(bytes.NewReader(raw))
	for {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			return out
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return out
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		out = append(out, resp)
	}
}

func (f *fakeConn) waitResponses(t *testing.T, n int) []*http.Response {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.responses(t)) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.responses(t)
}

func bodyOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func newTestConnection(t *testing.T, cfg Config, opts ...ingress.Option) (*Connection, *fakeConn, *ingress.Ingester) {
	t.Helper()
	icfg := ingress.DefaultConfig()
	icfg.BatchMaxLatency = 2 * time.Millisecond
	icfg.MaxChunkSize = 1024
	ing, err := ingress.New(icfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ing.Shutdown(context.Background()) })

	require.NoError(t, cfg.Validate())
	fc := &fakeConn{}
	require.NoError(t, ing.Open(1, "127.0.0.1:1"))
	return NewConnection(1, fc, ing, cfg, nil), fc, ing
}

func TestConnectionChunkedEcho(t *testing.T) {
	conn, fc, _ := newTestConnection(t, DefaultConfig())

	require.NoError(t, conn.HandleData([]byte("POST /ingest HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n")))

	resps := fc.waitResponses(t, 1)
	require.Len(t, resps, 1)
	assert.Equal(t, 200, resps[0].StatusCode)
	assert.Equal(t, "hello world", bodyOf(t, resps[0]))
	assert.NotEmpty(t, resps[0].Header.Get("X-Request-Id"))
	assert.NotEmpty(t, resps[0].Header.Get("X-Batch-Id"))
	assert.Equal(t, "1", resps[0].Header.Get("X-Batch-Size"))
	assert.False(t, fc.isClosed())
}

func TestConnectionSplitAcrossReads(t *testing.T) {
	conn, fc, _ := newTestConnection(t, DefaultConfig())

	raw := "POST /ingest HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"3\r\nabc\r\n2;ext=1\r\nde\r\n0\r\n\r\n"
	for i := 0; i < len(raw); i++ {
		require.NoError(t, conn.HandleData([]byte{raw[i]}))
	}

	resps := fc.waitResponses(t, 1)
	assert.Equal(t, 200, resps[0].StatusCode)
	assert.Equal(t, "abcde", bodyOf(t, resps[0]))
}

func TestConnectionPipelinedResponsesInOrder(t *testing.T) {
	conn, fc, _ := newTestConnection(t, DefaultConfig(), ingress.WithProcessor(func(_ context.Context, _ string, body []byte) ([]byte, error) {
		if string(body) == "first" {
			time.Sleep(30 * time.Millisecond)
		}
		return body, nil
	}))

	var raw strings.Builder
	for _, body := range []string{"first", "second", "third"} {
		raw.WriteString("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: ")
		raw.WriteString(strconv.Itoa(len(body)))
		raw.WriteString("\r\n\r\n")
		raw.WriteString(body)
	}
	require.NoError(t, conn.HandleData([]byte(raw.String())))

	resps := fc.waitResponses(t, 3)
	require.Len(t, resps, 3)
	for i, want := range []string{"first", "second", "third"} {
		assert.Equal(t, 200, resps[i].StatusCode)
		assert.Equal(t, want, bodyOf(t, resps[i]))
	}
}

func TestConnectionAmbiguousFramingCloses(t *testing.T) {
	conn, fc, _ := newTestConnection(t, DefaultConfig())

	require.NoError(t, conn.HandleData([]byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\nTransfer-Encoding: chunked\r\n\r\n"+
		"0\r\n\r\nGET /smuggled HTTP/1.1\r\nHost: a\r\n\r\n")))

	resps := fc.waitResponses(t, 1)
	require.Len(t, resps, 1)
	assert.Equal(t, 400, resps[0].StatusCode)
	assert.True(t, resps[0].Close)
	require.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
}

func TestConnectionChunkedHTTP10Closes(t *testing.T) {
	conn, fc, ing := newTestConnection(t, DefaultConfig())

	require.NoError(t, conn.HandleData([]byte("POST / HTTP/1.0\r\nTransfer-Encoding: chunked\r\nConnection: keep-alive\r\n\r\n"+
		"5\r\nhello\r\n0\r\n\r\n")))

	resps := fc.waitResponses(t, 1)
	require.Len(t, resps, 1)
	assert.Equal(t, 400, resps[0].StatusCode)
	assert.Equal(t, "FramingAmbiguity", bodyOf(t, resps[0]))
	require.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), ing.Stats().RequestCount)
}

func TestConnectionRejections(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status int
	}{
		{"bad chunk size", "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", 400},
		{"chunk too large", "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n800\r\n", 413},
		{"short chunk", "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel\r\n0\r\n\r\n", 400},
		{"malformed head", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length : 5\r\n\r\n", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, fc, _ := newTestConnection(t, DefaultConfig())
			require.NoError(t, conn.HandleData([]byte(tt.input)))

			resps := fc.waitResponses(t, 1)
			require.Len(t, resps, 1)
			assert.Equal(t, tt.status, resps[0].StatusCode)
			require.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
		})
	}
}

func TestConnectionHeadTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHeaderBytes = 64
	conn, fc, _ := newTestConnection(t, cfg)

	require.NoError(t, conn.HandleData([]byte("GET / HTTP/1.1\r\nHost: a\r\n")))
	require.NoError(t, conn.HandleData([]byte("X-Pad: "+strings.Repeat("x", 100))))

	resps := fc.waitResponses(t, 1)
	assert.Equal(t, 431, resps[0].StatusCode)
	require.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
}

func TestConnectionCloseRequest(t *testing.T) {
	conn, fc, _ := newTestConnection(t, DefaultConfig())

	require.NoError(t, conn.HandleData([]byte("POST / HTTP/1.1\r\nHost: a\r\nConnection: close\r\nContent-Length: 2\r\n\r\nok"+
		"POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 2\r\n\r\nno")))

	require.Eventually(t, fc.isClosed, 2*time.Second, 5*time.Millisecond)
	resps := fc.responses(t)
	require.Len(t, resps, 1)
	assert.Equal(t, "ok", bodyOf(t, resps[0]))
	assert.True(t, resps[0].Close)
}

func TestConnectionBrotli(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressMinSize = 64
	conn, fc, _ := newTestConnection(t, cfg)

	payload := strings.Repeat("compressible ", 60)
	require.NoError(t, conn.HandleData([]byte("POST / HTTP/1.1\r\nHost: a\r\nAccept-Encoding: br\r\nContent-Length: "+
		strconv.Itoa(len(payload))+"\r\n\r\n"+payload)))

	resps := fc.waitResponses(t, 1)
	require.Equal(t, "br", resps[0].Header.Get("Content-Encoding"))
	decoded, err := io.ReadAll(brotli.NewReader(resps[0].Body))
	require.NoError(t, err)
	assert.Equal(t, payload, string(decoded))
}

func TestConnectionProcessingFailure(t *testing.T) {
	conn, fc, _ := newTestConnection(t, DefaultConfig(), ingress.WithProcessor(func(context.Context, string, []byte) ([]byte, error) {
		return nil, io.ErrUnexpectedEOF
	}))

	require.NoError(t, conn.HandleData([]byte("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 1\r\n\r\nx")))

	resps := fc.waitResponses(t, 1)
	assert.Equal(t, 500, resps[0].StatusCode)
}

func TestConnectionExpireAnswersInFlight(t *testing.T) {
	conn, fc, ing := newTestConnection(t, DefaultConfig())

	require.NoError(t, conn.HandleData([]byte("POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhe")))
	require.NoError(t, ing.Close(1))
	conn.expire()

	resps := fc.waitResponses(t, 1)
	require.Len(t, resps, 1)
	assert.Equal(t, 408, resps[0].StatusCode)
	require.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
}
