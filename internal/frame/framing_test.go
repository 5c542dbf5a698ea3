package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FumingPower3925/ingress/internal/fault"
)

func TestInspect(t *testing.T) {
	tests := []struct {
		name    string
		headers [][2]string
		mode    Mode
		length  int64
		kind    fault.Kind
	}{
		{
			name:    "no body",
			headers: [][2]string{{"Host", "example.com"}},
			mode:    ModeNone,
		},
		{
			name:    "content length",
			headers: [][2]string{{"Content-Length", "13"}},
			mode:    ModeSized,
			length:  13,
		},
		{
			name:    "zero content length",
			headers: [][2]string{{"content-length", "0"}},
			mode:    ModeNone,
		},
		{
			name:    "chunked",
			headers: [][2]string{{"Transfer-Encoding", "chunked"}},
			mode:    ModeChunked,
		},
		{
			name:    "chunked mixed case",
			headers: [][2]string{{"transfer-encoding", " Chunked "}},
			mode:    ModeChunked,
		},
		{
			name:    "repeated identical content length",
			headers: [][2]string{{"Content-Length", "4"}, {"Content-Length", "4"}},
			mode:    ModeSized,
			length:  4,
		},
		{
			name:    "both headers",
			headers: [][2]string{{"Content-Length", "13"}, {"Transfer-Encoding", "chunked"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "both headers reversed",
			headers: [][2]string{{"Transfer-Encoding", "chunked"}, {"content-length", "0"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "conflicting content length",
			headers: [][2]string{{"Content-Length", "4"}, {"Content-Length", "5"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "content length list",
			headers: [][2]string{{"Content-Length", "4, 4"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "signed content length",
			headers: [][2]string{{"Content-Length", "+4"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "gzip then chunked",
			headers: [][2]string{{"Transfer-Encoding", "gzip, chunked"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "chunked twice",
			headers: [][2]string{{"Transfer-Encoding", "chunked"}, {"Transfer-Encoding", "chunked"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "obfuscated chunked",
			headers: [][2]string{{"Transfer-Encoding", "xchunked"}},
			kind:    fault.FramingAmbiguity,
		},
		{
			name:    "space in field name",
			headers: [][2]string{{"Transfer-Encoding ", "chunked"}},
			kind:    fault.FramingAmbiguity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Inspect(tt.headers)
			if tt.kind != fault.Unknown {
				require.Error(t, err)
				assert.Equal(t, tt.kind, fault.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mode, f.Mode)
			if tt.mode == ModeSized {
				assert.Equal(t, tt.length, f.ContentLength)
			}
		})
	}
}

func TestInspectKeepAlive(t *testing.T) {
	f, err := Inspect([][2]string{{"Connection", "close"}})
	require.NoError(t, err)
	assert.False(t, f.KeepAlive)

	f, err = Inspect([][2]string{{"Connection", "keep-alive"}})
	require.NoError(t, err)
	assert.True(t, f.KeepAlive)
}

func TestInspectRecordsPresence(t *testing.T) {
	f, err := Inspect([][2]string{{"Content-Length", "0"}})
	require.NoError(t, err)
	assert.True(t, f.HasContentLength)
	assert.False(t, f.HasTransferEncoding)
}
