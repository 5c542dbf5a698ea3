package h1

import (
	"bytes"

	"github.com/andybalholm/brotli"
)

// compressBody brotli-encodes one response body. It reports false when the
// body is below minSize or compression would not make it smaller.
func compressBody(body []byte, minSize, level int) ([]byte, bool) {
	if minSize <= 0 || len(body) < minSize {
		return nil, false
	}
	var compressed bytes.Buffer
	writer := brotli.NewWriterLevel(&compressed, level)
	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return nil, false
	}
	if err := writer.Close(); err != nil {
		return nil, false
	}
	if compressed.Len() == 0 || compressed.Len() >= len(body) {
		return nil, false
	}
	return compressed.Bytes(), true
}
