// Package ingress is the request-ingestion layer: it decides how each HTTP/1.1
// request body is framed, decodes it on an owned buffer and hands the decoded
// body to the batch coordinator once the frame is sealed.
package ingress

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/FumingPower3925/ingress/internal/frame"
)

// Config holds the ingestion limits. Zero fields are filled in by Validate.
type Config struct {
	BufferSize             int           `yaml:"buffer_size" env:"INGRESS_BUFFER_SIZE"`                             // Smallest arena buffer in bytes
	MaxBuffers             int           `yaml:"max_buffers" env:"INGRESS_MAX_BUFFERS"`                             // Checked-out buffer limit
	MaxConnections         int           `yaml:"max_connections" env:"INGRESS_MAX_CONNECTIONS"`                     // Live connection limit
	ConnectionTimeout      time.Duration `yaml:"connection_timeout" env:"INGRESS_CONNECTION_TIMEOUT"`               // Idle time before a frame or connection is abandoned
	BufferTTL              time.Duration `yaml:"buffer_ttl" env:"INGRESS_BUFFER_TTL"`                               // Idle time before a pooled buffer is dropped
	MaxChunkSize           int64         `yaml:"max_chunk_size" env:"INGRESS_MAX_CHUNK_SIZE"`                       // Largest declared chunk
	MaxBodySize            int64         `yaml:"max_body_size" env:"INGRESS_MAX_BODY_SIZE"`                         // Largest decoded body
	ChunkExtensionMaxBytes int           `yaml:"chunk_extension_max_bytes" env:"INGRESS_CHUNK_EXTENSION_MAX_BYTES"` // Opaque bytes after ';' on a size line
	MaxTrailerBytes        int           `yaml:"max_trailer_bytes" env:"INGRESS_MAX_TRAILER_BYTES"`                 // Trailer section limit
	BatchMaxSize           int           `yaml:"batch_max_size" env:"INGRESS_BATCH_MAX_SIZE"`                       // Flush a batch at this many entries
	BatchMaxLatency        time.Duration `yaml:"batch_max_latency" env:"INGRESS_BATCH_MAX_LATENCY"`                 // Flush a batch this long after its oldest entry
	BatchWorkers           int           `yaml:"batch_workers" env:"INGRESS_BATCH_WORKERS"`                         // Worker pool size
}

// DefaultConfig returns a Config with the default limits.
func DefaultConfig() Config {
	return Config{
		BufferSize:             8192,
		MaxBuffers:             400, // 4 per connection
		MaxConnections:         100,
		ConnectionTimeout:      30 * time.Second,
		BufferTTL:              60 * time.Second,
		MaxChunkSize:           16 << 20,
		MaxBodySize:            64 << 20,
		ChunkExtensionMaxBytes: 256,
		MaxTrailerBytes:        8192,
		BatchMaxSize:           10,
		BatchMaxLatency:        20 * time.Millisecond,
		BatchWorkers:           64,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxBuffers <= 0 {
		c.MaxBuffers = 4 * c.MaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = def.ConnectionTimeout
	}
	if c.BufferTTL <= 0 {
		c.BufferTTL = def.BufferTTL
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = def.MaxChunkSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = def.MaxBodySize
	}
	if c.ChunkExtensionMaxBytes <= 0 {
		c.ChunkExtensionMaxBytes = def.ChunkExtensionMaxBytes
	}
	if c.MaxTrailerBytes <= 0 {
		c.MaxTrailerBytes = def.MaxTrailerBytes
	}
	if c.BatchMaxSize <= 0 {
		c.BatchMaxSize = def.BatchMaxSize
	}
	if c.BatchMaxLatency <= 0 {
		c.BatchMaxLatency = def.BatchMaxLatency
	}
	if c.BatchWorkers <= 0 {
		c.BatchWorkers = def.BatchWorkers
	}
	if c.MaxChunkSize > frame.MaxLimit || c.MaxBodySize > frame.MaxLimit {
		return fmt.Errorf("ingress: max_chunk_size and max_body_size must not exceed %d", frame.MaxLimit)
	}
	// A chunk can never be larger than the body that contains it.
	if c.MaxChunkSize > c.MaxBodySize {
		c.MaxChunkSize = c.MaxBodySize
	}
	return nil
}

// LoadConfig builds a Config from the defaults, the YAML file at path (when
// path is not empty) and INGRESS_* environment variables, in that order.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	cfg.MaxBuffers = 0 // derived from MaxConnections unless set
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("ingress: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("ingress: parse config %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("ingress: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
