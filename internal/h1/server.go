package h1

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FumingPower3925/ingress/internal/date"
	"github.com/FumingPower3925/ingress/pkg/ingress"
)

// Config defines the configuration options for the HTTP/1.1 server.
type Config struct {
	Addr            string  `yaml:"addr" env:"INGRESS_ADDR"`
	Multicore       bool    `yaml:"multicore" env:"INGRESS_MULTICORE"`
	NumEventLoop    int     `yaml:"num_event_loop" env:"INGRESS_NUM_EVENT_LOOP"`
	ReusePort       bool    `yaml:"reuse_port" env:"INGRESS_REUSE_PORT"`
	AcceptRate      float64 `yaml:"accept_rate" env:"INGRESS_ACCEPT_RATE"` // new connections per second, 0 for unlimited
	AcceptBurst     int     `yaml:"accept_burst" env:"INGRESS_ACCEPT_BURST"`
	MaxHeaderBytes  int     `yaml:"max_header_bytes" env:"INGRESS_MAX_HEADER_BYTES"`
	CompressMinSize int     `yaml:"compress_min_size" env:"INGRESS_COMPRESS_MIN_SIZE"` // 0 disables brotli responses
	CompressLevel   int     `yaml:"compress_level" env:"INGRESS_COMPRESS_LEVEL"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		Multicore:       true,
		ReusePort:       true,
		AcceptBurst:     64,
		MaxHeaderBytes:  1 << 20, // 1 MB
		CompressMinSize: 1024,
		CompressLevel:   6,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = 1 << 20
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("h1: negative accept rate %v", c.AcceptRate)
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		c.AcceptBurst = 1
	}
	if c.CompressLevel <= 0 || c.CompressLevel > 11 {
		c.CompressLevel = 6
	}
	return nil
}

// Server implements gnet.EventHandler for HTTP/1.1.
type Server struct {
	gnet.BuiltinEventEngine
	ing     *ingress.Ingester
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter
	nextID  atomic.Uint64
	conns   sync.Map // connection id -> *Connection
	engine  gnet.Engine
	started atomic.Bool
}

// NewServer creates a new HTTP/1.1 server feeding ing.
func NewServer(ing *ingress.Ingester, cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ing:    ing,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	return s, nil
}

// Serve runs the event loops until the engine is stopped.
func (s *Server) Serve() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute * 30),
		gnet.WithLogger(s.logger.Named("gnet").Sugar()),
		gnet.WithLockOSThread(false),
		gnet.WithReadBufferCap(1024 << 10),  // 1 MB
		gnet.WithWriteBufferCap(1024 << 10), // 1 MB
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	stopDate := date.Start(500 * time.Millisecond)
	defer stopDate()

	s.logger.Info("starting HTTP/1.1 server", zap.String("addr", s.cfg.Addr), zap.Bool("multicore", s.cfg.Multicore))
	return gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")
	if s.started.Load() {
		if err := s.engine.Stop(ctx); err != nil {
			s.logger.Error("error stopping gnet engine", zap.Error(err))
			return err
		}
	}
	s.logger.Info("HTTP/1.1 server shutdown complete")
	return nil
}

// ConnectionClosed answers what a connection still owes and closes its
// socket after the ingestion layer dropped it. It is installed with
// ingress.WithCloseHook.
func (s *Server) ConnectionClosed(id uint64) {
	if v, ok := s.conns.Load(id); ok {
		v.(*Connection).expire()
	}
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.started.Store(true)
	s.logger.Info("HTTP/1.1 server is listening", zap.String("addr", s.cfg.Addr))
	return gnet.None
}

// OnShutdown is called when the server is shutting down.
func (s *Server) OnShutdown(_ gnet.Engine) {
	s.started.Store(false)
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	remote := c.RemoteAddr().String()
	if s.limiter != nil && !s.limiter.Allow() {
		s.logger.Warn("connection rejected: accept rate exceeded", zap.String("remote", remote))
		return unavailable, gnet.Close
	}

	id := s.nextID.Add(1)
	if err := s.ing.Open(id, remote); err != nil {
		// Already logged and counted by the ingester.
		return unavailable, gnet.Close
	}

	conn := NewConnection(id, c, s.ing, s.cfg, s.logger)
	s.conns.Store(id, conn)
	c.SetContext(conn)
	return nil, gnet.None
}

// unavailable is sent to connections refused at accept time.
var unavailable = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"content-type: text/plain\r\n" +
	"content-length: 19\r\n" +
	"retry-after: 1\r\n" +
	"connection: close\r\n" +
	"\r\n" +
	"Service Unavailable")

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.None
	}
	if err != nil {
		s.logger.Debug("connection closed with error", zap.Uint64("conn", conn.id), zap.Error(err))
	}
	s.conns.Delete(conn.id)
	_ = conn.Close()
	return gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		return gnet.Close
	}

	// Get all available data at once; the decoder copies what it keeps.
	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Debug("read failed", zap.Uint64("conn", conn.id), zap.Error(err))
		return gnet.Close
	}
	if len(buf) == 0 {
		return gnet.None
	}
	if err := conn.HandleData(buf); err != nil {
		s.logger.Debug("handle data failed", zap.Uint64("conn", conn.id), zap.Error(err))
		return gnet.Close
	}
	return gnet.None
}
