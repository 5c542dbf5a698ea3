// Package main runs the ingestion daemon: an HTTP/1.1 listener that decodes
// request bodies, batches them and echoes the processed result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/FumingPower3925/ingress/internal/h1"
	"github.com/FumingPower3925/ingress/pkg/ingress"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stderr, newLogger))
}

func realMain(args []string, stderr io.Writer, mkLogger func(debug bool) (*zap.Logger, error)) int {
	fs := flag.NewFlagSet("ingressd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	metricsAddr := fs.String("metrics", ":9090", "address of the Prometheus metrics endpoint, empty to disable")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	logger, err := mkLogger(*debug)
	if err != nil {
		fmt.Fprintf(stderr, "ingressd: create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*configPath, *metricsAddr, logger); err != nil {
		logger.Error("ingressd failed", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(configPath, metricsAddr string, logger *zap.Logger) error {
	icfg, err := ingress.LoadConfig(configPath)
	if err != nil {
		return err
	}
	scfg, err := loadServerConfig(configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var srv *h1.Server
	ing, err := ingress.New(icfg,
		ingress.WithLogger(logger),
		ingress.WithRegisterer(reg),
		ingress.WithCloseHook(func(id uint64) { srv.ConnectionClosed(id) }),
	)
	if err != nil {
		return err
	}
	srv, err = h1.NewServer(ing, scfg, logger.Named("h1"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() { _ = ing.Run(ctx) }()

	var metrics *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metrics = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metrics != nil {
		_ = metrics.Shutdown(shutdownCtx)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("server stop", zap.Error(err))
	}
	return ing.Shutdown(shutdownCtx)
}

// loadServerConfig reads the listener settings from the same YAML file and
// INGRESS_* variables as the ingestion limits.
func loadServerConfig(path string) (h1.Config, error) {
	cfg := h1.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
