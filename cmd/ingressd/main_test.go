package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLoadServerConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingress.yaml")
	data := []byte("addr: \":9000\"\nmax_connections: 10\ncompress_min_size: 256\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INGRESS_ACCEPT_RATE", "50")

	cfg, err := loadServerConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Addr)
	}
	if cfg.CompressMinSize != 256 {
		t.Errorf("CompressMinSize = %d, want 256", cfg.CompressMinSize)
	}
	if cfg.AcceptRate != 50 {
		t.Errorf("AcceptRate = %v, want 50", cfg.AcceptRate)
	}
	if cfg.AcceptBurst != 64 {
		t.Errorf("AcceptBurst = %d, want 64", cfg.AcceptBurst)
	}
}

func TestLoadServerConfigMissingFile(t *testing.T) {
	if _, err := loadServerConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestRealMainReportsLoggerFailure(t *testing.T) {
	var stderr bytes.Buffer
	code := realMain(nil, &stderr, func(bool) (*zap.Logger, error) {
		return nil, errors.New("no sink")
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "create logger: no sink") {
		t.Errorf("stderr = %q, want the logger error", stderr.String())
	}
}

func TestRealMainRejectsUnknownFlag(t *testing.T) {
	var stderr bytes.Buffer
	if code := realMain([]string{"-nope"}, &stderr, newLogger); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}
