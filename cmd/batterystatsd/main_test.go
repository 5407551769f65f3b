package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/platformbuilds/batterystatsd/internal/config"
	"github.com/platformbuilds/batterystatsd/internal/model"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("TEST_KEY", "value")

	if got := envOr("TEST_KEY", "default"); got != "value" {
		t.Fatalf("expected env value, got %q", got)
	}
	if got := envOr("MISSING", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}
}

func TestSetupMetricsMux(t *testing.T) {
	ready := &atomic.Bool{}
	handler := setupMetricsMux(ready)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/livez", nil))
	if rr.Code != 200 {
		t.Fatalf("livez expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != 503 {
		t.Fatalf("readyz expected 503 when not ready, got %d", rr.Code)
	}

	ready.Store(true)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("readyz expected 200 when ready, got %d", rr.Code)
	}
}

func TestPprofMux(t *testing.T) {
	rr := httptest.NewRecorder()
	pprofMux().ServeHTTP(rr, httptest.NewRequest("GET", "/debug/pprof/", nil))
	if rr.Code != 200 {
		t.Fatalf("pprof index expected 200, got %d", rr.Code)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %q", out)
	}

	if _, err := newLogger(&buf, "xml", "info"); err == nil {
		t.Fatal("expected error for bad format")
	}
	if _, err := newLogger(&buf, "text", "loud"); err == nil {
		t.Fatal("expected error for bad level")
	}
}

func TestBuildService(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Hardware: config.HardwareCfg{Type: "fake"},
		Users:    []int{0, 10},
		Packages: map[string]int{"com.example.mail": 10050},
	}
	cfg.ApplyDefaults()
	cfg.Service.DataDir = filepath.Join(dir, "data")

	svc, err := buildService(cfg, nil, nil)
	if err != nil {
		t.Fatalf("buildService: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "tmp")); err != nil {
		t.Fatalf("temp dir not created: %v", err)
	}
	svc.Start()
	if err := svc.Note(model.Caller{UID: 1000}, model.Event{Kind: model.EventGpsOn, UID: 10050}); err != nil {
		t.Fatalf("note: %v", err)
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", cfg.Service.CheckpointFile)); err != nil {
		t.Fatalf("checkpoint not written on shutdown: %v", err)
	}

	cfg.Hardware.Type = "quantum"
	if _, err := buildService(cfg, nil, nil); err == nil {
		t.Fatal("expected error for unknown hardware source")
	}
}
