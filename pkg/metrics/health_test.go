package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHealthCheckBasic(t *testing.T) {
	c, _ := newTestCollector(t)
	h := NewHealthCheck(c, "1.0.0")

	response := h.Check()

	if response.Status != HealthStatusHealthy {
		t.Errorf("expected healthy status, got %s", response.Status)
	}
	if response.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", response.Version)
	}
	if response.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
}

func TestHealthCheckWithFailingCheck(t *testing.T) {
	c, _ := newTestCollector(t)
	h := NewHealthCheck(c, "1.0.0")

	h.AddCheck("passing", func() error { return nil })
	h.AddCheck("failing", func() error { return errors.New("something went wrong") })

	response := h.Check()
	if response.Status != HealthStatusUnhealthy {
		t.Errorf("expected unhealthy status, got %s", response.Status)
	}
	if response.Checks["passing"].Status != HealthStatusHealthy {
		t.Error("expected passing check to be healthy")
	}
	if response.Checks["failing"].Message != "something went wrong" {
		t.Errorf("expected error message, got %s", response.Checks["failing"].Message)
	}

	h.RemoveCheck("failing")
	if h.Check().Status != HealthStatusHealthy {
		t.Error("expected healthy after removing check")
	}
}

func TestHealthCheckWithMetrics(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ConnectionStarted("server")
	c.RecordPacketSent(2048)

	response := NewHealthCheck(c, "1.0.0").Check()

	if response.Metrics == nil {
		t.Fatal("expected metrics in response")
	}
	if response.Metrics.ConnectionsActive != 1 {
		t.Errorf("expected 1 active connection, got %d", response.Metrics.ConnectionsActive)
	}
	if response.Metrics.BytesSent != "2.0 kB" {
		t.Errorf("expected humanized bytes, got %q", response.Metrics.BytesSent)
	}
}

func TestHealthCheckErrorRate(t *testing.T) {
	c, _ := newTestCollector(t)
	h := NewHealthCheck(c, "1.0.0")

	for i := 0; i < 100; i++ {
		c.RecordPacketSent(10)
	}
	if rate := h.Check().Metrics.ErrorRate; rate != 0 {
		t.Errorf("expected 0 error rate, got %f", rate)
	}

	for i := 0; i < 10; i++ {
		c.RecordMACFailure()
	}
	if status := h.Check().Status; status != HealthStatusDegraded {
		t.Errorf("expected degraded status with high error rate, got %s", status)
	}
}

func TestHealthHandlers(t *testing.T) {
	c, _ := newTestCollector(t)
	h := NewHealthCheck(c, "1.0.0")

	tests := []struct {
		name    string
		handler http.Handler
		failing bool
		want    int
	}{
		{"health ok", h.Handler(), false, http.StatusOK},
		{"readiness ok", h.ReadinessHandler(), false, http.StatusOK},
		{"liveness with failing check", h.LivenessHandler(), true, http.StatusOK},
		{"health failing", h.Handler(), true, http.StatusServiceUnavailable},
		{"readiness failing", h.ReadinessHandler(), true, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.RemoveCheck("failing")
			if tt.failing {
				h.AddCheck("failing", func() error { return errors.New("fail") })
			}

			w := httptest.NewRecorder()
			tt.handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			if w.Code != tt.want {
				t.Errorf("status %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHealthHandlerBody(t *testing.T) {
	c, _ := newTestCollector(t)
	w := httptest.NewRecorder()
	NewHealthCheck(c, "1.0.0").Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	var response HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != HealthStatusHealthy {
		t.Errorf("expected healthy status, got %s", response.Status)
	}
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWithRegistry(reg)
	c.ConnectionStarted("server")

	server := NewServer(ServerConfig{
		Collector:     c,
		Gatherer:      reg,
		Version:       "1.0.0",
		EnableMetrics: true,
		EnableHealth:  true,
	})

	for _, path := range []string{"/metrics", "/health", "/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s returned %d", path, w.Code)
		}
		if path == "/metrics" && !strings.Contains(w.Body.String(), "sshcore_connections_active 1") {
			t.Errorf("/metrics missing gauge:\n%s", w.Body.String())
		}
	}
}

func TestServerAddHealthCheck(t *testing.T) {
	c, reg := newTestCollector(t)
	server := NewServer(ServerConfig{Collector: c, Gatherer: reg, EnableHealth: true})

	server.AddHealthCheck("listener", ListenerCheck(func() bool { return true }))

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected /health to return 503 with failing check, got %d", w.Code)
	}
}

func TestDialCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	check := DialCheck(addr, time.Second)
	if err := check(); err != nil {
		t.Errorf("dial to open listener: %v", err)
	}
	ln.Close()
	if err := check(); err == nil {
		t.Error("expected error after listener closed")
	}
}

func TestServerListenAndServe(t *testing.T) {
	c, reg := newTestCollector(t)
	server := NewServer(ServerConfig{Collector: c, Gatherer: reg, EnableHealth: true})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.ListenAndServe(ctx, addr) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "alive") {
		t.Errorf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
