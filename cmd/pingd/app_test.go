package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pingrpc/client"
	"pingrpc/config"
	"pingrpc/loadbalance"
	"pingrpc/ping"
	"pingrpc/registry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.HTTP.GinMode = gin.TestMode
	cfg.RPC.Address = "127.0.0.1:0"
	cfg.Client.Heartbeat = -1
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *node {
	t.Helper()
	n, err := newNode(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n.shutdown(ctx)
	})
	return n
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestPingRoute(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"blocking", func(c *config.Config) { c.Service.Style = "blocking" }},
		{"reactive", func(c *config.Config) { c.Service.Style = "reactive" }},
		{"json envelope msgpack payload", func(c *config.Config) {
			c.Client.Codec = "json"
			c.Client.Serialization = "msgpack"
		}},
		{"consistent hash with retries", func(c *config.Config) {
			c.Client.Balancer = "consistenthash"
			c.Client.Retries = 2
		}},
		{"rate limited server", func(c *config.Config) {
			c.RPC.RateLimit = 1000
			c.RPC.Burst = 10
		}},
		{"tracing", func(c *config.Config) { c.Tracing.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			n := startNode(t, cfg)

			rec := get(t, n.app.Handler(), "/ping")
			if rec.Code != http.StatusOK {
				t.Fatalf("expect 200, got %d: %s", rec.Code, rec.Body)
			}
			if rec.Body.String() != "pong" {
				t.Fatalf("expect body 'pong', got '%s'", rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Fatalf("expect text/plain, got %q", ct)
			}
		})
	}
}

func TestPingRouteConcurrent(t *testing.T) {
	n := startNode(t, testConfig(t))
	srv := httptest.NewServer(n.app.Handler())
	defer srv.Close()

	const callers = 150
	var wg sync.WaitGroup
	errs := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(srv.URL + "/ping")
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusOK || string(body) != "pong" {
				errs <- resp.Status + " " + string(body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestPingRouteRPCUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cc := client.NewClient(registry.Direct(ping.ServiceName, addr), &loadbalance.RoundRobinBalancer{},
		client.WithTimeout(500*time.Millisecond), client.WithHeartbeat(-1))
	defer cc.Close()
	app := NewApp(gin.TestMode, zap.NewNop(), ping.NewClient(cc))

	start := time.Now()
	rec := get(t, app.Handler(), "/ping")
	if rec.Code < 500 {
		t.Fatalf("expect 5xx, got %d", rec.Code)
	}
	if rec.Body.String() == "pong" {
		t.Fatal("failure must not produce the normal body")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("handler took %s", time.Since(start))
	}
}

func TestPingRouteAfterRPCShutdown(t *testing.T) {
	n := startNode(t, testConfig(t))
	if rec := get(t, n.app.Handler(), "/ping"); rec.Code != http.StatusOK {
		t.Fatalf("expect 200 before shutdown, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.server.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	if rec := get(t, n.app.Handler(), "/ping"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expect 500 after shutdown, got %d", rec.Code)
	}
}

type panickingPinger struct{}

func (panickingPinger) Ping(context.Context, *ping.Request) (*ping.Response, error) {
	panic("stub exploded")
}

func TestPingRoutePanicRecovered(t *testing.T) {
	app := NewApp(gin.TestMode, zap.NewNop(), panickingPinger{})
	if rec := get(t, app.Handler(), "/ping"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expect 500, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	app := NewApp(gin.TestMode, zap.NewNop(), panickingPinger{})
	rec := get(t, app.Handler(), "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz reply %d %q", rec.Code, rec.Body)
	}
}
