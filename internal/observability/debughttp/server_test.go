package debughttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "tgload/pkg/logx"
)

func TestHandlerAuthAndViews(t *testing.T) {
	s := New(logx.Nop(), nil)
	s.Handle("jobs", func() any { return map[string]int{"running": 2} })
	s.Mount("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("up 1\n"))
	}))
	h := s.handler("secret")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics?token=secret", nil))
	if rec.Body.String() != "up 1\n" {
		t.Fatalf("metrics mount = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?token=secret", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/state/jobs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running": 2`) {
		t.Fatalf("jobs view = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state/?token=secret", nil))
	if !strings.Contains(rec.Body.String(), `"jobs"`) {
		t.Fatalf("index = %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state/nope?token=secret", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing view code = %d", rec.Code)
	}
}

func TestHealthzReportsUnhealthy(t *testing.T) {
	s := New(logx.Nop(), func() error { return errors.New("poll loop down") })
	rec := httptest.NewRecorder()
	s.handler("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "poll loop down") {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReconfigureLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := New(logx.Nop(), nil)

	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "0.0.0.0:0"}); err == nil {
		t.Fatalf("public bind without token accepted")
	}
	if err := s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("no bound addr")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}

	if err := s.Reconfigure(ctx, Config{Enabled: false}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("still bound after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.1:80":    false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
