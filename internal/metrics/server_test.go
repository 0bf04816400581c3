package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChrisB0-2/extension-guard/internal/logger"
)

// startServer runs s on an ephemeral port and stops it with the test.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Start()
	}()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("Start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not bind in time")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("Start returned %v after graceful shutdown", err)
		}
	})
	return "http://" + s.Addr()
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestNewServer_Address(t *testing.T) {
	if got := NewServer("", nil, nil).Addr(); got != ":9090" {
		t.Errorf("default Addr = %q, want :9090", got)
	}
	if got := NewServer(":9191", nil, nil).Addr(); got != ":9191" {
		t.Errorf("Addr = %q, want :9191", got)
	}
}

func TestServer_AddrAfterBind(t *testing.T) {
	s := NewServer("127.0.0.1:0", prometheus.NewRegistry(), logger.NewNop())
	base := startServer(t, s)
	if strings.HasSuffix(base, ":0") {
		t.Errorf("Addr should report the bound port, got %s", base)
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "guardtest")
	p.IncUploadAttempts()
	p.SetCustomRules(3)

	base := startServer(t, NewServer("127.0.0.1:0", reg, logger.NewNop()))

	resp, body := get(t, base+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("/health body = %q", body)
	}

	resp, body = get(t, base+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	for _, want := range []string{"guardtest_upload_attempts_total 1", "guardtest_rules_custom_rules 3"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/metrics", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /metrics status = %d, want 405", resp.StatusCode)
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	s := NewServer(l.Addr().String(), nil, nil)
	if err := s.Start(); err == nil {
		t.Fatal("expected error binding a busy port")
	}
	select {
	case <-s.Ready():
		t.Error("Ready should stay open when binding fails")
	default:
	}
}

func TestServer_ShutdownTwice(t *testing.T) {
	s := NewServer("127.0.0.1:0", nil, nil)
	startServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("first shutdown: %v", err)
	}
}

type failingCollector struct{}

func (failingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- prometheus.NewDesc("guardtest_broken", "always fails", nil, nil)
}

func (failingCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.NewInvalidMetric(
		prometheus.NewDesc("guardtest_broken", "always fails", nil, nil),
		io.ErrUnexpectedEOF)
}

func TestHandler_ContinuesOnCollectError(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(failingCollector{})
	NewPrometheus(reg, "guardtest").IncUploadAttempts()

	rec := httptest.NewRecorder()
	Handler(reg, logger.NewNop()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "guardtest_upload_attempts_total 1") {
		t.Error("healthy metrics should still be served")
	}
}
