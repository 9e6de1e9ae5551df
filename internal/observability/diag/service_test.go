package diag

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	logx "councilbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	if len(header) == 2 {
		req.Header.Set(header[0], header[1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsFailingChecks(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.AddCheck("storage", func(context.Context) error { return nil })
	h := s.Handler(Config{})

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	s.AddCheck("discord", func(context.Context) error { return errors.New("gateway not ready") })
	rec = get(t, h, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	var body healthBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["discord"] != "gateway not ready" || body.Checks["storage"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
}

func TestStateReports(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.AddReport("votes", func() any { return map[string]int{"pending": 3} })
	s.AddReport("engine", func() any { return struct{ Workers int }{2} })
	h := s.Handler(Config{})

	rec := get(t, h, "/debug/state/votes")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pending": 3`) {
		t.Fatalf("votes = %d %s", rec.Code, rec.Body)
	}
	rec = get(t, h, "/debug/state/")
	if !strings.Contains(rec.Body.String(), `"engine",`) {
		t.Fatalf("index = %s", rec.Body)
	}
	if rec := get(t, h, "/debug/state/nope"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing = %d", rec.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	h := s.Handler(Config{Token: "sekret"})

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz?token=sekret"); rec.Code != http.StatusOK {
		t.Fatalf("query token = %d", rec.Code)
	}
	if rec := get(t, h, "/healthz", "Authorization", "Bearer sekret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer = %d", rec.Code)
	}
}

func TestPprofCustomPrefix(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	h := s.Handler(Config{PprofPrefix: "ops/pprof"})

	rec := get(t, h, "/ops/pprof/")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("index = %d", rec.Code)
	}
	if rec := get(t, h, "/ops/pprof"); rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("redirect = %d", rec.Code)
	}
}

func TestReconfigureStartStop(t *testing.T) {
	s := New(Config{}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 7})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("expected a bound address")
	}
	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d", got)
	}

	var resp *http.Response
	var err error
	for deadline := time.Now().Add(3 * time.Second); time.Now().Before(deadline); time.Sleep(20 * time.Millisecond) {
		if resp, err = http.Get("http://" + addr + "/healthz"); err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("still serving at %s", got)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())
	if got := s.Addr(); got != "" {
		t.Fatalf("bound insecurely at %s", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.2:6060":  false,
		"nonsense":       false,
	} {
		if got := IsLoopbackAddr(addr); got != want {
			t.Errorf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
