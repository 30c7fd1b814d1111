package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1195214305/xhs-backend/pkg/config"
)

const (
	fakeEngineEnv = "XHS_GATEWAY_FAKE_ENGINE"
	fakeDelayEnv  = "XHS_GATEWAY_FAKE_SIGN_DELAY"
)

// TestMain lets the test binary double as a stdio signing engine.
func TestMain(m *testing.M) {
	if os.Getenv(fakeEngineEnv) == "1" {
		runFakeEngine(os.Stdin, os.Stdout)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type engineRequest struct {
	ID      uint64            `json:"id"`
	Op      string            `json:"op"`
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Cookies map[string]string `json:"cookies"`
}

type engineResponse struct {
	ID      uint64            `json:"id"`
	Success bool              `json:"success"`
	Headers map[string]string `json:"headers,omitempty"`
	Version string            `json:"version,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// runFakeEngine answers each request on its own goroutine so slow signs do
// not block pings.
func runFakeEngine(in io.Reader, out io.Writer) {
	delay, _ := time.ParseDuration(os.Getenv(fakeDelayEnv))

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	reply := func(r engineResponse) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(r)
	}

	var wg sync.WaitGroup
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		var req engineRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch req.Op {
			case "ping":
				reply(engineResponse{ID: req.ID, Success: true, Version: "1.3.0"})
			case "sign":
				time.Sleep(delay)
				reply(engineResponse{ID: req.ID, Success: true, Headers: map[string]string{
					"x-s":        "XYW_" + req.Method + req.URI,
					"x-t":        "1700000000000",
					"x-s-common": req.Cookies["a1"],
				}})
			default:
				reply(engineResponse{ID: req.ID, Error: "unknown op"})
			}
		}()
	}
	wg.Wait()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ShutdownGrace = 3 * time.Second
	cfg.RateLimitRPS = 0
	cfg.Upstream.BaseURL = upstream
	cfg.Upstream.RequestTimeout = 2 * time.Second
	cfg.Upstream.Retries = 1
	cfg.Agent.Path = os.Args[0]
	cfg.Agent.Args = []string{"-test.run=^$"}
	cfg.Agent.ProbeTimeout = 5 * time.Second
	cfg.Agent.HealthInterval = 50 * time.Millisecond
	cfg.Agent.StopGrace = 2 * time.Second
	cfg.Agent.MaxRestarts = 3
	cfg.Agent.RestartBase = 10 * time.Millisecond
	cfg.Agent.RestartMax = 50 * time.Millisecond
	cfg.Signing.Timeout = 2 * time.Second
	cfg.DatabaseURL = ":memory:"
	cfg.CredentialsKey = strings.Repeat("k", 32)
	cfg.Cookies = "a1=A1; web_session=WS"
	require.NoError(t, cfg.Validate())
	return cfg
}

func newUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("X-S") == "" || r.Header.Get("X-T") == "" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"code":-100,"success":false,"msg":"missing signature"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":0,"success":true,"msg":"ok","data":{"nickname":"tester"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type runningGateway struct {
	g      *gateway
	base   string
	cancel context.CancelFunc
	served chan error
}

func startGateway(t *testing.T, cfg *config.Config) *runningGateway {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g, err := newGateway(ctx, cfg, quietLogger())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rg := &runningGateway{g: g, base: "http://" + ln.Addr().String(), cancel: cancel, served: make(chan error, 1)}
	go func() { rg.served <- g.serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rg.served:
		case <-time.After(10 * time.Second):
		}
	})
	return rg
}

type callResult struct {
	status int
	body   map[string]any
	err    error
}

func getJSON(url string) callResult {
	resp, err := http.Get(url)
	if err != nil {
		return callResult{err: err}
	}
	defer resp.Body.Close()
	var body map[string]any
	err = json.NewDecoder(resp.Body).Decode(&body)
	return callResult{status: resp.StatusCode, body: body, err: err}
}

func processGone(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	return p.Signal(syscall.Signal(0)) != nil
}

func TestGatewayRelaysSignedRequest(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process signals differ on windows")
	}
	t.Setenv(fakeEngineEnv, "1")
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)
	rg := startGateway(t, testConfig(t, upstream.URL))

	require.Eventually(t, rg.g.supervisor.Healthy, 5*time.Second, 20*time.Millisecond)

	res := getJSON(rg.base + "/api/user/me")
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, true, res.body["success"])
	assert.Equal(t, map[string]any{"nickname": "tester"}, res.body["data"])
	assert.Equal(t, int32(1), hits.Load())

	health := getJSON(rg.base + "/health")
	require.NoError(t, health.err)
	assert.Equal(t, "ok", health.body["status"])
}

// An interrupt with two signing calls in flight drains both calls within the
// shutdown grace and leaves no engine process behind.
func TestGracefulShutdownDrainsInFlightSigning(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process signals differ on windows")
	}
	t.Setenv(fakeEngineEnv, "1")
	t.Setenv(fakeDelayEnv, "500ms")
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)
	cfg := testConfig(t, upstream.URL)
	rg := startGateway(t, cfg)

	require.Eventually(t, rg.g.supervisor.Healthy, 5*time.Second, 20*time.Millisecond)
	pid := rg.g.supervisor.Status().PID
	require.NotZero(t, pid)

	results := make(chan callResult, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- getJSON(rg.base + "/api/user/me") }()
	}
	// Let both requests reach the engine before interrupting.
	time.Sleep(150 * time.Millisecond)
	interrupted := time.Now()
	rg.cancel()

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			require.NoError(t, res.err)
			assert.Equal(t, http.StatusOK, res.status)
			success, _ := res.body["success"].(bool)
			if !success {
				assert.Equal(t, float64(-1), res.body["code"], "a failed call must resolve to the failure envelope")
			}
		case <-time.After(cfg.ShutdownGrace):
			t.Fatal("in-flight call did not resolve within the shutdown grace")
		}
	}

	select {
	case err := <-rg.served:
		assert.NoError(t, err)
	case <-time.After(cfg.ShutdownGrace + cfg.Agent.StopGrace):
		t.Fatal("gateway did not stop")
	}
	assert.Less(t, time.Since(interrupted), cfg.ShutdownGrace+cfg.Agent.StopGrace)
	assert.True(t, processGone(pid), "engine process %d still running", pid)
}

func TestGatewayServesWithoutEngine(t *testing.T) {
	var hits atomic.Int32
	upstream := newUpstream(t, &hits)
	cfg := testConfig(t, upstream.URL)
	cfg.Agent.Path = ""
	rg := startGateway(t, cfg)

	res := getJSON(rg.base + "/api/user/me")
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, false, res.body["success"])
	assert.Equal(t, float64(-1), res.body["code"])
	assert.Zero(t, hits.Load(), "unsigned requests must not reach the platform")

	health := getJSON(rg.base + "/health")
	require.NoError(t, health.err)
	assert.Equal(t, "degraded", health.body["status"])
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"xhs-gateway", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "USAGE:")
	assert.Contains(t, stdout.String(), "sign")

	stdout.Reset()
	code = Run([]string{"xhs-gateway", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Unknown command: bogus")
}

func TestRunHealth(t *testing.T) {
	status := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status, "agent": "healthy"})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	code := Run([]string{"xhs-gateway", "health", "-url", srv.URL}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "ok (engine healthy)\n", stdout.String())

	status = "degraded"
	stdout.Reset()
	code = Run([]string{"xhs-gateway", "health", "-url", srv.URL}, &stdout, &stderr)
	assert.Equal(t, 1, code)

	srv.Close()
	code = Run([]string{"xhs-gateway", "health", "-url", srv.URL, "-timeout", "500ms"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Health check failed")
}

func TestRunSign(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process signals differ on windows")
	}
	t.Setenv(fakeEngineEnv, "1")
	t.Setenv("AGENT_PATH", os.Args[0])
	t.Setenv("AGENT_ARGS", "-test.run=^$")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"xhs-gateway", "sign",
		"-method", "GET",
		"-path", "/api/sns/web/v2/user/me",
		"-cookie", "a1=A1; web_session=WS",
	}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var headers map[string]string
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &headers))
	assert.Equal(t, "XYW_GET/api/sns/web/v2/user/me", headers["x-s"])
	assert.Equal(t, "A1", headers["x-s-common"])
	assert.Equal(t, "1700000000000", headers["x-t"])
}

func TestRunSignRequiresPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"xhs-gateway", "sign"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--path is required")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	logger := newLogger(cfg, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "test", line["component"])
}
