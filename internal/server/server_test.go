package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sofatutor/vertex-proxy/internal/config"
	"github.com/sofatutor/vertex-proxy/internal/credentials"
	"github.com/sofatutor/vertex-proxy/internal/eventbus"
	"github.com/sofatutor/vertex-proxy/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testEnv struct {
	server   *Server
	upstream *httptest.Server
	logs     *observer.ObservedLogs
}

func newTestEnv(t *testing.T, bus eventbus.EventBus) *testEnv {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	}))
	t.Cleanup(upstream.Close)

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	cfg := config.DefaultConfig()
	cfg.ProjectID = "test-project"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.UpstreamBaseURL = upstream.URL + "/v1beta1/projects/test-project/locations/us-central1"

	reg := NewRegistry()
	metrics := proxy.NewMetrics(reg)
	cache := credentials.NewCache(credentials.SourceFunc(func(ctx context.Context) (credentials.Token, error) {
		return credentials.Token{AccessToken: "ya29.test", Expiry: time.Now().Add(time.Hour)}, nil
	}), credentials.CacheOptions{OnRefresh: metrics.ObserveTokenRefresh})

	forwarder, err := proxy.NewForwarder(proxy.ProxyConfig{BaseURL: cfg.BaseURL()}, cache, logger, metrics)
	require.NoError(t, err)

	srv, err := New(cfg, Options{Forwarder: forwarder, Logger: logger, Registry: reg, EventBus: bus})
	require.NoError(t, err)
	return &testEnv{server: srv, upstream: upstream, logs: logs}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresForwarder(t *testing.T) {
	_, err := New(config.DefaultConfig(), Options{})
	assert.Error(t, err)
}

func TestServer_HealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, Version, health.Version)

	rec = env.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())

	rec = env.do(http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}

func TestServer_ProxiesRoutesWithRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/embeddings", `{"input":"x"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"object":"list","data":[]}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/embeddings", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/chat/completions", `{}`).Code)

	rec := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `vertex_proxy_requests_total{code="200",mode="buffered",route="chat_completions"} 1`)
	assert.Contains(t, body, `vertex_proxy_token_refreshes_total{outcome="success"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServer_MetricsDisabled(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	cfg := config.DefaultConfig()
	cfg.EnableMetrics = false
	forwarder, err := proxy.NewForwarder(proxy.ProxyConfig{BaseURL: upstream.URL}, staticTokens{}, nil, nil)
	require.NoError(t, err)
	srv, err := New(cfg, Options{Forwarder: forwarder, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type staticTokens struct{}

func (staticTokens) Token(ctx context.Context) (string, error) { return "tok", nil }

func TestServer_DrainsInMemoryEvents(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus(10)
	env := newTestEnv(t, bus)

	rec := env.do(http.MethodPost, "/completions", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	requestID := rec.Header().Get("X-Request-ID")

	require.Eventually(t, func() bool {
		for _, entry := range env.logs.FilterMessage("Request event").All() {
			if entry.ContextMap()["request_id"] == requestID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	closed := env.logs.FilterMessage("Event bus closed").All()
	require.Len(t, closed, 1)
	assert.EqualValues(t, 1, closed[0].ContextMap()["published"])
	assert.EqualValues(t, 0, closed[0].ContextMap()["dropped"])
}

func TestServer_StartAndShutdown(t *testing.T) {
	env := newTestEnv(t, eventbus.NewInMemoryEventBus(10))

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, http.ErrServerClosed), "unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}

	rec := env.do(http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewEventBus(t *testing.T) {
	ctx := context.Background()

	cfg := config.DefaultConfig()
	bus, err := NewEventBus(ctx, cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, bus)

	cfg.EventBusBackend = config.EventBusInMemory
	bus, err = NewEventBus(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &eventbus.InMemoryEventBus{}, bus)
	require.NoError(t, bus.Close())

	cfg.EventBusBackend = "kafka"
	_, err = NewEventBus(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestNewEventBus_Redis(t *testing.T) {
	s := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.EventBusBackend = config.EventBusRedis
	cfg.RedisAddr = s.Addr()
	cfg.RedisStreamKey = "events"

	bus, err := NewEventBus(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &eventbus.RedisStreamsEventBus{}, bus)

	bus.Publish(context.Background(), eventbus.Event{RequestID: "r1"})
	n, err := bus.(*eventbus.RedisStreamsEventBus).StreamLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, bus.Close())
}

func TestNewEventBus_RedisUnreachable(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	addr := s.Addr()
	s.Close()

	cfg := config.DefaultConfig()
	cfg.EventBusBackend = config.EventBusRedis
	cfg.RedisAddr = addr

	_, err = NewEventBus(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to redis")
}

func TestNewRedisEventBus_UsesConsumerSettings(t *testing.T) {
	s := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.RedisAddr = s.Addr()
	cfg.RedisStreamKey = "events"
	cfg.RedisStreamMaxLen = 50

	busCfg := eventbus.DefaultRedisStreamsConfig()
	busCfg.ConsumerGroup = "tailers"
	busCfg.ConsumerName = "host-a"
	bus, err := NewRedisEventBus(context.Background(), cfg, busCfg, nil)
	require.NoError(t, err)
	defer bus.Close()

	got := bus.Config()
	assert.Equal(t, "events", got.StreamKey)
	assert.Equal(t, int64(50), got.MaxLen)
	assert.Equal(t, "tailers", got.ConsumerGroup)
	assert.Equal(t, "host-a", got.ConsumerName)

	require.NoError(t, bus.JoinGroup(context.Background()))
	assert.True(t, s.Exists("events"))
}
