package http

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mesgateway/business/simulated"
	"github.com/c360/mesgateway/dispatcher"
	"github.com/c360/mesgateway/envelope"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/governor"
	"github.com/c360/mesgateway/metric"
	"github.com/c360/mesgateway/pkg/security"
)

const (
	testAPIKey = "test-key"
	testSecret = "test-secret"
	sendBody   = `{"serviceName":"SEND_MESSAGE_COMMAND","requestId":"r1","data":[{"message":"hi","level":"info"}]}`
)

type testEnv struct {
	server  *Server
	gov     *governor.Governor
	baseURL string
	signer  *security.Signer
}

type testOptions struct {
	gateway  func(*gateway.Config)
	governor func(*governor.Config)
	deps     func(*Deps)
}

func newTestEnv(t *testing.T, opts testOptions) *testEnv {
	t.Helper()

	secCfg := security.Config{APIKeys: []string{testAPIKey}, SecretKey: testSecret}
	govCfg := governor.DefaultConfig()
	if opts.governor != nil {
		opts.governor(&govCfg)
	}
	gov, err := governor.New(govCfg)
	require.NoError(t, err)

	d, err := dispatcher.New(simulated.New("NEEDLE-01").Services())
	require.NoError(t, err)

	gwCfg := gateway.DefaultConfig()
	gwCfg.Address = "127.0.0.1:0"
	if opts.gateway != nil {
		opts.gateway(&gwCfg)
	}

	deps := Deps{
		Dispatcher: d,
		Governor:   gov,
		Validator:  security.NewValidator(secCfg),
		Metrics:    metric.NewMetricsRegistry(),
	}
	if opts.deps != nil {
		opts.deps(&deps)
	}

	srv, err := New(gwCfg, deps)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })

	return &testEnv{
		server:  srv,
		gov:     gov,
		baseURL: "http://" + srv.Addr(),
		signer:  security.NewSigner(testAPIKey, testSecret),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, sign bool) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentTypeJSON)
	if sign {
		e.signer.Apply(req, []byte(body))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestEnvelope_EndToEndSuccess(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	resp := env.do(t, http.MethodPost, "/api/mes", sendBody, true)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeJSON, resp.Header.Get("Content-Type"))

	var out envelope.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "r1", out.RequestID)
	assert.Equal(t, dispatcher.SendMessage, out.ServiceName)
	assert.True(t, out.Success())
	assert.NotEmpty(t, out.ResponseID)
}

func TestEnvelope_MissingAuthorization(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	resp := env.do(t, http.MethodPost, "/api/mes", sendBody, false)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, "AUTH_001", out["code"])
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "r1", out["requestId"])
}

func TestEnvelope_SecurityRejections(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	t.Run("unknown key", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.baseURL+"/api/mes", strings.NewReader(sendBody))
		require.NoError(t, err)
		security.NewSigner("wrong", testSecret).Apply(req, []byte(sendBody))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "AUTH_003", decodeBody(t, resp)["code"])
	})

	t.Run("tampered body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, env.baseURL+"/api/mes", strings.NewReader(sendBody+" "))
		require.NoError(t, err)
		env.signer.Apply(req, []byte(sendBody))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "SIG_005", decodeBody(t, resp)["code"])
	})
}

func TestEnvelope_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"unknown service", `{"serviceName":"WARP_DRIVE_COMMAND","requestId":"r2"}`, "unsupported service: WARP_DRIVE_COMMAND"},
		{"missing service", `{"requestId":"r3"}`, "serviceName"},
		{"malformed", `{"serviceName":`, "malformed"},
		{"bad payload", `{"serviceName":"SEND_MESSAGE_COMMAND","data":[]}`, "validation failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/mes", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			out := decodeBody(t, resp)
			assert.Equal(t, float64(400), out["statusCode"])
			assert.Equal(t, false, out["success"])
			assert.Contains(t, strings.ToLower(out["message"].(string)), strings.ToLower(tt.message))
		})
	}
}

func TestEnvelope_RateLimited(t *testing.T) {
	env := newTestEnv(t, testOptions{governor: func(c *governor.Config) { c.MaxRequestsPerMinute = 2 }})

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/mes", sendBody, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := env.do(t, http.MethodPost, "/api/mes", sendBody, true)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	out := decodeBody(t, resp)
	assert.Equal(t, "RATE_002", out["code"])
	assert.Equal(t, float64(60), out["retryAfterSeconds"])
}

func TestEnvelope_PayloadTooLarge(t *testing.T) {
	env := newTestEnv(t, testOptions{governor: func(c *governor.Config) { c.MaxDataSizeMB = 1 }})

	big := `{"serviceName":"SEND_MESSAGE_COMMAND","data":[{"message":"` + strings.Repeat("x", 1<<20) + `"}]}`
	resp := env.do(t, http.MethodPost, "/api/mes", big, true)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	out := decodeBody(t, resp)
	assert.Equal(t, "SIZE_001", out["code"])
	assert.Equal(t, float64(1), out["retryAfterSeconds"])
}

func TestEnvelope_RejectedRequestReleasesSlot(t *testing.T) {
	env := newTestEnv(t, testOptions{governor: func(c *governor.Config) {
		c.MaxConcurrentConnections = 1
		c.SlotTimeout = 100 * time.Millisecond
	}})

	resp := env.do(t, http.MethodPost, "/api/mes", sendBody, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTH_001", decodeBody(t, resp)["code"])
	assert.Equal(t, int64(0), env.gov.Stats().SlotsInUse)

	resp = env.do(t, http.MethodPost, "/api/mes", sendBody, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(0), env.gov.Stats().SlotsInUse)
}

func TestLegacyRoutes(t *testing.T) {
	env := newTestEnv(t, testOptions{})

	tests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodPost, "/api/changespeed", `{"speed":50}`},
		{http.MethodPost, "/api/out-material", `[{"pin":"PIN-11","storageId":"S-01","quantity":2}]`},
		{http.MethodPost, "/api/operationclamp", `{"requestId":"legacy-1","data":[{"clampId":"C1","action":"close"}]}`},
		{http.MethodPost, "/api/getlocationbystorage", `{"storageId":"S-02"}`},
		{http.MethodGet, "/api/out-getpins", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body, true)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			out := decodeBody(t, resp)
			assert.Equal(t, true, out["success"], out["message"])
		})
	}

	resp := env.do(t, http.MethodGet, "/api/out-getpins", "", true)
	var out envelope.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	var pins []string
	require.NoError(t, out.DecodeData(&pins))
	assert.Equal(t, []string{"PIN-11"}, pins)
}

func TestLegacyRequest(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantData  string
		wantID    string
		expectErr bool
	}{
		{name: "empty", body: "  "},
		{name: "array", body: `[{"speed":10}]`, wantData: `[{"speed":10}]`},
		{name: "object", body: `{"speed":10}`, wantData: `[{"speed":10}]`},
		{name: "envelope", body: `{"requestId":"abc","serviceName":"OTHER","data":[{"speed":10}]}`, wantData: `[{"speed":10}]`, wantID: "abc"},
		{name: "not json", body: `speed=10`, expectErr: true},
		{name: "broken array", body: `[{"speed":`, expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := legacyRequest([]byte(tt.body), dispatcher.ChangeSpeed)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dispatcher.ChangeSpeed, req.ServiceName)
			assert.NotEmpty(t, req.RequestID)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, req.RequestID)
			}
			if tt.wantData != "" {
				assert.JSONEq(t, tt.wantData, string(req.Data))
			} else {
				assert.False(t, req.HasData())
			}
		})
	}
}

func TestStatic_PathTraversal(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "www", "public")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("welcome"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("TOP SECRET"), 0o600))

	env := newTestEnv(t, testOptions{gateway: func(c *gateway.Config) { c.StaticRoot = root }})

	for _, target := range []string{"/../../secret.txt", "/../secret.txt", "/..%2f..%2fsecret.txt"} {
		t.Run(target, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.NotEqual(t, http.StatusOK, rec.Code)
			assert.NotContains(t, rec.Body.String(), "TOP SECRET")
		})
	}

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/../../secret.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	resp := env.do(t, http.MethodGet, "/", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "welcome", string(body))
}

func TestResolveStatic(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o600))

	path, err := resolveStatic(root, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", filepath.Base(path))

	_, err = resolveStatic(root, "../../secret.txt")
	assert.Error(t, err)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "s.txt"), []byte("s"), 0o600))
	if err := os.Symlink(filepath.Join(outside, "s.txt"), filepath.Join(root, "link.txt")); err == nil {
		_, err = resolveStatic(root, "/link.txt")
		assert.Error(t, err, "symlink escaping the root")
	}
}

func TestStatic_DirectoryListing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "docs", "manual.pdf"), []byte("%PDF"), 0o600))

	env := newTestEnv(t, testOptions{gateway: func(c *gateway.Config) {
		c.StaticRoot = root
		c.DirectoryListing = true
	}})

	resp := env.do(t, http.MethodGet, "/docs/", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "manual.pdf")
}

func TestFallthrough_UnhandledAndNotFound(t *testing.T) {
	env := newTestEnv(t, testOptions{deps: func(d *Deps) {
		d.Unhandled = func(w http.ResponseWriter, r *http.Request) bool {
			if r.URL.Path != "/custom" {
				return false
			}
			w.WriteHeader(http.StatusTeapot)
			return true
		}
	}})

	assert.Equal(t, http.StatusTeapot, env.do(t, http.MethodGet, "/custom", "", false).StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/nothing-here", "", false).StatusCode)
}

func TestHealthStatisticsAndMetrics(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	env.do(t, http.MethodPost, "/api/mes", sendBody, true)
	env.do(t, http.MethodPost, "/api/mes", sendBody, false)

	resp := env.do(t, http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody(t, resp)
	assert.Equal(t, "healthy", health["status"])

	resp = env.do(t, http.MethodGet, "/api/server/statistics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats statisticsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(2), stats.Statistics.RequestsTotal)
	assert.Equal(t, uint64(1), stats.Statistics.RequestsSuccess)
	assert.Equal(t, uint64(1), stats.Statistics.RequestsRejected)
	assert.Len(t, stats.SupportedServices, 15)
	assert.True(t, stats.Security.APIKey)

	resp = env.do(t, http.MethodGet, "/metrics", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "mesgateway_http_requests_total")
	assert.Contains(t, string(body), `mesgateway_http_rejections_total{code="AUTH_001"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, testOptions{gateway: func(c *gateway.Config) {
		c.CORSOrigins = []string{"https://mes.example.com"}
	}})

	req, err := http.NewRequest(http.MethodOptions, env.baseURL+"/api/mes", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://mes.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://mes.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "X-Signature")
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	events, cancel := env.server.Events().Subscribe(32)
	defer cancel()

	env.do(t, http.MethodPost, "/api/mes", sendBody, true)
	env.do(t, http.MethodPost, "/api/mes", sendBody, false)

	seen := make(map[gateway.EventType]gateway.Event)
	timeout := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case ev := <-events:
			if _, ok := seen[ev.Type]; !ok {
				seen[ev.Type] = ev
			}
		case <-timeout:
			t.Fatalf("missing events, got %v", seen)
		}
	}
	assert.Equal(t, "r1", seen[gateway.EventMessageReceived].RequestID)
	assert.Equal(t, "AUTH_001", seen[gateway.EventRequestRejected].Code)
	assert.Contains(t, seen, gateway.EventConnectionOpened)
	assert.Contains(t, seen, gateway.EventConnectionClosed)
}

// wsHeader returns upgrade headers signed over an empty body.
func wsHeader(signer *security.Signer) http.Header {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	signer.Apply(req, nil)
	return req.Header
}

func dialWS(t *testing.T, env *testEnv, path string) *websocket.Conn {
	t.Helper()
	return dialURL(t, "ws://"+env.server.Addr()+path, wsHeader(env.signer))
}

func dialURL(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestWebSocket_Protocol(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn := dialWS(t, env, "/any/path")

	require.Eventually(t, func() bool { return env.server.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)
	list := env.server.Registry().List()
	require.Len(t, list, 1)
	assert.Equal(t, gateway.RequestTypeWebSocket, list[0].RequestType)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readReply(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("get_time")))
	reply := readReply(t, conn)
	assert.Equal(t, "time", reply["type"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`, reply["time"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"get_status"}`)))
	assert.Equal(t, "status", readReply(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(sendBody)))
	reply = readReply(t, conn)
	assert.Equal(t, "r1", reply["requestId"])
	assert.Equal(t, float64(200), reply["statusCode"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"self_destruct"}`)))
	reply = readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["message"], "self_destruct")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello machine")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Equal(t, "hello machine", string(data))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4}))
	reply = readReply(t, conn)
	assert.Equal(t, "ack", reply["type"])
	assert.Equal(t, float64(4), reply["bytes"])

	snap := env.server.Statistics().Snapshot(0)
	assert.Equal(t, uint64(6), snap.WebSocketText)
	assert.Equal(t, uint64(1), snap.WebSocketBinary)
}

func TestWebSocket_MessageRate(t *testing.T) {
	env := newTestEnv(t, testOptions{gateway: func(c *gateway.Config) {
		c.MessagesPerSecond = 0.001
		c.MessageBurst = 1
	}})
	conn := dialWS(t, env, "/")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, "pong", readReply(t, conn)["type"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	reply := readReply(t, conn)
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "RATE_002", reply["code"])
}

func TestWebSocket_UpgradeRequiresCredentials(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	url := "ws://" + env.server.Addr() + "/ws"

	tests := []struct {
		name   string
		header http.Header
		code   string
	}{
		{"no credentials", nil, "AUTH_001"},
		{"unknown key", wsHeader(security.NewSigner("wrong", testSecret)), "AUTH_003"},
		{"unsigned", http.Header{security.HeaderAuthorization: {"Bearer " + testAPIKey}}, "SIG_001"},
		{"wrong secret", wsHeader(security.NewSigner(testAPIKey, "other")), "SIG_005"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url, tt.header)
			if conn != nil {
				conn.Close()
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, tt.code, decodeBody(t, resp)["code"])
		})
	}
	assert.Equal(t, 0, env.server.Registry().Count())
}

func TestWebSocket_EnvelopeFrameNeedsSlot(t *testing.T) {
	env := newTestEnv(t, testOptions{governor: func(c *governor.Config) {
		c.MaxConcurrentConnections = 1
		c.SlotTimeout = 50 * time.Millisecond
	}})
	conn := dialWS(t, env, "/ws")

	held := env.gov.AcquireSlot(context.Background(), 0)
	require.True(t, held.Allowed)

	stop := `{"serviceName":"DEVICE_CONTROL_COMMAND","requestId":"s1","data":[{"action":"stop"}]}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(stop)))
	reply := readReply(t, conn)
	assert.Equal(t, float64(http.StatusTooManyRequests), reply["statusCode"])
	assert.Equal(t, "CONC_001", reply["code"])
	assert.Equal(t, "s1", reply["requestId"])
	assert.Equal(t, false, reply["success"])

	held.Release.Release()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(sendBody)))
	reply = readReply(t, conn)
	assert.Equal(t, float64(http.StatusOK), reply["statusCode"])
	assert.Equal(t, "r1", reply["requestId"])
	assert.Equal(t, int64(0), env.gov.Stats().SlotsInUse)
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, testOptions{governor: func(c *governor.Config) { c.MaxDataSizeMB = 1 }})
	events, cancel := env.server.Events().Subscribe(32)
	defer cancel()
	conn := dialWS(t, env, "/ws")

	big := `{"serviceName":"SEND_MESSAGE_COMMAND","requestId":"big","data":[{"message":"` + strings.Repeat("x", 1<<20) + `"}]}`
	_ = conn.WriteMessage(websocket.TextMessage, []byte(big))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	if stderrors.As(err, &closeErr) {
		assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			require.NotEqual(t, gateway.EventMessageReceived, ev.Type)
			if ev.Type == gateway.EventRequestRejected {
				assert.Equal(t, "SIZE_001", ev.Code)
				return
			}
		case <-timeout:
			t.Fatal("no rejection event for oversized frame")
		}
	}
}

func TestWebSocket_UpgradeAfterStopIsClosed(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	require.NoError(t, env.server.Stop(2*time.Second))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()
	conn := dialURL(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", wsHeader(env.signer))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, env.server.Registry().Count())
}

func TestWebSocket_StopClosesClients(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	conn := dialWS(t, env, "/ws")
	require.Eventually(t, func() bool { return env.server.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, env.server.Stop(2*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, env.server.Registry().Count())
	assert.False(t, env.server.Running())
}

func TestRestart(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	env.do(t, http.MethodPost, "/api/mes", sendBody, true)
	require.Equal(t, uint64(1), env.server.Statistics().Snapshot(0).RequestsTotal)

	resp := env.do(t, http.MethodPost, "/api/server/restart", "", false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/server/restart", "", true)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	require.Eventually(t, func() bool {
		r, err := client.Get(env.baseURL + "/api/health")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		return r.StatusCode == http.StatusOK && env.server.Statistics().Snapshot(0).RequestsTotal == 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, env.server.Running())
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(gateway.DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestStart_Twice(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	assert.Error(t, env.server.Start(context.Background()))
}

func TestWriteEnvelopeStatus(t *testing.T) {
	env := newTestEnv(t, testOptions{})
	rec := httptest.NewRecorder()
	env.server.writeEnvelope(rec, envelope.ServerError(nil, "boom"), 0)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"success":false`)))
}
