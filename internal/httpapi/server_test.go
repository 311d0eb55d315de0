package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/companion/internal/auth"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/gateway"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/pipeline"
	"github.com/ent0n29/companion/internal/session"
)

type testServer struct {
	ts    *httptest.Server
	host  string
	creds auth.Credentials
	gw    *gateway.Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	creds := auth.Credentials{APIKey: "key-1", APISecret: "secret-1"}
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultVoiceID:           "Dennis",
		PipelineMode:             "mock",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith("test", reg, reg)
	tokens := session.NewTokenBroker(time.Minute)
	sessions := session.NewManager(cfg.SessionInactivityTimeout, tokens)
	verifier := auth.NewVerifier(&creds)
	store := memory.NewInMemoryStore()
	gw := gateway.New(gateway.Deps{
		Verifier: verifier,
		Sessions: sessions,
		Tokens:   tokens,
		Builder:  pipeline.NewMockBuilder(24000),
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	}, gateway.Config{DefaultVoiceID: cfg.DefaultVoiceID})

	srv := New(cfg, Deps{
		Gateway:  gw,
		Sessions: sessions,
		Tokens:   tokens,
		Verifier: verifier,
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		ts.Close()
	})
	u, _ := url.Parse(ts.URL)
	return &testServer{ts: ts, host: u.Host, creds: creds, gw: gw}
}

func (s *testServer) sign(t *testing.T) string {
	t.Helper()
	nonce, err := auth.NewNonce()
	if err != nil {
		t.Fatalf("NewNonce() error = %v", err)
	}
	return auth.Sign(s.creds, s.host, time.Now(), nonce)
}

func (s *testServer) post(t *testing.T, path, authValue string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	}
	req, _ := http.NewRequest(http.MethodPost, s.ts.URL+path, rdr)
	if authValue != "" {
		req.Header.Set("Authorization", authValue)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (s *testServer) createSession(t *testing.T) (string, string) {
	t.Helper()
	res, body := s.post(t, "/v1/session", s.sign(t), map[string]string{"userId": "u1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %v", res.StatusCode, body)
	}
	key, _ := body["sessionKey"].(string)
	tok, _ := body["wsToken"].(string)
	if key == "" || tok == "" || body["expiresAt"] == nil {
		t.Fatalf("create response = %v", body)
	}
	return key, tok
}

func (s *testServer) dial(t *testing.T, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/session/ws?" + query.Encode()
	conn, res, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, res, err
}

func (s *testServer) waitBound(t *testing.T, key string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.gw.Lookup(key); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection for %s never bound", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestCreateSessionRequiresSignature(t *testing.T) {
	s := newTestServer(t)

	res, body := s.post(t, "/v1/session", "", nil)
	if res.StatusCode != http.StatusUnauthorized || body["code"] != "malformed_header" {
		t.Fatalf("unsigned create = %d %v", res.StatusCode, body)
	}

	bad := auth.Sign(auth.Credentials{APIKey: "key-1", APISecret: "wrong"}, s.host, time.Now(), "n-bad")
	res, body = s.post(t, "/v1/session", bad, nil)
	if res.StatusCode != http.StatusUnauthorized || body["code"] != "signature_mismatch" {
		t.Fatalf("bad signature create = %d %v", res.StatusCode, body)
	}

	value := s.sign(t)
	if res, _ := s.post(t, "/v1/session", value, nil); res.StatusCode != http.StatusCreated {
		t.Fatalf("signed create status = %d", res.StatusCode)
	}
	res, body = s.post(t, "/v1/session", value, nil)
	if res.StatusCode != http.StatusUnauthorized || body["code"] != "nonce_replayed" {
		t.Fatalf("replayed create = %d %v", res.StatusCode, body)
	}
}

func TestSessionWSTokenRoundTrip(t *testing.T) {
	s := newTestServer(t)
	key, tok := s.createSession(t)

	conn, _, err := s.dial(t, url.Values{"key": {key}, "wsToken": {tok}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "text", "key": key, "text": "hello", "interactionId": "i1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var types []string
	for len(types) < 3 {
		ev := readEvent(t, conn)
		if ev["interactionId"] != "i1" {
			t.Fatalf("event %v has wrong interactionId", ev)
		}
		types = append(types, ev["type"].(string))
	}
	if strings.Join(types, ",") != "text,audio,audioSessionEnd" {
		t.Fatalf("event types = %v", types)
	}

	// Tokens are single use.
	_, res, err := s.dial(t, url.Values{"key": {key}, "wsToken": {tok}})
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reused token dial err=%v res=%v, want 401", err, res)
	}
}

func TestSessionWSQueryAuthorization(t *testing.T) {
	s := newTestServer(t)
	value := s.sign(t)
	rawQuery := "key=client-key&authorization=" + auth.EncodeQueryValue(value)
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/session/ws?" + rawQuery

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hologram","interactionId":"h1"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	ev := readEvent(t, conn)
	if ev["type"] != "error" || ev["interactionId"] != "h1" {
		t.Fatalf("event = %v, want error for h1", ev)
	}

	_, res, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed dial err=%v res=%v, want 401", err, res)
	}
}

func TestSessionWSRequiresKey(t *testing.T) {
	s := newTestServer(t)
	_, res, err := s.dial(t, url.Values{"wsToken": {"x"}})
	if err == nil || res == nil || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("dial without key err=%v res=%v, want 400", err, res)
	}
}

func TestSessionWSSignatureWithoutKey(t *testing.T) {
	s := newTestServer(t)
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/session/ws?authorization=" + auth.EncodeQueryValue(s.sign(t))

	conn, res, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	key := res.Header.Get(sessionKeyHeader)
	if key == "" {
		t.Fatalf("upgrade response has no %s header", sessionKeyHeader)
	}
	s.waitBound(t, key)
}

func TestSessionWSTokenWinsOverBadAuthorization(t *testing.T) {
	s := newTestServer(t)
	key, tok := s.createSession(t)
	base := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/session/ws?key=" + url.QueryEscape(key)

	conn, res, err := websocket.DefaultDialer.Dial(base+"&wsToken="+url.QueryEscape(tok)+"&authorization=%zz", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	if got := res.Header.Get(sessionKeyHeader); got != key {
		t.Fatalf("%s = %q, want %q", sessionKeyHeader, got, key)
	}

	_, res, err = websocket.DefaultDialer.Dial(base+"&authorization=%zz", nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad authorization without token err=%v res=%v, want 401", err, res)
	}
}

func TestSecondConnectionSupersedesFirst(t *testing.T) {
	s := newTestServer(t)
	key, tok := s.createSession(t)

	first, _, err := s.dial(t, url.Values{"key": {key}, "wsToken": {tok}})
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	s.waitBound(t, key)
	header := http.Header{"Authorization": {s.sign(t)}}
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/v1/session/ws?key=" + url.QueryEscape(key)
	second, _, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("second Dial() error = %v", err)
	}
	defer second.Close()

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	if !websocket.IsCloseError(err, gateway.CloseSuperseded) {
		t.Fatalf("first connection read error = %v, want close %d", err, gateway.CloseSuperseded)
	}
}

func TestEndSessionClosesWebsocket(t *testing.T) {
	s := newTestServer(t)
	key, tok := s.createSession(t)
	conn, _, err := s.dial(t, url.Values{"key": {key}, "wsToken": {tok}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	s.waitBound(t, key)

	res, body := s.post(t, "/v1/session/"+key+"/end", s.sign(t), nil)
	if res.StatusCode != http.StatusOK || body["status"] != "ended" {
		t.Fatalf("end = %d %v", res.StatusCode, body)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, gateway.CloseSessionEnded) {
		t.Fatalf("read error = %v, want close %d", err, gateway.CloseSessionEnded)
	}

	if res, _ := s.post(t, "/v1/session/missing/end", s.sign(t), nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want 404", res.StatusCode)
	}
}

func TestHealthReadyAndMetrics(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency"} {
		res, err := http.Get(s.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, res.StatusCode)
		}
	}

	_, _ = s.post(t, "/v1/session", "", nil)
	res, err := http.Get(s.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(raw), `test_auth_results_total{result="malformed_header"} 1`) {
		t.Fatalf("metrics missing auth failure:\n%s", raw)
	}
}

func TestRawQueryParam(t *testing.T) {
	v, ok := rawQueryParam("key=a&authorization=IW1-HMAC-SHA256+ApiKey%3Dk&x=1", "authorization")
	if !ok || v != "IW1-HMAC-SHA256+ApiKey%3Dk" {
		t.Fatalf("rawQueryParam() = %q, %v", v, ok)
	}
	if _, ok := rawQueryParam("key=a", "authorization"); ok {
		t.Fatalf("rawQueryParam() found a missing parameter")
	}
}
