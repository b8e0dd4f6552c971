package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	herrors "mbe-recipe-host/pkg/errors"
	"mbe-recipe-host/pkg/log"
	"mbe-recipe-host/pkg/metrics"
	"mbe-recipe-host/pkg/plc"
	"mbe-recipe-host/pkg/recipe"
	"mbe-recipe-host/pkg/schema/schematest"
	"mbe-recipe-host/pkg/timing"
)

// fakePLC implements PLC for testing.
type fakePLC struct {
	mu         sync.Mutex
	state      plc.State
	connectErr error
	connects   int
	listeners  []func(from, to plc.State)
}

func (f *fakePLC) Status() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]interface{}{"state": f.state.String(), "connects": f.connects}
}

func (f *fakePLC) EnsureConnected(ctx context.Context) error {
	f.mu.Lock()
	err := f.connectErr
	if err == nil {
		f.connects++
	}
	f.mu.Unlock()
	if err == nil {
		f.set(plc.Connected)
	}
	return err
}

func (f *fakePLC) OnStateChange(fn func(from, to plc.State)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *fakePLC) set(s plc.State) {
	f.mu.Lock()
	from := f.state
	f.state = s
	ls := append([]func(from, to plc.State){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range ls {
		fn(from, s)
	}
}

type fakeReceiver struct {
	rec recipe.Recipe
	err error
}

func (f fakeReceiver) ReceiveRecipe(ctx context.Context) (recipe.Recipe, *timing.Result, error) {
	if f.err != nil && !herrors.IsStructural(f.err) {
		return recipe.Recipe{}, nil, f.err
	}
	if f.err != nil {
		return f.rec, nil, f.err
	}
	res, err := timing.Analyze(f.rec)
	return f.rec, res, err
}

func newTestServer(cfg Config) *Server {
	s := New(cfg)
	s.SetLogger(log.Discard())
	return s
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestServerInfo(t *testing.T) {
	s := newTestServer(Config{PLC: &fakePLC{}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/server/info", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	result := decode(t, rec)["result"].(map[string]any)
	if result["service"] != "mbe-recipe-host" {
		t.Errorf("service = %v", result["service"])
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestPLCStatus(t *testing.T) {
	p := &fakePLC{}
	s := newTestServer(Config{PLC: p})
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/plc/status", nil))
	result := decode(t, rec)["result"].(map[string]any)
	if result["state"] != "disconnected" {
		t.Errorf("state = %v", result["state"])
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/plc/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}

func TestPLCConnect(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"handshake", herrors.HandshakeError(10, 1, 2), http.StatusBadGateway, "PROTOCOL_HANDSHAKE"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePLC{connectErr: tt.err}
			s := newTestServer(Config{PLC: p})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/plc/connect", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			body := decode(t, rec)
			if tt.err == nil {
				if st := body["result"].(map[string]any)["state"]; st != "connected" {
					t.Errorf("state = %v", st)
				}
				return
			}
			e := body["error"].(map[string]any)
			if tt.wantErr != "" && e["code"] != tt.wantErr {
				t.Errorf("code = %v, want %s", e["code"], tt.wantErr)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	hm := metrics.NewHostMetrics()
	hm.RecordConnect()
	s := newTestServer(Config{PLC: &fakePLC{}, Metrics: hm})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mbe_plc_connects_total 1") {
		t.Errorf("metrics output:\n%s", rec.Body.String())
	}

	// Not routed without a gatherer.
	rec = httptest.NewRecorder()
	newTestServer(Config{}).Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status without metrics = %d", rec.Code)
	}
}

func buildRecipe(t *testing.T, ids ...int16) recipe.Recipe {
	t.Helper()
	reg := schematest.Registry()
	var steps []recipe.Step
	for _, id := range ids {
		b, err := recipe.NewBuilder(reg, id)
		if err != nil {
			t.Fatal(err)
		}
		if id == schematest.Wait {
			if err := b.SetFloat("step_duration", 4); err != nil {
				t.Fatal(err)
			}
		}
		steps = append(steps, b.Build())
	}
	return recipe.New(steps...)
}

func TestRecipeEndpoint(t *testing.T) {
	r := buildRecipe(t, schematest.Wait, schematest.Wait)
	s := newTestServer(Config{PLC: &fakePLC{}, Recipes: fakeReceiver{rec: r}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/plc/recipe", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	result := decode(t, rec)["result"].(map[string]any)
	if result["rows"] != 2.0 || result["total"] != 8.0 {
		t.Errorf("result = %v", result)
	}
	steps := result["steps"].([]any)
	if second := steps[1].(map[string]any); second["start"] != 4.0 || second["action"] != "Wait" {
		t.Errorf("second step = %v", second)
	}
}

func TestRecipeEndpointBrokenStructure(t *testing.T) {
	r := buildRecipe(t, schematest.EndFor)
	s := newTestServer(Config{Recipes: fakeReceiver{rec: r, err: herrors.UnmatchedEndForError(0)}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/plc/recipe", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	result := decode(t, rec)["result"].(map[string]any)
	if result["rows"] != 1.0 || result["error"] == nil {
		t.Errorf("result = %v", result)
	}
	if _, ok := result["total"]; ok {
		t.Error("broken structure should carry no total")
	}
}

func TestRecipeEndpointTransportError(t *testing.T) {
	err := herrors.ChunkError("read", 100, 10, context.Canceled)
	s := newTestServer(Config{Recipes: fakeReceiver{err: err}})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/plc/recipe", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d", rec.Code)
	}
}

func readNotification(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocketStatePush(t *testing.T) {
	p := &fakePLC{}
	s := newTestServer(Config{PLC: p})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:]+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readNotification(t, conn)
	if first["method"] != "notify_plc_state" {
		t.Fatalf("first message = %v", first)
	}

	p.set(plc.Connecting)
	msg := readNotification(t, conn)
	params := msg["params"].([]any)[0].(map[string]any)
	if params["from"] != "disconnected" || params["to"] != "connecting" {
		t.Errorf("params = %v", params)
	}
	if params["status"].(map[string]any)["state"] != "connecting" {
		t.Errorf("status = %v", params["status"])
	}
}

func TestWebSocketRPC(t *testing.T) {
	p := &fakePLC{}
	s := newTestServer(Config{PLC: p})
	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:]+"/websocket", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readNotification(t, conn)

	if err := conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "plc.status", "id": 7}); err != nil {
		t.Fatal(err)
	}
	resp := readNotification(t, conn)
	if resp["id"] != 7.0 || resp["result"].(map[string]any)["state"] != "disconnected" {
		t.Errorf("response = %v", resp)
	}

	if err := conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": "recipe.start", "id": 8}); err != nil {
		t.Fatal(err)
	}
	resp = readNotification(t, conn)
	if e, ok := resp["error"].(map[string]any); !ok || e["code"] != -32601.0 {
		t.Errorf("response = %v", resp)
	}
}

func TestStop(t *testing.T) {
	s := newTestServer(Config{})
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
