package claw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/clawdeck/internal/otel"
)

// fakeGateway serves /rpc with canned per-tool handlers.
type fakeGateway struct {
	t        *testing.T
	handlers map[string]func(params json.RawMessage) (any, *rpcError)
	lastAuth string
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.lastAuth = r.Header.Get("Authorization")
	var req rpcRequest2
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode rpc request: %v", err)
		return
	}
	h, ok := f.handlers[req.Method]
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if !ok {
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type rpcRequest2 struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newFake(t *testing.T) (*fakeGateway, *Client, func()) {
	t.Helper()
	fg := &fakeGateway{t: t, handlers: map[string]func(json.RawMessage) (any, *rpcError){}}
	mux := http.NewServeMux()
	mux.Handle("/rpc", fg)
	srv := httptest.NewServer(mux)
	c := New(Config{BaseURL: srv.URL, Token: "tok", RPCTimeout: 2 * time.Second})
	return fg, c, srv.Close
}

func TestSpawnSession(t *testing.T) {
	fg, c, done := newFake(t)
	defer done()
	fg.handlers["sessions_spawn"] = func(params json.RawMessage) (any, *rpcError) {
		var p SpawnParams
		if err := json.Unmarshal(params, &p); err != nil || p.Task == "" {
			return nil, &rpcError{Code: 1000, Message: "bad params"}
		}
		return map[string]string{"childSessionKey": "agent:sub:1"}, nil
	}

	key, err := c.SpawnSession(context.Background(), SpawnParams{Task: "summarize inbox", Model: "fast"})
	if err != nil {
		t.Fatalf("SpawnSession: %v", err)
	}
	if key != "agent:sub:1" {
		t.Fatalf("key = %s", key)
	}
	if fg.lastAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", fg.lastAuth)
	}
}

func TestListSessions_Find(t *testing.T) {
	fg, c, done := newFake(t)
	defer done()
	fg.handlers["sessions_list"] = func(json.RawMessage) (any, *rpcError) {
		return SessionList{Count: 2, Sessions: []Session{
			{Key: "s1", Idle: 3},
			{Key: "s2", Idle: 120, AbortedLastRun: true},
		}}, nil
	}

	list, err := c.ListSessions(context.Background(), 50, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if _, ok := list.Find("s1"); !ok {
		t.Fatal("s1 not found")
	}
	if _, ok := list.Find("missing"); ok {
		t.Fatal("phantom session found")
	}
}

func TestSessionHistory_ContentShapes(t *testing.T) {
	fg, c, done := newFake(t)
	defer done()
	fg.handlers["sessions_history"] = func(json.RawMessage) (any, *rpcError) {
		return map[string]any{"messages": []map[string]any{
			{"role": "user", "content": "do the thing"},
			{"role": "assistant", "content": []map[string]any{
				{"type": "thinking", "text": "hmm"},
				{"type": "text", "text": "Report ready"},
			}},
		}}, nil
	}

	msgs, err := c.SessionHistory(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("SessionHistory: %v", err)
	}
	if got := LastAssistantText(msgs); got != "Report ready" {
		t.Fatalf("LastAssistantText = %q", got)
	}
}

func TestLastAssistantText_Empty(t *testing.T) {
	msgs := []Message{{Role: "user", Content: json.RawMessage(`"hi"`)}}
	if got := LastAssistantText(msgs); got != "" {
		t.Fatalf("LastAssistantText = %q, want empty", got)
	}
	if got := LastAssistantText(nil); got != "" {
		t.Fatalf("LastAssistantText(nil) = %q", got)
	}
}

func TestInvoke_RPCErrorWrapped(t *testing.T) {
	fg, c, done := newFake(t)
	defer done()
	fg.handlers["sessions_list"] = func(json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: 4000, Message: "backend down"}
	}
	_, err := c.ListSessions(context.Background(), 10, 0)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
}

func TestInvoke_ServerGone(t *testing.T) {
	_, c, done := newFake(t)
	done() // close before calling
	_, err := c.ListSessions(context.Background(), 10, 0)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()
	c := New(Config{BaseURL: slow.URL, RPCTimeout: 100 * time.Millisecond})
	_, err := c.ListSessions(context.Background(), 10, 0)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
}

func TestInvoke_RecordsCallMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := otel.NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fg := &fakeGateway{t: t, handlers: map[string]func(json.RawMessage) (any, *rpcError){
		"sessions_list": func(json.RawMessage) (any, *rpcError) {
			return SessionList{}, nil
		},
		"sessions_history": func(json.RawMessage) (any, *rpcError) {
			return nil, &rpcError{Code: 4000, Message: "backend down"}
		},
	}}
	mux := http.NewServeMux()
	mux.Handle("/rpc", fg)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, RPCTimeout: 2 * time.Second, Metrics: m})

	if _, err := c.ListSessions(context.Background(), 10, 0); err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if _, err := c.SessionHistory(context.Background(), "s1", 10); err == nil {
		t.Fatal("expected history error")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	durations := 0
	var callErrs int64
	for _, scope := range rm.ScopeMetrics {
		for _, met := range scope.Metrics {
			switch met.Name {
			case "clawdeck.gateway.duration":
				hist, ok := met.Data.(metricdata.Histogram[float64])
				if !ok {
					t.Fatalf("duration is %T", met.Data)
				}
				for _, dp := range hist.DataPoints {
					durations += int(dp.Count)
				}
			case "clawdeck.gateway.errors":
				sum, ok := met.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("errors is %T", met.Data)
				}
				for _, dp := range sum.DataPoints {
					callErrs += dp.Value
				}
			}
		}
	}
	if durations != 2 {
		t.Fatalf("duration recordings = %d, want 2", durations)
	}
	if callErrs != 1 {
		t.Fatalf("error count = %d, want 1", callErrs)
	}
}

func TestFlattenContent_Malformed(t *testing.T) {
	if got := FlattenContent(json.RawMessage(`{"not":"a string or parts"}`)); got != "" {
		t.Fatalf("FlattenContent = %q", got)
	}
	if got := FlattenContent(nil); got != "" {
		t.Fatalf("FlattenContent(nil) = %q", got)
	}
}
