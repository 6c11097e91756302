package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/habitflow/xpengine/internal/app/achievement"
	"github.com/habitflow/xpengine/internal/app/engine"
	"github.com/habitflow/xpengine/internal/app/events"
	"github.com/habitflow/xpengine/internal/infra/kv"
	"github.com/habitflow/xpengine/internal/infra/observability"
)

// ─── API Tests ──────────────────────────────────────────────────────────────

const testCatalog = `
achievements:
  - id: fifty
    name: Fifty
    xp_reward: 5
    condition: { type: value, source: total_xp, target: 50 }
  - id: hidden
    name: Hidden
    secret: true
    condition: { type: count, source: goal, target: 3 }
`

func setupServer(t *testing.T) http.Handler {
	t.Helper()
	catalog, err := achievement.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	metrics := observability.NewMetrics()
	hub := events.NewHub(zerolog.Nop())
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{
		Store:       kv.NewMemory(),
		Catalog:     catalog,
		Events:      hub,
		Diagnostics: observability.NewDiagnostics(metrics),
		Tracer:      observability.NewTracer(observability.DefaultTracerConfig()),
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := eng.Start(testContext(t)); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	srv := NewServer(eng, zerolog.Nop())
	srv.SetEventHub(hub)
	srv.SetMetricsHandler(metrics.Handler())
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w, resp
}

func TestAPI_Health(t *testing.T) {
	h := setupServer(t)
	w, resp := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health: %d %v", w.Code, resp)
	}
}

func TestAPI_AddAndRead(t *testing.T) {
	h := setupServer(t)

	w, resp := do(t, h, http.MethodPost, "/api/xp/add", `{"amount": 120, "source": "habit", "source_id": "h1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if resp["xp_gained"] != float64(120) {
		t.Errorf("expected xp_gained=120, got %v", resp["xp_gained"])
	}
	if resp["leveled_up"] != true {
		t.Errorf("expected leveled_up=true, got %v", resp["leveled_up"])
	}
	unlocked, _ := resp["achievements_unlocked"].([]interface{})
	if len(unlocked) != 1 {
		t.Fatalf("expected 1 achievement unlocked, got %v", resp["achievements_unlocked"])
	}

	_, resp = do(t, h, http.MethodGet, "/api/xp", "")
	if resp["total_xp"] != float64(125) {
		t.Errorf("expected total_xp=125, got %v", resp["total_xp"])
	}

	_, resp = do(t, h, http.MethodGet, "/api/level", "")
	if resp["level"] != float64(2) {
		t.Errorf("expected level=2, got %v", resp["level"])
	}

	_, resp = do(t, h, http.MethodGet, "/api/xp/transactions?limit=1", "")
	if resp["count"] != float64(1) {
		t.Errorf("expected count=1, got %v", resp["count"])
	}
	txs := resp["transactions"].([]interface{})
	if src := txs[0].(map[string]interface{})["source"]; src != "achievement" {
		t.Errorf("expected newest transaction to be the reward, got %v", src)
	}

	_, resp = do(t, h, http.MethodGet, "/api/stats", "")
	if resp["transaction_count"] != float64(2) {
		t.Errorf("expected transaction_count=2, got %v", resp["transaction_count"])
	}
}

func TestAPI_ValidationErrors(t *testing.T) {
	h := setupServer(t)
	tests := []struct {
		name string
		path string
		body string
	}{
		{"zero", "/api/xp/add", `{"amount": 0, "source": "habit"}`},
		{"negative", "/api/xp/add", `{"amount": -50, "source": "habit"}`},
		{"bad source", "/api/xp/add", `{"amount": 5, "source": "karma"}`},
		{"unknown field", "/api/xp/add", `{"amount": 5, "source": "habit", "internal": true}`},
		{"malformed", "/api/xp/add", `{`},
		{"subtract zero", "/api/xp/subtract", `{"amount": 0, "source": "habit"}`},
		{"reset unconfirmed", "/api/reset", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := do(t, h, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			e, _ := resp["error"].(map[string]interface{})
			if e["type"] != "validation_error" {
				t.Errorf("expected validation_error, got %v", resp)
			}
		})
	}

	_, resp := do(t, h, http.MethodGet, "/api/xp", "")
	if resp["total_xp"] != float64(0) {
		t.Errorf("rejected requests must not change the total, got %v", resp["total_xp"])
	}
}

func TestAPI_Subtract(t *testing.T) {
	h := setupServer(t)
	do(t, h, http.MethodPost, "/api/xp/add", `{"amount": 30, "source": "habit"}`)
	w, resp := do(t, h, http.MethodPost, "/api/xp/subtract", `{"amount": 10, "source": "habit"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["total_xp"] != float64(20) {
		t.Errorf("expected total_xp=20, got %v", resp["total_xp"])
	}
}

func TestAPI_Achievements(t *testing.T) {
	h := setupServer(t)

	_, resp := do(t, h, http.MethodGet, "/api/achievements", "")
	if resp["total"] != float64(1) {
		t.Errorf("secret achievement should be hidden, total=%v", resp["total"])
	}
	_, resp = do(t, h, http.MethodGet, "/api/achievements?secret=1", "")
	if resp["total"] != float64(2) {
		t.Errorf("expected 2 with secrets, got %v", resp["total"])
	}

	w, resp := do(t, h, http.MethodPost, "/api/achievements/fifty/unlock", "")
	if w.Code != http.StatusOK {
		t.Fatalf("unlock: %d %s", w.Code, w.Body)
	}
	if resp["xp_awarded"] != float64(5) {
		t.Errorf("expected xp_awarded=5, got %v", resp["xp_awarded"])
	}
	_, resp = do(t, h, http.MethodPost, "/api/achievements/fifty/unlock", "")
	if resp["already_unlocked"] != true || resp["xp_awarded"] != float64(0) {
		t.Errorf("second unlock must not award again: %v", resp)
	}

	w, _ = do(t, h, http.MethodPost, "/api/achievements/nope/unlock", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAPI_ResetAndReconcile(t *testing.T) {
	h := setupServer(t)
	do(t, h, http.MethodPost, "/api/xp/add", `{"amount": 60, "source": "goal"}`)

	w, _ := do(t, h, http.MethodPost, "/api/reset", `{"confirm": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("reset: %d", w.Code)
	}
	_, resp := do(t, h, http.MethodGet, "/api/xp", "")
	if resp["total_xp"] != float64(0) {
		t.Errorf("expected 0 after reset, got %v", resp["total_xp"])
	}

	w, resp = do(t, h, http.MethodPost, "/api/reconcile", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: %d", w.Code)
	}
	if resp["total_repaired"] != false {
		t.Errorf("clean ledger should not be repaired: %v", resp)
	}
}

func TestAPI_DiagnosticsAndMetrics(t *testing.T) {
	h := setupServer(t)
	do(t, h, http.MethodPost, "/api/xp/add", `{"amount": 5, "source": "habit"}`)

	_, resp := do(t, h, http.MethodGet, "/api/diagnostics", "")
	diag, _ := resp["diagnostics"].(map[string]interface{})
	if diag["total_operations"] == float64(0) {
		t.Errorf("expected recorded operations, got %v", diag)
	}
	if spans, _ := resp["spans"].([]interface{}); len(spans) == 0 {
		t.Error("expected trace spans")
	}

	w, _ := do(t, h, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), "xpengine_operations_total") {
		t.Error("metrics endpoint missing xpengine_operations_total")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, zerolog.Nop())
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/xp/add", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected burst of 2 then 429, got %v", codes)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/api/xp/add", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected separate bucket per client, got %d", w.Code)
	}
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
