package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/algoviz/engine/internal/config"
	"github.com/algoviz/engine/internal/session"
)

func testRouter(t *testing.T, cfg *config.Config) (*chi.Mux, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(context.Background(), cfg, nil)
	h := NewSessionHandler(NewHandler(""), mgr)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, mgr
}

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8080",
		DBPath:         "unused",
		MaxSessions:    2,
		MaxSourceBytes: 10240,
		Limits: config.LimitsConfig{
			TimeCeiling:   5 * time.Second,
			MemoryCeiling: 128 * 1024 * 1024,
			StepCeiling:   10000,
		},
		PlaybackRate: 100,
		TraceTTL:     time.Minute,
	}
}

func submit(t *testing.T, r *chi.Mux, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func waitState(t *testing.T, r *chi.Mux, id, want string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var resp map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["state"] == want {
			return resp
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached state %s", want)
	return nil
}

func TestSubmitAndFetchLifecycle(t *testing.T) {
	r, _ := testRouter(t, testConfig())

	resp := submit(t, r, `{"source": "x = 1\nreturn x + 1\n"}`)
	id, ok := resp["session_id"].(string)
	if !ok || id == "" {
		t.Fatalf("Expected session_id, got %v", resp)
	}

	final := waitState(t, r, id, "Completed")
	if final["summary"] == nil {
		t.Error("Expected summary once sealed")
	}

	// Steps endpoint returns the committed prefix.
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/steps?from=0&count=100", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var stepsResp struct {
		Steps  []json.RawMessage `json:"steps"`
		Total  float64           `json:"total"`
		Sealed bool              `json:"sealed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stepsResp); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if !stepsResp.Sealed {
		t.Error("Expected sealed trace")
	}
	if len(stepsResp.Steps) == 0 || float64(len(stepsResp.Steps)) != stepsResp.Total {
		t.Errorf("Expected all %v steps, got %d", stepsResp.Total, len(stepsResp.Steps))
	}

	// Summary endpoint.
	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/summary", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var summary struct {
		Reason      string `json:"reason"`
		ReturnValue struct {
			Value float64 `json:"value"`
		} `json:"returnValue"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Reason != "Completed" || summary.ReturnValue.Value != 2 {
		t.Errorf("Expected Completed with return 2, got %+v", summary)
	}
}

func TestSubmitValidation(t *testing.T) {
	r, _ := testRouter(t, testConfig())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing source", `{}`, http.StatusBadRequest},
		{"policy violation", `{"source": "y = a.b\n"}`, http.StatusUnprocessableEntity},
		{"syntax error", `{"source": "if x\n"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestSubmitCapacityReturns503(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	cfg.Limits.StepCeiling = 100000000
	r, mgr := testRouter(t, cfg)

	resp := submit(t, r, `{"source": "x = 0\nwhile True:\n    x = x + 1\n"}`)
	id := resp["session_id"].(string)
	defer func() {
		if err := mgr.Cancel(id); err != nil {
			t.Errorf("cancel failed: %v", err)
		}
	}()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/", bytes.NewBufferString(`{"source": "y = 1\n"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.StepCeiling = 100000000
	r, _ := testRouter(t, cfg)

	resp := submit(t, r, `{"source": "x = 0\nwhile True:\n    x = x + 1\n"}`)
	id := resp["session_id"].(string)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}

	waitState(t, r, id, "Cancelled")
}

func TestUnknownSessionReturns404(t *testing.T) {
	r, _ := testRouter(t, testConfig())

	for _, path := range []string{
		"/api/sessions/missing",
		"/api/sessions/missing/steps",
		"/api/sessions/missing/summary",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for %s, got %d", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/missing/cancel", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for cancel, got %d", w.Code)
	}
}

func TestSummaryWhileRunningReturns409(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.StepCeiling = 100000000
	r, mgr := testRouter(t, cfg)

	resp := submit(t, r, `{"source": "x = 0\nwhile True:\n    x = x + 1\n"}`)
	id := resp["session_id"].(string)
	defer func() {
		if err := mgr.Cancel(id); err != nil {
			t.Errorf("cancel failed: %v", err)
		}
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/summary", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}
