package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/trinhvq/breachscope/internal/audit/pipeline"
	"github.com/trinhvq/breachscope/internal/audit/record"
	"github.com/trinhvq/breachscope/internal/config"
	"github.com/trinhvq/breachscope/internal/observability"
	"github.com/trinhvq/breachscope/internal/store"
)

// memStore is an in-memory store.Store for handler tests.
type memStore struct {
	mu   sync.Mutex
	runs map[string]*pipeline.RunResult
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]*pipeline.RunResult)}
}

func (m *memStore) SaveRun(_ context.Context, result *pipeline.RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[result.ID] = result
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*pipeline.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.runs[id]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	return result, nil
}

func (m *memStore) ListRuns(_ context.Context) ([]store.RunMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metas := make([]store.RunMeta, 0, len(m.runs))
	for _, r := range m.runs {
		metas = append(metas, store.RunMeta{
			ID:            r.ID,
			StartedAt:     r.StartedAt,
			CompletedAt:   r.CompletedAt,
			IdentityCount: len(r.Identities),
			PatternCount:  len(r.Patterns),
		})
	}
	return metas, nil
}

func testServer(t *testing.T) (*Server, *memStore) {
	t.Helper()

	telemetry, err := observability.New(observability.Config{
		ServiceName: "breachscope-test",
		LogLevel:    "error",
	})
	if err != nil {
		t.Fatalf("telemetry init failed: %v", err)
	}

	runner := pipeline.NewRunner(config.DefaultConfig().Detection, telemetry.Logger())
	st := newMemStore()
	return NewServer(runner, st, telemetry, "test"), st
}

func breachDataset() pipeline.Dataset {
	ds := pipeline.Dataset{
		MFAStatus: []record.MFAStatusRecord{
			{Identity: "alice@corp", Enforced: false},
		},
	}
	for i := 0; i < 6; i++ {
		ds.SignIns = append(ds.SignIns, map[string]any{
			"timestamp": fmt.Sprintf("2025-03-10T09:%02d:00Z", i),
			"identity":  "alice@corp",
			"ip":        "203.0.113.5",
			"status":    "failure",
		})
	}
	ds.SignIns = append(ds.SignIns, map[string]any{
		"timestamp": "2025-03-10T09:15:00Z",
		"identity":  "alice@corp",
		"ip":        "203.0.113.5",
		"status":    "success",
	})
	return ds
}

func TestHandleHealth(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router(nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHandleAudit(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router(nil)

	payload, err := json.Marshal(breachDataset())
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audit", bytes.NewReader(payload)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result pipeline.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if result.ID == "" {
		t.Error("expected a run id")
	}
	if len(result.Patterns) != 1 || result.Patterns[0].PatternType != record.PatternConfirmedBreach {
		t.Errorf("expected one confirmed breach, got %+v", result.Patterns)
	}

	if _, err := st.GetRun(context.Background(), result.ID); err != nil {
		t.Errorf("run was not persisted: %v", err)
	}
}

func TestHandleAudit_BadRequests(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router(nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", "{not json", http.StatusBadRequest},
		{"empty dataset", "{}", http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audit", strings.NewReader(tt.body)))
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router(nil)

	stored := &pipeline.RunResult{
		ID: "run-1",
		Identities: []record.IdentityRiskRecord{
			{Identity: "alice@corp", CumulativeScore: 90, RiskTier: record.RiskCritical},
		},
	}
	if err := st.SaveRun(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result pipeline.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if result.ID != "run-1" || len(result.Identities) != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHandleGetRun_NotFound(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router(nil)

	paths := []string{
		"/api/v1/runs/nope",
		"/api/v1/runs/nope/identities",
		"/api/v1/runs/nope/patterns",
		"/api/v1/runs/nope/indicators",
	}
	for _, path := range paths {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestHandleGetIdentities(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router(nil)

	stored := &pipeline.RunResult{
		ID: "run-2",
		Identities: []record.IdentityRiskRecord{
			{Identity: "a@corp", CumulativeScore: 50, RiskTier: record.RiskCritical},
			{Identity: "b@corp", CumulativeScore: 10, RiskTier: record.RiskLow},
		},
	}
	if err := st.SaveRun(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-2/identities", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		RunID      string                      `json:"run_id"`
		Identities []record.IdentityRiskRecord `json:"identities"`
		Count      int                         `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body.RunID != "run-2" || body.Count != 2 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandleListRuns(t *testing.T) {
	srv, st := testServer(t)
	router := srv.Router(nil)

	for i := 0; i < 3; i++ {
		if err := st.SaveRun(context.Background(), &pipeline.RunResult{ID: fmt.Sprintf("run-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Runs  []store.RunMeta `json:"runs"`
		Count int             `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body.Count != 3 || len(body.Runs) != 3 {
		t.Errorf("expected 3 runs, got %+v", body)
	}
}
