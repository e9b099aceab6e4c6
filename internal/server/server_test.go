package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateflow/internal/catalog"
	"gateflow/internal/compact"
	"gateflow/internal/config"
	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/engine"
	"gateflow/internal/migrate"
	"gateflow/internal/server"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test")
	cat, err := catalog.FromConfig(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	eng := engine.New(conn, cfg, cat)
	comp := compact.Compactor{
		DB:     eng.DB,
		Repo:   eng.Repo,
		Ledger: eng.Ledger,
		Config: cfg,
		Locks:  eng.Locks,
	}
	handler, err := server.New(server.Config{
		Engine:    eng,
		Compactor: comp,
		Auth:      server.AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, actor, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  actor,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts, http.MethodGet, "/v0/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts, http.MethodGet, "/v0/tasks", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	res, _ = doJSON(t, ts, http.MethodGet, "/v0/tasks", signToken(t, "x", "product")+"tampered", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tampered token status = %d", res.StatusCode)
	}
}

func TestTransitionAndRecord(t *testing.T) {
	ts := newTestServer(t)
	token := signToken(t, "alex", "product")

	res, data := doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/transition", token, server.TransitionRequest{
		TargetGate: "product.discovery",
		Evidence:   &server.EvidenceRequest{Kinds: []string{"market_research", "user_interviews"}},
		Summary: &domain.SummaryDelta{
			Context: "billing revamp",
			Facts:   []domain.Fact{{Text: "invoices fail for EU VAT", Citation: "evidence:market_research"}},
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	var result engine.Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Task.CurrentGate != "product.discovery" || result.Seq != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Entry.Transition.ActorRole != "product" {
		t.Fatalf("actor_role = %s", result.Entry.Transition.ActorRole)
	}

	res, data = doJSON(t, ts, http.MethodGet, "/v0/tasks/T-1", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record status = %d", res.StatusCode)
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Summary == nil || rec.Summary.Context != "billing revamp" {
		t.Fatalf("record summary = %+v", rec.Summary)
	}
	if len(rec.Log) != 1 {
		t.Fatalf("record log = %d entries", len(rec.Log))
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	product := signToken(t, "alex", "product")

	// entry gate first
	res, data := doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/transition", product, server.TransitionRequest{
		TargetGate: "product.discovery",
		Evidence:   &server.EvidenceRequest{Kinds: []string{"market_research", "user_interviews"}},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("setup failed: %s", data)
	}

	// skipping ahead conflicts
	res, data = doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/transition", signToken(t, "kim", "qa"), server.TransitionRequest{
		TargetGate: "qa.ready",
		Evidence:   &server.EvidenceRequest{Kinds: []string{"test_plan"}},
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("out of order status = %d", res.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "out_of_order" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	// wrong role is forbidden
	res, data = doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/transition", signToken(t, "kim", "qa"), server.TransitionRequest{
		TargetGate: "product.prd",
		Evidence:   &server.EvidenceRequest{Kinds: []string{"prd_document"}},
	})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unauthorized status = %d", res.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %s", env.Error.Code)
	}

	// strict missing evidence is unprocessable and names the gap
	res, data = doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/transition", product, server.TransitionRequest{
		TargetGate: "product.prd",
	})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("missing evidence status = %d", res.StatusCode)
	}
	env := decodeError(t, data)
	if env.Error.Code != "missing_evidence" {
		t.Fatalf("code = %s", env.Error.Code)
	}
	if env.Error.Details["missing_kinds"] == nil {
		t.Fatalf("details = %v", env.Error.Details)
	}

	// unknown task is not found
	res, data = doJSON(t, ts, http.MethodGet, "/v0/tasks/nope", product, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("not found status = %d", res.StatusCode)
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestCompactBelowThresholdConflicts(t *testing.T) {
	ts := newTestServer(t)
	product := signToken(t, "alex", "product")
	res, data := doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/transition", product, server.TransitionRequest{
		TargetGate: "product.discovery",
		Evidence:   &server.EvidenceRequest{Kinds: []string{"market_research", "user_interviews"}},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("setup failed: %s", data)
	}

	res, data = doJSON(t, ts, http.MethodPost, "/v0/tasks/T-1/compact", product, server.CompactRequest{})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d: %s", res.StatusCode, data)
	}
	if env := decodeError(t, data); env.Error.Code != "not_needed" {
		t.Fatalf("code = %s", env.Error.Code)
	}
}

func TestCatalogEndpoint(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts, http.MethodGet, "/v0/catalog", signToken(t, "alex", "product"), nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var body struct {
		Entry    string           `json:"entry"`
		Terminal string           `json:"terminal"`
		Gates    []domain.GateDef `json:"gates"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body.Entry != "product.discovery" || body.Terminal != "pm.sync" || len(body.Gates) != 9 {
		t.Fatalf("catalog = %+v", body)
	}
}
