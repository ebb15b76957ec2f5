package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/solarmesh/btc/pkg/bundle"
	"github.com/solarmesh/btc/pkg/cache"
	"github.com/solarmesh/btc/pkg/config"
	"github.com/solarmesh/btc/pkg/crypto"
	"github.com/solarmesh/btc/pkg/database"
	"github.com/solarmesh/btc/pkg/forwarding"
	"github.com/solarmesh/btc/pkg/metrics"
	"github.com/solarmesh/btc/pkg/queue"
	"github.com/solarmesh/btc/pkg/service"
	"github.com/solarmesh/btc/pkg/trust"
)

type fakeTrustChecker struct{}

func (fakeTrustChecker) IsInKeyring(keyring, publicKeyHex string) bool { return false }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		DatabaseDriver:      "sqlite3",
		DatabasePath:        fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		DatabaseMaxConns:    1,
		DatabaseMinConns:    1,
		DatabaseMaxIdleTime: 300,
		DatabaseMaxLifetime: 3600,
		StorageBudgetBytes:  10_000_000,
		WarnThreshold:       0.95,
		EvictThreshold:      0.95,
		EvictTargetRatio:    0.90,
		DefaultHopLimit:     20,
		NodeID:              "test-node",
	}
	client, err := database.NewClient(cfg)
	if err != nil {
		t.Fatalf("database.NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	store := queue.New(client)
	accountant := cache.New(store, cfg)
	policy := forwarding.New(store, fakeTrustChecker{})
	trustStore, err := trust.Load(filepath.Join(t.TempDir(), "trust_store.json"))
	if err != nil {
		t.Fatalf("trust.Load: %v", err)
	}
	key, err := crypto.LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatalf("crypto.LoadOrGenerate: %v", err)
	}
	bundles := service.New(key, store, accountant, trustStore, policy, cfg)
	collectors := metrics.New(prometheus.NewRegistry())
	return New(bundles, nil, collectors)
}

func TestHandleHealthReportsNodeID(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["nodeId"] != "test-node" {
		t.Errorf("expected nodeId test-node, got %q", body["nodeId"])
	}
}

func TestHandleCreateAndGetBundleRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	reqBody, _ := json.Marshal(map[string]interface{}{
		"payload":     map[string]interface{}{"hello": "world"},
		"payloadType": "text/plain",
		"topic":       "coordination",
		"priority":    "normal",
		"audience":    "public",
		"ttlSeconds":  3600,
	})
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created bundle.Bundle
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.BundleID == "" {
		t.Fatal("expected a populated bundleId")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/bundles/"+created.BundleID+"?requester="+created.AuthorPublicKey, nil)
	getRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestHandleGetBundleNotFound(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/bundles/b:sha256:nonexistent", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCountQueueReportsZeroWhenEmpty(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/queues/inbox/count", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["count"] != 0 {
		t.Errorf("expected count 0, got %d", body["count"])
	}
}

func TestHandleCacheStats(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stats/cache", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSyncRouteAbsentWhenNoSyncSession(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected /sync to be unregistered (404) when no sync session is configured, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
