package diagnostic

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventphone/ywsd/internal/cache"
	"github.com/eventphone/ywsd/internal/models"
	"github.com/eventphone/ywsd/internal/routing/dispatch"
	"github.com/eventphone/ywsd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, gw store.Gateway) *Server {
	t.Helper()
	c := cache.NewMemory(testLogger())
	d := dispatch.New(gw, c, testLogger(), dispatch.Config{}, nil)
	return NewServer(d, "", testLogger(), prometheus.NewRegistry())
}

func decodeEnvelope(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var env map[string]any
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	data, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("envelope has no data object: %s", body)
	}
	return data
}

func TestHandleStage1Success(t *testing.T) {
	caller := models.Extension{ID: 1, Number: "200", Kind: models.KindSimple}
	called := models.Extension{ID: 2, Number: "100", Kind: models.KindSimple}
	gw := store.NewStatic([]models.Extension{caller, called}, nil)

	s := newTestServer(t, gw)

	req := httptest.NewRequest(http.MethodGet, "/stage1?caller=200&called=100", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	data := decodeEnvelope(t, rec.Body.Bytes())
	if data["routing_status"] != "OK" {
		t.Fatalf("routing_status = %v", data["routing_status"])
	}
	main, ok := data["main_routing_result"].(map[string]any)
	if !ok {
		t.Fatalf("main_routing_result missing: %+v", data)
	}
	if main["target"] != "lateroute/100" {
		t.Fatalf("target = %v", main["target"])
	}
	if data["routing_tree"] == nil {
		t.Fatal("routing_tree should be present on success")
	}
}

func TestHandleStage1NoRoute(t *testing.T) {
	caller := models.Extension{ID: 1, Number: "200", Kind: models.KindSimple}
	gw := store.NewStatic([]models.Extension{caller}, nil)

	s := newTestServer(t, gw)

	req := httptest.NewRequest(http.MethodGet, "/stage1?caller=200&called=999", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	data := decodeEnvelope(t, rec.Body.Bytes())
	if data["routing_status"] != "ERROR" {
		t.Fatalf("routing_status = %v", data["routing_status"])
	}
	details, _ := data["routing_status_details"].(string)
	if details == "" {
		t.Fatal("expected routing_status_details to be set")
	}
}

func TestHandleStage1MissingParams(t *testing.T) {
	gw := store.NewStatic(nil, nil)
	s := newTestServer(t, gw)

	req := httptest.NewRequest(http.MethodGet, "/stage1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleHealthz(t *testing.T) {
	gw := store.NewStatic(nil, nil)
	s := newTestServer(t, gw)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
