package handlers

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"deviceserver/internal/config"
	"deviceserver/internal/devicemgr"
	"deviceserver/internal/httpcodec"
	"deviceserver/internal/logging"
	"deviceserver/internal/store"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	telemetry := store.NewMemoryTelemetryStore()
	requirement := store.NewMemoryRequirementStore()
	log := logging.New(io.Discard, logging.DEBUG)
	devices, err := devicemgr.New(config.StorageMemory, telemetry, log)
	if err != nil {
		t.Fatalf("devicemgr.New: %v", err)
	}
	return New(telemetry, requirement, devices, log)
}

func parseStatus(t *testing.T, resp []byte) int {
	t.Helper()
	s := string(resp)
	line := s[:strings.Index(s, "\r\n")]
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		t.Fatalf("malformed status line: %q", line)
	}
	var code int
	for _, c := range parts[1] {
		code = code*10 + int(c-'0')
	}
	return code
}

func responseBody(resp []byte) []byte {
	s := string(resp)
	idx := strings.Index(s, "\r\n\r\n")
	return []byte(s[idx+4:])
}

func TestDeviceReportSuccess(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{
		Method: "POST",
		Path:   "/api/v1/device/report",
		Body:   []byte(`{"device_id":"dev-1","timestamp":100,"metrics":{"cpu":0.5}}`),
	}

	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 200 {
		t.Fatalf("expected 200, got response %q", resp)
	}

	points, err := h.telemetry.QueryLatest(context.Background(), "dev-1", 10)
	if err != nil {
		t.Fatalf("QueryLatest: %v", err)
	}
	if len(points) != 1 || points[0].Timestamp != 100 {
		t.Fatalf("expected stored point, got %+v", points)
	}
}

func TestDeviceReportRejectsMissingDeviceID(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{
		Method: "POST",
		Path:   "/api/v1/device/report",
		Body:   []byte(`{"metrics":{"cpu":0.5}}`),
	}
	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 400 {
		t.Fatalf("expected 400, got %q", resp)
	}
}

func TestDeviceReportRejectsEmptyMetrics(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{
		Method: "POST",
		Path:   "/api/v1/device/report",
		Body:   []byte(`{"device_id":"dev-1","metrics":{}}`),
	}
	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 400 {
		t.Fatalf("expected 400, got %q", resp)
	}
}

func TestDeviceReportRejectsNullMetricValue(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{
		Method: "POST",
		Path:   "/api/v1/device/report",
		Body:   []byte(`{"device_id":"dev-1","metrics":{"cpu":null}}`),
	}
	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 400 {
		t.Fatalf("expected 400, got %q", resp)
	}
}

func TestDeviceReportRejectsMalformedJSON(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{Method: "POST", Path: "/api/v1/device/report", Body: []byte(`{not json`)}
	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 400 {
		t.Fatalf("expected 400, got %q", resp)
	}
}

func TestDeviceQueryReturnsStoredPoints(t *testing.T) {
	h := newTestHandlers(t)
	ctx := context.Background()

	reportReq := httpcodec.Request{
		Method: "POST",
		Path:   "/api/v1/device/report",
		Body:   []byte(`{"device_id":"dev-1","timestamp":1,"metrics":{"cpu":1}}`),
	}
	h.Route(ctx, reportReq)

	queryReq := httpcodec.Request{Method: "GET", Path: "/api/v1/device/query", Query: "device_id=dev-1"}
	resp := h.Route(ctx, queryReq)
	if parseStatus(t, resp) != 200 {
		t.Fatalf("expected 200, got %q", resp)
	}

	var body map[string]any
	if err := json.Unmarshal(responseBody(resp), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["device_id"] != "dev-1" {
		t.Fatalf("expected device_id dev-1, got %+v", body)
	}
	data, _ := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected 1 data point, got %+v", data)
	}
}

func TestDeviceQueryRequiresDeviceID(t *testing.T) {
	h := newTestHandlers(t)
	resp := h.Route(context.Background(), httpcodec.Request{Method: "GET", Path: "/api/v1/device/query"})
	if parseStatus(t, resp) != 400 {
		t.Fatalf("expected 400, got %q", resp)
	}
}

func TestRequirementReportNormalizesOutOfRangeWillingToPay(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{
		Method: "POST",
		Path:   "/api/v1/requirement/report",
		Body:   []byte(`{"title":"t","content":"c","willing_to_pay":9}`),
	}
	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 200 {
		t.Fatalf("expected 200, got %q", resp)
	}

	result, err := h.requirement.QueryRequirements(context.Background(), 1, 10, -1, "")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if len(result.Data) != 1 {
		t.Fatalf("expected 1 requirement stored, got %d", len(result.Data))
	}
	if result.Data[0].WillingToPay != nil {
		t.Fatalf("expected out-of-range willing_to_pay normalized to nil, got %v", *result.Data[0].WillingToPay)
	}
}

func TestRequirementReportRejectsMissingTitle(t *testing.T) {
	h := newTestHandlers(t)
	req := httpcodec.Request{Method: "POST", Path: "/api/v1/requirement/report", Body: []byte(`{"content":"c"}`)}
	resp := h.Route(context.Background(), req)
	if parseStatus(t, resp) != 400 {
		t.Fatalf("expected 400, got %q", resp)
	}
}

func TestRequirementQueryPaging(t *testing.T) {
	h := newTestHandlers(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.Route(ctx, httpcodec.Request{
			Method: "POST",
			Path:   "/api/v1/requirement/report",
			Body:   []byte(`{"title":"t","content":"c"}`),
		})
	}

	resp := h.Route(ctx, httpcodec.Request{Method: "GET", Path: "/api/v1/requirement/query", Query: "page=1&limit=2"})
	if parseStatus(t, resp) != 200 {
		t.Fatalf("expected 200, got %q", resp)
	}

	var body map[string]any
	if err := json.Unmarshal(responseBody(resp), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["total"].(float64) != 3 {
		t.Fatalf("expected total 3, got %+v", body["total"])
	}
	data, _ := body["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("expected page size 2, got %d", len(data))
	}
}

func TestRouteUnmatchedReturns404(t *testing.T) {
	h := newTestHandlers(t)
	resp := h.Route(context.Background(), httpcodec.Request{Method: "GET", Path: "/nope"})
	if parseStatus(t, resp) != 404 {
		t.Fatalf("expected 404, got %q", resp)
	}
}
