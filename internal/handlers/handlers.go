// Package handlers translates parsed HTTP requests into store calls and
// shapes JSON responses.
package handlers

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"deviceserver/internal/devicemgr"
	"deviceserver/internal/httpcodec"
	"deviceserver/internal/logging"
	"deviceserver/internal/model"
	"deviceserver/internal/store"
)

// Handlers wires the store/devicemgr layer to HTTP request/response
// translation.
type Handlers struct {
	telemetry   store.TelemetryStore
	requirement store.RequirementStore
	devices     *devicemgr.Manager
	log         *logging.Logger
}

// New constructs a Handlers bound to the given stores.
func New(telemetry store.TelemetryStore, requirement store.RequirementStore, devices *devicemgr.Manager, log *logging.Logger) *Handlers {
	return &Handlers{telemetry: telemetry, requirement: requirement, devices: devices, log: log}
}

// Route dispatches one parsed request to the matching endpoint handler,
// returning a complete raw HTTP response. Unmatched method/path yields 404;
// this is the function threaded into tcpserver.Server.SetRequestHandler
// (via a small adapter in internal/app that first runs httpcodec.ParseRequest).
func (h *Handlers) Route(ctx context.Context, req httpcodec.Request) []byte {
	switch {
	case req.Method == "POST" && req.Path == "/api/v1/device/report":
		return h.deviceReport(ctx, req)
	case req.Method == "GET" && req.Path == "/api/v1/device/query":
		return h.deviceQuery(ctx, req)
	case req.Method == "POST" && req.Path == "/api/v1/requirement/report":
		return h.requirementReport(ctx, req)
	case req.Method == "GET" && req.Path == "/api/v1/requirement/query":
		return h.requirementQuery(ctx, req)
	default:
		return notFound()
	}
}

func notFound() []byte {
	return httpcodec.BuildResponse(404, []byte(`{"code":404,"message":"Not Found"}`), "application/json")
}

func badRequest(reason string) []byte {
	body, _ := json.Marshal(map[string]any{"code": 400, "message": "Invalid request body"})
	return httpcodec.BuildResponse(400, body, "application/json")
}

func internalError() []byte {
	return httpcodec.BuildResponse(500, []byte(`{"code":500,"message":"Internal Server Error"}`), "application/json")
}

type deviceReportBody struct {
	DeviceID  string              `json:"device_id"`
	Timestamp int64               `json:"timestamp"`
	Metrics   map[string]*float64 `json:"metrics"`
}

func (h *Handlers) deviceReport(ctx context.Context, req httpcodec.Request) []byte {
	var body deviceReportBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return badRequest("malformed JSON body")
	}
	if body.DeviceID == "" {
		return badRequest("device_id is required")
	}
	if len(body.Metrics) == 0 {
		return badRequest("metrics must contain at least one entry")
	}
	metrics := make(map[string]float64, len(body.Metrics))
	for k, v := range body.Metrics {
		if v == nil {
			return badRequest("metrics values must not be null")
		}
		if *v != *v { // NaN check without importing math
			return badRequest("metrics values must be numeric")
		}
		metrics[k] = *v
	}

	// Fire-and-forget: storage failures are logged, not surfaced to the
	// caller.
	if err := h.devices.EnsureRegistered(ctx, body.DeviceID); err != nil {
		h.log.Error("handlers: ensure device registered %q: %v", body.DeviceID, err)
	}
	point := model.DataPoint{Timestamp: body.Timestamp, Metrics: metrics}
	if err := h.telemetry.Append(ctx, body.DeviceID, point); err != nil {
		h.log.Error("handlers: append telemetry for %q: %v", body.DeviceID, err)
	}

	return okResponse()
}

func okResponse() []byte {
	return httpcodec.BuildResponse(200, []byte(`{"code":0,"message":"ok"}`), "application/json")
}

func (h *Handlers) deviceQuery(ctx context.Context, req httpcodec.Request) []byte {
	values, err := url.ParseQuery(req.Query)
	if err != nil {
		return badRequest("malformed query string")
	}

	deviceID := values.Get("device_id")
	if deviceID == "" {
		return badRequest("device_id is required")
	}

	limit := 100
	if v := values.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	if limit < 1 {
		limit = 1
	}

	points, err := h.telemetry.QueryLatest(ctx, deviceID, limit)
	if err != nil {
		h.log.Error("handlers: query telemetry for %q: %v", deviceID, err)
		return internalError()
	}

	data := make([]map[string]any, 0, len(points))
	for _, p := range points {
		item := map[string]any{"timestamp": p.Timestamp}
		for k, v := range p.Metrics {
			item[k] = v
		}
		data = append(data, item)
	}

	body, err := json.Marshal(map[string]any{"device_id": deviceID, "data": data})
	if err != nil {
		h.log.Error("handlers: marshal device query response: %v", err)
		return internalError()
	}
	return httpcodec.BuildResponse(200, body, "application/json")
}

type requirementReportBody struct {
	Title        string `json:"title"`
	Content      string `json:"content"`
	WillingToPay *int   `json:"willing_to_pay"`
	Contact      string `json:"contact"`
	Notes        string `json:"notes"`
}

func (h *Handlers) requirementReport(ctx context.Context, req httpcodec.Request) []byte {
	var body requirementReportBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return badRequest("malformed JSON body")
	}
	if body.Title == "" {
		return badRequest("title is required")
	}
	if body.Content == "" {
		return badRequest("content is required")
	}

	willingToPay := body.WillingToPay
	if willingToPay != nil && *willingToPay != model.WillingToPayNo && *willingToPay != model.WillingToPayYes {
		willingToPay = nil
	}

	r := model.Requirement{
		Title:        body.Title,
		Content:      body.Content,
		WillingToPay: willingToPay,
		Contact:      body.Contact,
		Notes:        body.Notes,
	}
	if err := h.requirement.AppendRequirement(ctx, r); err != nil {
		h.log.Error("handlers: append requirement: %v", err)
	}

	return okResponse()
}

func (h *Handlers) requirementQuery(ctx context.Context, req httpcodec.Request) []byte {
	values, err := url.ParseQuery(req.Query)
	if err != nil {
		return badRequest("malformed query string")
	}

	page := 1
	if v := values.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > page {
			page = n
		}
	}

	limit := 100
	if v := values.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	willingToPayFilter := model.WillingToPayNoFilter
	if v := values.Get("willing_to_pay"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			switch n {
			case model.WillingToPayNo, model.WillingToPayYes, model.WillingToPayUnset:
				willingToPayFilter = n
			}
		}
	}

	keyword := values.Get("keyword")

	result, err := h.requirement.QueryRequirements(ctx, page, limit, willingToPayFilter, keyword)
	if err != nil {
		h.log.Error("handlers: query requirements: %v", err)
		return internalError()
	}

	body, err := json.Marshal(map[string]any{
		"code":  0,
		"data":  result.Data,
		"total": result.Total,
		"page":  result.Page,
		"limit": result.Limit,
	})
	if err != nil {
		h.log.Error("handlers: marshal requirement query response: %v", err)
		return internalError()
	}
	return httpcodec.BuildResponse(200, body, "application/json")
}
