// Package store defines the telemetry and requirement storage contracts
// and provides a memory-backed and a SQLite-backed implementation of each.
package store

import (
	"context"

	"deviceserver/internal/model"
)

// TelemetryStore persists device telemetry samples.
type TelemetryStore interface {
	Append(ctx context.Context, deviceID string, point model.DataPoint) error
	AppendBatch(ctx context.Context, deviceID string, points []model.DataPoint) error
	QueryLatest(ctx context.Context, deviceID string, limit int) ([]model.DataPoint, error)
	EnsureDeviceRegistered(ctx context.Context, deviceID string) error
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

// RequirementStore persists user-submitted requirement records.
type RequirementStore interface {
	AppendRequirement(ctx context.Context, req model.Requirement) error
	QueryRequirements(ctx context.Context, page, limit, willingToPayFilter int, keyword string) (model.QueryResult, error)
}

// clampOffset mirrors the "offset = max(0, (page-1)*limit)" rule shared by
// every backend's paging logic.
func clampOffset(page, limit int) int {
	offset := (page - 1) * limit
	if offset < 0 {
		return 0
	}
	return offset
}
