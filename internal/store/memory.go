package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"deviceserver/internal/model"
)

// MemoryTelemetryStore keeps every DeviceId's series in a map guarded by a
// reader/writer lock.
type MemoryTelemetryStore struct {
	mu      sync.RWMutex
	series  map[string][]model.DataPoint
	devices map[string]struct{}
}

// NewMemoryTelemetryStore returns an empty telemetry store.
func NewMemoryTelemetryStore() *MemoryTelemetryStore {
	return &MemoryTelemetryStore{
		series:  make(map[string][]model.DataPoint),
		devices: make(map[string]struct{}),
	}
}

func (s *MemoryTelemetryStore) Append(_ context.Context, deviceID string, point model.DataPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[deviceID] = append(s.series[deviceID], point)
	return nil
}

func (s *MemoryTelemetryStore) AppendBatch(ctx context.Context, deviceID string, points []model.DataPoint) error {
	for _, p := range points {
		if err := s.Append(ctx, deviceID, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryTelemetryStore) QueryLatest(_ context.Context, deviceID string, limit int) ([]model.DataPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.series[deviceID]
	if limit > len(all) {
		limit = len(all)
	}
	if limit <= 0 {
		return []model.DataPoint{}, nil
	}
	tail := all[len(all)-limit:]
	out := make([]model.DataPoint, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *MemoryTelemetryStore) EnsureDeviceRegistered(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[deviceID] = struct{}{}
	return nil
}

func (s *MemoryTelemetryStore) DeviceExists(_ context.Context, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok, nil
}

// MemoryRequirementStore keeps an append-only slice guarded by a
// reader/writer lock.
type MemoryRequirementStore struct {
	mu   sync.RWMutex
	data []model.Requirement
}

// NewMemoryRequirementStore returns an empty requirement store.
func NewMemoryRequirementStore() *MemoryRequirementStore {
	return &MemoryRequirementStore{}
}

func (s *MemoryRequirementStore) AppendRequirement(_ context.Context, req model.Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.ID = int64(len(s.data)) + 1
	now := time.Now().Format("2006-01-02 15:04:05")
	req.CreatedAt = now
	req.UpdatedAt = now
	s.data = append(s.data, req)
	return nil
}

func (s *MemoryRequirementStore) QueryRequirements(_ context.Context, page, limit, willingToPayFilter int, keyword string) (model.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kw := strings.ToLower(keyword)
	filtered := make([]model.Requirement, 0, len(s.data))
	for _, r := range s.data {
		if !matchesWillingToPay(r.WillingToPay, willingToPayFilter) {
			continue
		}
		if !matchesKeyword(r, kw) {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	result := model.QueryResult{
		Data:  []model.Requirement{},
		Total: int64(len(filtered)),
		Page:  page,
		Limit: limit,
	}

	offset := clampOffset(page, limit)
	if offset >= len(filtered) {
		return result, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	result.Data = append(result.Data, filtered[offset:end]...)
	return result, nil
}

func matchesWillingToPay(v *int, filter int) bool {
	if filter < 0 {
		return true
	}
	if filter == model.WillingToPayUnset {
		return v == nil
	}
	return v != nil && *v == filter
}

func matchesKeyword(r model.Requirement, lowerKeyword string) bool {
	if lowerKeyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Title), lowerKeyword) ||
		strings.Contains(strings.ToLower(r.Content), lowerKeyword)
}
