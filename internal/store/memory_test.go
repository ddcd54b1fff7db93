package store

import (
	"context"
	"testing"

	"deviceserver/internal/model"
)

func TestMemoryTelemetryStoreAppendAndQuery(t *testing.T) {
	s := NewMemoryTelemetryStore()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := s.Append(ctx, "dev-1", model.DataPoint{Timestamp: i, Metrics: map[string]float64{"cpu": float64(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	points, err := s.QueryLatest(ctx, "dev-1", 3)
	if err != nil {
		t.Fatalf("QueryLatest: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	if points[0].Timestamp != 3 || points[2].Timestamp != 5 {
		t.Fatalf("expected the 3 most recent points in order, got %+v", points)
	}
}

func TestMemoryTelemetryStoreQueryUnknownDevice(t *testing.T) {
	s := NewMemoryTelemetryStore()
	points, err := s.QueryLatest(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("QueryLatest: %v", err)
	}
	if len(points) != 0 {
		t.Fatalf("expected no points, got %d", len(points))
	}
}

func TestMemoryTelemetryStoreDeviceRegistration(t *testing.T) {
	s := NewMemoryTelemetryStore()
	ctx := context.Background()

	exists, _ := s.DeviceExists(ctx, "dev-1")
	if exists {
		t.Fatalf("expected device not registered yet")
	}

	if err := s.EnsureDeviceRegistered(ctx, "dev-1"); err != nil {
		t.Fatalf("EnsureDeviceRegistered: %v", err)
	}

	exists, _ = s.DeviceExists(ctx, "dev-1")
	if !exists {
		t.Fatalf("expected device registered")
	}
}

func TestMemoryRequirementStoreAppendAssignsIDAndTimestamps(t *testing.T) {
	s := NewMemoryRequirementStore()
	ctx := context.Background()

	r := model.Requirement{Title: "Dark mode", Content: "Please add a dark theme"}
	if err := s.AppendRequirement(ctx, r); err != nil {
		t.Fatalf("AppendRequirement: %v", err)
	}

	result, err := s.QueryRequirements(ctx, 1, 10, model.WillingToPayNoFilter, "")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if len(result.Data) != 1 {
		t.Fatalf("expected 1 requirement, got %d", len(result.Data))
	}
	got := result.Data[0]
	if got.ID != 1 {
		t.Fatalf("expected ID 1, got %d", got.ID)
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Fatalf("expected timestamps to be assigned")
	}
}

func TestMemoryRequirementStoreFiltersByWillingToPay(t *testing.T) {
	s := NewMemoryRequirementStore()
	ctx := context.Background()

	yes := model.WillingToPayYes
	no := model.WillingToPayNo
	_ = s.AppendRequirement(ctx, model.Requirement{Title: "A", Content: "a", WillingToPay: &yes})
	_ = s.AppendRequirement(ctx, model.Requirement{Title: "B", Content: "b", WillingToPay: &no})
	_ = s.AppendRequirement(ctx, model.Requirement{Title: "C", Content: "c"})

	result, err := s.QueryRequirements(ctx, 1, 10, model.WillingToPayYes, "")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].Title != "A" {
		t.Fatalf("expected only requirement A, got %+v", result.Data)
	}

	result, err = s.QueryRequirements(ctx, 1, 10, model.WillingToPayUnset, "")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if len(result.Data) != 1 || result.Data[0].Title != "C" {
		t.Fatalf("expected only requirement C (unset), got %+v", result.Data)
	}
}

func TestMemoryRequirementStoreFiltersByKeywordAndPages(t *testing.T) {
	s := NewMemoryRequirementStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		title := "feature request"
		if i == 2 {
			title = "unrelated topic"
		}
		_ = s.AppendRequirement(ctx, model.Requirement{Title: title, Content: "body"})
	}

	result, err := s.QueryRequirements(ctx, 1, 10, model.WillingToPayNoFilter, "feature")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if result.Total != 4 {
		t.Fatalf("expected 4 matches, got %d", result.Total)
	}

	page1, err := s.QueryRequirements(ctx, 1, 2, model.WillingToPayNoFilter, "")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if len(page1.Data) != 2 {
		t.Fatalf("expected page size 2, got %d", len(page1.Data))
	}
	// Most recently inserted (highest ID) first.
	if page1.Data[0].ID != 5 {
		t.Fatalf("expected descending ID order, got first ID %d", page1.Data[0].ID)
	}

	page3, err := s.QueryRequirements(ctx, 3, 2, model.WillingToPayNoFilter, "")
	if err != nil {
		t.Fatalf("QueryRequirements: %v", err)
	}
	if len(page3.Data) != 1 {
		t.Fatalf("expected 1 remaining item on page 3, got %d", len(page3.Data))
	}
}
