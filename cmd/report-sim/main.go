// Command report-sim posts synthetic telemetry and requirement reports
// against a running device ingest server, for manual smoke-testing.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Base URL of the device ingest server")
	deviceID := flag.String("device-id", "sim-device-1", "Device identifier to report telemetry for")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published reports")
	withRequirements := flag.Bool("requirements", false, "Also periodically submit a synthetic requirement report")

	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	client := &http.Client{Timeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	reportTelemetry(ctx, client, *baseURL, *deviceID)

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, stopping")
			return
		case <-ticker.C:
			reportTelemetry(ctx, client, *baseURL, *deviceID)
			if *withRequirements {
				reportRequirement(ctx, client, *baseURL)
			}
		}
	}
}

type telemetryPayload struct {
	DeviceID  string             `json:"device_id"`
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

func reportTelemetry(ctx context.Context, client *http.Client, baseURL, deviceID string) {
	payload := telemetryPayload{
		DeviceID:  deviceID,
		Timestamp: time.Now().Unix(),
		Metrics: map[string]float64{
			"cpu": 0.1 + rand.Float64()*0.8,
			"mem": 20 + rand.Float64()*60,
		},
	}

	if err := postJSON(ctx, client, baseURL+"/api/v1/device/report", payload); err != nil {
		log.Printf("telemetry report failed: %v", err)
		return
	}
	log.Printf("reported telemetry for %s", deviceID)
}

type requirementPayload struct {
	Title        string `json:"title"`
	Content      string `json:"content"`
	WillingToPay *int   `json:"willing_to_pay,omitempty"`
	Contact      string `json:"contact,omitempty"`
}

func reportRequirement(ctx context.Context, client *http.Client, baseURL string) {
	yes := 1
	payload := requirementPayload{
		Title:        fmt.Sprintf("simulated requirement %d", time.Now().UnixNano()),
		Content:      "generated by report-sim for manual smoke testing",
		WillingToPay: &yes,
		Contact:      "sim@example.invalid",
	}

	if err := postJSON(ctx, client, baseURL+"/api/v1/requirement/report", payload); err != nil {
		log.Printf("requirement report failed: %v", err)
		return
	}
	log.Print("reported synthetic requirement")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
