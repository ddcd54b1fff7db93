package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"deviceserver/internal/dbpool"
	"deviceserver/internal/logging"
	"deviceserver/internal/model"
)

// pendingPoint is one buffered telemetry write awaiting a batch flush.
type pendingPoint struct {
	deviceID string
	point    model.DataPoint
}

// DBTelemetryStore persists telemetry through a dbpool.Pool, optionally
// coalescing writes into a background batch flusher.
type DBTelemetryStore struct {
	pool *dbpool.Pool
	log  *logging.Logger

	batchSize     int
	batchInterval time.Duration

	mu      sync.Mutex
	buffer  []pendingPoint
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewDBTelemetryStore wraps pool. When batchSize and batchInterval are both
// positive, writes are coalesced by a background flusher; otherwise every
// Append executes its own INSERT immediately.
func NewDBTelemetryStore(pool *dbpool.Pool, log *logging.Logger, batchSize int, batchInterval time.Duration) *DBTelemetryStore {
	s := &DBTelemetryStore{pool: pool, log: log, batchSize: batchSize, batchInterval: batchInterval}
	if batchSize > 0 && batchInterval > 0 {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		s.started = true
		go s.flushLoop()
	}
	return s
}

func (s *DBTelemetryStore) batching() bool {
	return s.started
}

func (s *DBTelemetryStore) Append(ctx context.Context, deviceID string, point model.DataPoint) error {
	if !s.batching() {
		return s.insertOne(ctx, deviceID, point)
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, pendingPoint{deviceID: deviceID, point: point})
	shouldFlush := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if shouldFlush {
		s.flushBatch(ctx)
	}
	return nil
}

func (s *DBTelemetryStore) AppendBatch(ctx context.Context, deviceID string, points []model.DataPoint) error {
	for _, p := range points {
		if err := s.Append(ctx, deviceID, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *DBTelemetryStore) insertOne(ctx context.Context, deviceID string, point model.DataPoint) error {
	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		s.log.Error("dbstore: acquire connection for insert: %v", err)
		return err
	}
	defer guard.Release()

	_, err = guard.Conn().ExecContext(ctx,
		`INSERT INTO data_points (device_id, timestamp, metrics) VALUES (?, ?, ?)`,
		deviceID, point.Timestamp, encodeMetrics(point.Metrics))
	if err != nil {
		s.log.Error("dbstore: insert data point: %v", err)
		return err
	}
	return nil
}

func (s *DBTelemetryStore) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flushBatch(context.Background())
		case <-s.stopCh:
			s.flushBatch(context.Background())
			return
		}
	}
}

func (s *DBTelemetryStore) flushBatch(ctx context.Context) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if err := s.executeBatchInsert(ctx, batch); err != nil {
		s.log.Error("dbstore: batch flush failed, re-queuing %d point(s): %v", len(batch), err)
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
	}
}

func (s *DBTelemetryStore) executeBatchInsert(ctx context.Context, batch []pendingPoint) error {
	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer guard.Release()

	var sb strings.Builder
	sb.WriteString("INSERT INTO data_points (device_id, timestamp, metrics) VALUES ")
	args := make([]any, 0, len(batch)*3)
	for i, p := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?)")
		args = append(args, p.deviceID, p.point.Timestamp, encodeMetrics(p.point.Metrics))
	}

	_, err = guard.Conn().ExecContext(ctx, sb.String(), args...)
	return err
}

func (s *DBTelemetryStore) QueryLatest(ctx context.Context, deviceID string, limit int) ([]model.DataPoint, error) {
	var pending []model.DataPoint
	s.mu.Lock()
	for _, p := range s.buffer {
		if p.deviceID == deviceID {
			pending = append(pending, p.point)
		}
	}
	s.mu.Unlock()

	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer guard.Release()

	rows, err := guard.Conn().QueryContext(ctx,
		`SELECT timestamp, metrics FROM data_points WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query data points: %w", err)
	}
	defer rows.Close()

	var fromDB []model.DataPoint
	for rows.Next() {
		var ts int64
		var metricsJSON string
		if err := rows.Scan(&ts, &metricsJSON); err != nil {
			return nil, fmt.Errorf("scan data point: %w", err)
		}
		fromDB = append(fromDB, model.DataPoint{Timestamp: ts, Metrics: decodeMetrics(metricsJSON)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	merged := append(fromDB, pending...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	if limit < len(merged) {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

func (s *DBTelemetryStore) EnsureDeviceRegistered(ctx context.Context, deviceID string) error {
	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		s.log.Error("dbstore: acquire connection for device registration: %v", err)
		return err
	}
	defer guard.Release()

	_, err = guard.Conn().ExecContext(ctx, `INSERT OR IGNORE INTO devices (device_id) VALUES (?)`, deviceID)
	if err != nil {
		s.log.Error("dbstore: ensure device registered: %v", err)
	}
	return err
}

func (s *DBTelemetryStore) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		return false, err
	}
	defer guard.Release()

	var one int
	err = guard.Conn().QueryRowContext(ctx, `SELECT 1 FROM devices WHERE device_id = ? LIMIT 1`, deviceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown stops the background flusher (if any), then flushes one last
// time.
func (s *DBTelemetryStore) Shutdown() {
	if !s.batching() {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

// DBRequirementStore persists requirements through a dbpool.Pool. The
// WHERE-clause assembly builds predicates into a slice joined with AND,
// using ? placeholders throughout instead of manual string concatenation.
type DBRequirementStore struct {
	pool *dbpool.Pool
	log  *logging.Logger
}

// NewDBRequirementStore wraps pool.
func NewDBRequirementStore(pool *dbpool.Pool, log *logging.Logger) *DBRequirementStore {
	return &DBRequirementStore{pool: pool, log: log}
}

func (s *DBRequirementStore) AppendRequirement(ctx context.Context, req model.Requirement) error {
	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		s.log.Error("dbstore: acquire connection for requirement insert: %v", err)
		return err
	}
	defer guard.Release()

	var willingToPay any
	if req.WillingToPay != nil {
		willingToPay = *req.WillingToPay
	}
	var contact, notes any
	if req.Contact != "" {
		contact = req.Contact
	}
	if req.Notes != "" {
		notes = req.Notes
	}

	_, err = guard.Conn().ExecContext(ctx,
		`INSERT INTO requirements (title, content, willing_to_pay, contact, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now', 'localtime'), datetime('now', 'localtime'))`,
		req.Title, req.Content, willingToPay, contact, notes)
	if err != nil {
		s.log.Error("dbstore: insert requirement: %v", err)
	}
	return err
}

func (s *DBRequirementStore) QueryRequirements(ctx context.Context, page, limit, willingToPayFilter int, keyword string) (model.QueryResult, error) {
	result := model.QueryResult{Data: []model.Requirement{}, Page: page, Limit: limit}

	guard, err := s.pool.Acquire(ctx, -1)
	if err != nil {
		s.log.Error("dbstore: acquire connection for requirement query: %v", err)
		return result, err
	}
	defer guard.Release()

	var clauses []string
	var args []any
	switch {
	case willingToPayFilter == model.WillingToPayUnset:
		clauses = append(clauses, "willing_to_pay IS NULL")
	case willingToPayFilter >= 0:
		clauses = append(clauses, "willing_to_pay = ?")
		args = append(args, willingToPayFilter)
	}
	if keyword != "" {
		clauses = append(clauses, "(title LIKE ? OR content LIKE ?)")
		like := "%" + keyword + "%"
		args = append(args, like, like)
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	countSQL := "SELECT COUNT(*) FROM requirements " + where
	if err := guard.Conn().QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return result, fmt.Errorf("count requirements: %w", err)
	}
	result.Total = total

	offset := clampOffset(page, limit)
	dataSQL := fmt.Sprintf(
		"SELECT id, title, content, willing_to_pay, contact, notes, created_at, updated_at FROM requirements %s ORDER BY created_at DESC LIMIT ? OFFSET ?",
		where)
	rows, err := guard.Conn().QueryContext(ctx, dataSQL, append(append([]any{}, args...), limit, offset)...)
	if err != nil {
		return result, fmt.Errorf("query requirements: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.Requirement
		var willingToPay sql.NullInt64
		var contact, notes sql.NullString
		if err := rows.Scan(&r.ID, &r.Title, &r.Content, &willingToPay, &contact, &notes, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return result, fmt.Errorf("scan requirement: %w", err)
		}
		if willingToPay.Valid {
			v := int(willingToPay.Int64)
			r.WillingToPay = &v
		}
		r.Contact = contact.String
		r.Notes = notes.String
		result.Data = append(result.Data, r)
	}
	if err := rows.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// InitSchema creates the tables this package's stores rely on.
func InitSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS data_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			metrics TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_data_points_device_ts ON data_points (device_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS requirements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			willing_to_pay INTEGER,
			contact TEXT,
			notes TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
