// Package store persists processed webhook deliveries and the analysis audit log in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"visionbot/internal/domain"
)

// SQLiteStore implements domain.AnalysisStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.AnalysisStore = (*SQLiteStore)(nil)

// Open creates the database file if needed and applies pending migrations.
func Open(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.With("component", "store"), now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MarkProcessed inserts the delivery and reports whether it was new.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, channel, messageID, roomID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (channel, message_id, room_id, received_at)
		 VALUES (?, ?, ?, ?)`,
		channel, messageID, roomID, s.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%s: %w", channel, messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed %s/%s: %w", channel, messageID, err)
	}
	return n == 1, nil
}

// RecordAnalysis appends an audit row, assigning an ID and timestamp when missing.
func (s *SQLiteStore) RecordAnalysis(ctx context.Context, rec domain.AnalysisRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analyses (id, channel, message_id, room_id, source, status, findings, error_class, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Channel, rec.MessageID, rec.RoomID, rec.Source, string(rec.Status),
		rec.Findings, rec.ErrorClass, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record analysis: %w", err)
	}
	return nil
}

// RecentAnalyses returns the newest audit rows first.
func (s *SQLiteStore) RecentAnalyses(ctx context.Context, limit int) ([]domain.AnalysisRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel, message_id, room_id, source, status, findings, error_class, created_at
		 FROM analyses ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []domain.AnalysisRecord
	for rows.Next() {
		var (
			r       domain.AnalysisRecord
			status  string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Channel, &r.MessageID, &r.RoomID, &r.Source,
			&status, &r.Findings, &r.ErrorClass, &created); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		r.Status = domain.AnalysisStatus(status)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneProcessed forgets deliveries received before cutoff and returns how many were removed.
func (s *SQLiteStore) PruneProcessed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE received_at < ?`, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune processed messages: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("pruned processed messages", "count", n)
	}
	return n, nil
}
