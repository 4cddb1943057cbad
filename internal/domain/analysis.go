package domain

import (
	"context"
	"time"
)

// AnalysisStatus summarizes how a detection pass went.
type AnalysisStatus string

const (
	AnalysisOK      AnalysisStatus = "ok"
	AnalysisPartial AnalysisStatus = "partial" // some detectors failed
	AnalysisFailed  AnalysisStatus = "failed"  // every detector failed
)

// AnalysisRecord is one audit row for an analyzed image.
type AnalysisRecord struct {
	ID         string
	Channel    string
	MessageID  string
	RoomID     string
	Source     string
	Status     AnalysisStatus
	Findings   int    // number of non-empty result blocks posted
	ErrorClass string // class of the first detector failure, if any
	CreatedAt  time.Time
}

// AnalysisStore records processed messages and analysis outcomes.
type AnalysisStore interface {
	// MarkProcessed returns false when the message was already seen.
	MarkProcessed(ctx context.Context, channel, messageID, roomID string) (bool, error)
	RecordAnalysis(ctx context.Context, rec AnalysisRecord) error
	RecentAnalyses(ctx context.Context, limit int) ([]AnalysisRecord, error)
}
