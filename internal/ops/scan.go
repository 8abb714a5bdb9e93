package ops

import (
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/trace"
)

// ScanInput contains parameters for the Scan operation.
type ScanInput struct {
	Transcript string  // required: the complete debugger transcript
	Label      *string // optional run label
	SourcePath *string // optional provenance, recorded as-is
	DryRun     bool    // scan without persisting
}

// ScanOutput contains the result of the Scan operation.
type ScanOutput struct {
	ID          string         `json:"id,omitempty"` // empty for dry runs
	RecordCount int            `json:"record_count"`
	Records     []trace.Record `json:"records,omitempty"` // populated for dry runs
}

// Scan reconstructs trace records from a transcript and stores them as a
// new run. With DryRun the records are returned without touching the
// database.
func Scan(database *sql.DB, cfg *config.Config, input ScanInput) (*ScanOutput, error) {
	if input.Transcript == "" {
		return nil, errors.NewInvalidRequest("transcript is required")
	}
	if cfg.TranscriptMaxBytes > 0 && len(input.Transcript) > cfg.TranscriptMaxBytes {
		return nil, errors.NewTranscriptTooLarge(cfg.TranscriptMaxBytes, len(input.Transcript))
	}

	records, err := trace.NewScanner().Scan(strings.NewReader(input.Transcript))
	if err != nil {
		if mErr, ok := err.(*trace.MalformedLineError); ok {
			return nil, errors.NewMalformedTrace(mErr.LineNumber, mErr.Line, mErr.Err)
		}
		return nil, errors.NewInternal(err)
	}

	if input.DryRun {
		return &ScanOutput{RecordCount: len(records), Records: records}, nil
	}

	id, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	run := &db.Run{
		ID:          id,
		Label:       cleanOptionalString(input.Label),
		SourcePath:  cleanOptionalString(input.SourcePath),
		RecordCount: len(records),
		CreatedAt:   time.Now().Unix(),
	}

	if err := db.InsertRun(database, run, records); err != nil {
		return nil, err
	}

	return &ScanOutput{ID: id, RecordCount: len(records)}, nil
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
