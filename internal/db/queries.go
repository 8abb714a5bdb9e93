package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/trace"
)

// Run represents one scanned transcript: a batch of trace records that
// were reconstructed together.
type Run struct {
	// ID is a ULID that uniquely identifies this run
	ID string `json:"id"`

	// Label is an optional human-readable name for the run
	Label *string `json:"label,omitempty"`

	// SourcePath is the transcript file the run was scanned from, if any
	SourcePath *string `json:"source_path,omitempty"`

	// RecordCount is the number of records the scan produced
	RecordCount int `json:"record_count"`

	// CreatedAt is the Unix timestamp when the run was stored
	CreatedAt int64 `json:"created_at"`

	// DeletedAt is the Unix timestamp for soft delete (nullable)
	DeletedAt *int64 `json:"deleted_at,omitempty"`
}

// InsertRun stores a run and its records in one transaction.
func InsertRun(db *sql.DB, run *Run, records []trace.Record) error {
	tx, err := db.Begin()
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, label, source_path, record_count, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, NULL)`,
		run.ID, toNullString(run.Label), toNullString(run.SourcePath),
		run.RecordCount, run.CreatedAt,
	)
	if err != nil {
		return errors.NewInternal(err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO trace_records (run_id, seq, pc, depth, stack_json)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer stmt.Close()

	for seq, rec := range records {
		stackJSON, err := json.Marshal(rec.StackWords)
		if err != nil {
			return errors.NewInternal(err)
		}
		// pc is stored as the signed 64-bit bit pattern; SQLite has no
		// unsigned integer column type.
		if _, err := stmt.Exec(run.ID, seq, int64(rec.InstructionAddress),
			rec.ReportedDepth, string(stackJSON)); err != nil {
			return errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetRun retrieves a run by its ULID.
// If includeDeleted is false, soft-deleted runs are excluded.
func GetRun(db *sql.DB, id string, includeDeleted bool) (*Run, error) {
	query := `
		SELECT id, label, source_path, record_count, created_at, deleted_at
		FROM runs
		WHERE id = ?`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}

	row := db.QueryRow(query, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return run, nil
}

// ListRuns returns runs ordered newest first, plus the total count for
// pagination.
func ListRuns(db *sql.DB, limit, offset int, includeDeleted bool) ([]Run, int, error) {
	where := ""
	if !includeDeleted {
		where = " WHERE deleted_at IS NULL"
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM runs" + where).Scan(&total); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	rows, err := db.Query(`
		SELECT id, label, source_path, record_count, created_at, deleted_at
		FROM runs`+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, errors.NewInternal(err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, errors.NewInternal(err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.NewInternal(err)
	}

	return runs, total, nil
}

// GetRecords returns the records of a run in event order.
func GetRecords(db *sql.DB, runID string) ([]trace.Record, error) {
	rows, err := db.Query(`
		SELECT pc, depth, stack_json
		FROM trace_records
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	records := make([]trace.Record, 0)
	for rows.Next() {
		var pc, depth int64
		var stackJSON string
		if err := rows.Scan(&pc, &depth, &stackJSON); err != nil {
			return nil, errors.NewInternal(err)
		}
		var stack []uint64
		if err := json.Unmarshal([]byte(stackJSON), &stack); err != nil {
			return nil, errors.NewInternal(err)
		}
		records = append(records, trace.Record{
			InstructionAddress: uint64(pc),
			ReportedDepth:      depth,
			StackWords:         stack,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}

	return records, nil
}

// SoftDeleteRun marks a run deleted without removing its rows.
func SoftDeleteRun(db *sql.DB, id string) error {
	res, err := db.Exec(
		"UPDATE runs SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		time.Now().Unix(), id)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(id)
	}
	return nil
}

// PurgeRuns hard-deletes soft-deleted runs and their records. If
// olderThanDays is non-nil, only runs deleted at least that many days ago
// are removed. Returns the number of purged runs.
func PurgeRuns(db *sql.DB, olderThanDays *int) (int, error) {
	query := "SELECT id FROM runs WHERE deleted_at IS NOT NULL"
	args := []any{}
	if olderThanDays != nil {
		cutoff := time.Now().AddDate(0, 0, -*olderThanDays).Unix()
		query += " AND deleted_at <= ?"
		args = append(args, cutoff)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.NewInternal(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.NewInternal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		// Delete records explicitly; foreign-key cascading is off by
		// default in SQLite.
		if _, err := tx.Exec("DELETE FROM trace_records WHERE run_id = ?", id); err != nil {
			return 0, errors.NewInternal(err)
		}
		if _, err := tx.Exec("DELETE FROM runs WHERE id = ?", id); err != nil {
			return 0, errors.NewInternal(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewInternal(err)
	}
	return len(ids), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRun.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun scans one runs row.
func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var label, sourcePath sql.NullString
	var deletedAt sql.NullInt64

	err := row.Scan(&run.ID, &label, &sourcePath, &run.RecordCount,
		&run.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}

	run.Label = fromNullString(label)
	run.SourcePath = fromNullString(sourcePath)
	if deletedAt.Valid {
		run.DeletedAt = &deletedAt.Int64
	}
	return &run, nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}
