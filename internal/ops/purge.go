package ops

import (
	"database/sql"

	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/errors"
)

// PurgeInput contains parameters for the Purge operation.
type PurgeInput struct {
	OlderThanDays *int // nil purges all soft-deleted runs
}

// PurgeOutput contains the result of the Purge operation.
type PurgeOutput struct {
	PurgedCount int `json:"purged_count"`
}

// Purge hard-deletes soft-deleted runs and their records.
func Purge(database *sql.DB, input PurgeInput) (*PurgeOutput, error) {
	if input.OlderThanDays != nil && *input.OlderThanDays < 0 {
		return nil, errors.NewInvalidRequest("older_than_days must not be negative")
	}

	n, err := db.PurgeRuns(database, input.OlderThanDays)
	if err != nil {
		return nil, err
	}

	return &PurgeOutput{PurgedCount: n}, nil
}
