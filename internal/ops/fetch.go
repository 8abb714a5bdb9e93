package ops

import (
	"database/sql"
	"strings"

	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/trace"
)

// FetchInput contains parameters for the Fetch operation.
type FetchInput struct {
	ID             string
	IncludeDeleted bool
	IncludeRecords *bool // default: true (nil means default)
}

// FetchOutput contains the result of the Fetch operation.
type FetchOutput struct {
	db.Run                 // embedded (copy, not pointer)
	Records []trace.Record `json:"records,omitempty"`
}

// Fetch retrieves a run by ID, with its records unless excluded.
func Fetch(database *sql.DB, input FetchInput) (*FetchOutput, error) {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	run, err := db.GetRun(database, id, input.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	output := &FetchOutput{Run: *run}

	includeRecords := true
	if input.IncludeRecords != nil {
		includeRecords = *input.IncludeRecords
	}
	if includeRecords {
		records, err := db.GetRecords(database, id)
		if err != nil {
			return nil, err
		}
		output.Records = records
	}

	return output, nil
}
