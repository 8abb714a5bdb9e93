package ops

import (
	"database/sql"

	"github.com/jmallek/chew/internal/db"
)

// ListInput contains parameters for the List operation.
type ListInput struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// ListOutput contains the result of the List operation.
type ListOutput struct {
	Runs       []db.Run   `json:"runs"`
	Pagination Pagination `json:"pagination"`
}

// List returns runs newest first with pagination metadata.
func List(database *sql.DB, input ListInput) (*ListOutput, error) {
	limit := clampListLimit(input.Limit)
	offset := input.Offset
	if offset < 0 {
		offset = 0
	}

	runs, total, err := db.ListRuns(database, limit, offset, input.IncludeDeleted)
	if err != nil {
		return nil, err
	}

	return &ListOutput{
		Runs: runs,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(runs) < total,
			Total:   total,
		},
	}, nil
}
