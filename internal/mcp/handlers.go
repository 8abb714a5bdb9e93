package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/ops"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	db  *sql.DB
	cfg *config.Config
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(db *sql.DB, cfg *config.Config) *Handlers {
	return &Handlers{db: db, cfg: cfg}
}

// Request types for each tool

// ScanRequest represents the arguments for scan.
type ScanRequest struct {
	Transcript string  `json:"transcript"`
	Label      *string `json:"label,omitempty"`
	SourcePath *string `json:"source_path,omitempty"`
	DryRun     bool    `json:"dry_run,omitempty"`
}

// FetchRequest represents the arguments for fetch.
type FetchRequest struct {
	ID             string `json:"id"`
	IncludeRecords *bool  `json:"include_records,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

// ListRequest represents the arguments for list.
type ListRequest struct {
	Limit          int  `json:"limit,omitempty"`
	Offset         int  `json:"offset,omitempty"`
	IncludeDeleted bool `json:"include_deleted,omitempty"`
}

// ExportRequest represents the arguments for export.
type ExportRequest struct {
	ID             string `json:"id"`
	Path           string `json:"path,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

// DeleteRequest represents the arguments for delete.
type DeleteRequest struct {
	ID string `json:"id"`
}

// PurgeRequest represents the arguments for purge.
type PurgeRequest struct {
	OlderThanDays *int `json:"older_than_days,omitempty"`
}

// VerifyRequest represents the arguments for verify. Addresses arrive as
// strings so callers can pass 0x-prefixed hex.
type VerifyRequest struct {
	ID             string `json:"id"`
	CorePath       string `json:"core_path"`
	EntryPC        string `json:"entry_pc"`
	ContextAddr    string `json:"context_addr,omitempty"`
	MaxSteps       int    `json:"max_steps,omitempty"`
	IncludeDeleted bool   `json:"include_deleted,omitempty"`
}

// Handler implementations

// HandleScan handles the scan tool call.
func (h *Handlers) HandleScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ScanRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Scan(h.db, h.cfg, ops.ScanInput{
		Transcript: input.Transcript,
		Label:      input.Label,
		SourcePath: input.SourcePath,
		DryRun:     input.DryRun,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFetch handles the fetch tool call.
func (h *Handlers) HandleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FetchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Fetch(h.db, ops.FetchInput{
		ID:             input.ID,
		IncludeRecords: input.IncludeRecords,
		IncludeDeleted: input.IncludeDeleted,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleList handles the list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.List(h.db, ops.ListInput{
		Limit:          input.Limit,
		Offset:         input.Offset,
		IncludeDeleted: input.IncludeDeleted,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleExport handles the export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Export(h.db, h.cfg, ops.ExportInput{
		ID:             input.ID,
		Path:           input.Path,
		IncludeDeleted: input.IncludeDeleted,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleDelete handles the delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DeleteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Delete(h.db, ops.DeleteInput{ID: input.ID})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandlePurge handles the purge tool call.
func (h *Handlers) HandlePurge(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[PurgeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Purge(h.db, ops.PurgeInput{OlderThanDays: input.OlderThanDays})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleVerify handles the verify tool call.
func (h *Handlers) HandleVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[VerifyRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	entryPC, err := parseAddress("entry_pc", input.EntryPC)
	if err != nil {
		return errorResult(err), nil
	}
	var contextAddr uint64
	if input.ContextAddr != "" {
		contextAddr, err = parseAddress("context_addr", input.ContextAddr)
		if err != nil {
			return errorResult(err), nil
		}
	}

	result, err := ops.Verify(h.db, h.cfg, ops.VerifyInput{
		ID:             input.ID,
		CorePath:       input.CorePath,
		EntryPC:        entryPC,
		ContextAddr:    contextAddr,
		MaxSteps:       input.MaxSteps,
		IncludeDeleted: input.IncludeDeleted,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// parseAddress parses a 0x-prefixed hex or decimal address argument.
func parseAddress(name, value string) (uint64, error) {
	if value == "" {
		return 0, errors.NewInvalidRequest(fmt.Sprintf("%s is required", name))
	}
	addr, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, errors.NewInvalidRequest(fmt.Sprintf("%s is not a valid address: %q", name, value))
	}
	return addr, nil
}

// errorResult converts an error to an MCP error result.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if chewErr, ok := err.(*errors.ChewError); ok {
		errorObj := map[string]any{
			"code":    chewErr.Code,
			"message": chewErr.Message,
			"status":  chewErr.Status,
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if chewErr.Code != errors.ErrInternal && chewErr.Details != nil {
			errorObj["details"] = chewErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult converts data to an MCP success result.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
