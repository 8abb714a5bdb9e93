package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var scanToolDef = mcp.NewTool("trace_scan",
	mcp.WithDescription("Reconstruct execution-trace records from a debugger transcript and store them as a run. Each pause event in the transcript becomes one record with the corrected instruction address, stack depth, and stack window."),
	mcp.WithString("transcript",
		mcp.Required(),
		mcp.Description("The complete debugger transcript text"),
	),
	mcp.WithString("label",
		mcp.Description("Optional human-readable label for the run"),
	),
	mcp.WithString("source_path",
		mcp.Description("Optional provenance note recording where the transcript came from"),
	),
	mcp.WithBoolean("dry_run",
		mcp.Description("Scan and return records without storing anything"),
	),
)

var fetchToolDef = mcp.NewTool("trace_fetch",
	mcp.WithDescription("Fetch a stored run by id, including its trace records unless excluded."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Run id (ULID)"),
	),
	mcp.WithBoolean("include_records",
		mcp.Description("Include the run's trace records (default true)"),
	),
	mcp.WithBoolean("include_deleted",
		mcp.Description("Allow fetching a soft-deleted run"),
	),
)

var listToolDef = mcp.NewTool("trace_list",
	mcp.WithDescription("List stored runs, newest first, with pagination."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum runs to return (default 20, max 100)"),
	),
	mcp.WithNumber("offset",
		mcp.Description("Number of runs to skip"),
	),
	mcp.WithBoolean("include_deleted",
		mcp.Description("Include soft-deleted runs"),
	),
)

var exportToolDef = mcp.NewTool("trace_export",
	mcp.WithDescription("Export a run's trace records to a JSONL file: one header line, then one record per line."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Run id to export"),
	),
	mcp.WithString("path",
		mcp.Description("Destination .jsonl path (default: a timestamped file in the exports directory)"),
	),
	mcp.WithBoolean("include_deleted",
		mcp.Description("Allow exporting a soft-deleted run"),
	),
)

var deleteToolDef = mcp.NewTool("trace_delete",
	mcp.WithDescription("Soft-delete a run. Its records survive until a purge."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Run id to delete"),
	),
)

var purgeToolDef = mcp.NewTool("trace_purge",
	mcp.WithDescription("Permanently remove soft-deleted runs and their records."),
	mcp.WithNumber("older_than_days",
		mcp.Description("Only purge runs deleted at least this many days ago (default: all)"),
	),
)

var verifyToolDef = mcp.NewTool("trace_verify",
	mcp.WithDescription("Replay the expression program from an ELF core image and compare the interpreter state step by step against a stored run. Reports the first divergence."),
	mcp.WithString("id",
		mcp.Required(),
		mcp.Description("Run id to verify against"),
	),
	mcp.WithString("core_path",
		mcp.Required(),
		mcp.Description("Path to the ELF core image holding the expression bytecode"),
	),
	mcp.WithString("entry_pc",
		mcp.Required(),
		mcp.Description("Address of the first expression op, 0x-prefixed hex or decimal"),
	),
	mcp.WithString("context_addr",
		mcp.Description("Base address of the register context block, 0x-prefixed hex or decimal"),
	),
	mcp.WithNumber("max_steps",
		mcp.Description("Cap on replayed steps (default: all records)"),
	),
	mcp.WithBoolean("include_deleted",
		mcp.Description("Allow verifying a soft-deleted run"),
	),
)
