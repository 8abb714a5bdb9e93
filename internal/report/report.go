// Package report renders run summaries as markdown for the web viewer.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmallek/chew/internal/db"
	"github.com/jmallek/chew/internal/trace"
)

// maxTableRows caps the per-record table so huge runs stay renderable.
const maxTableRows = 200

// Build renders a markdown summary of a run and its records.
func Build(run *db.Run, records []trace.Record) string {
	var b strings.Builder

	title := run.ID
	if run.Label != nil && *run.Label != "" {
		title = *run.Label
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	fmt.Fprintf(&b, "- **Run:** `%s`\n", run.ID)
	if run.SourcePath != nil && *run.SourcePath != "" {
		fmt.Fprintf(&b, "- **Source:** `%s`\n", *run.SourcePath)
	}
	fmt.Fprintf(&b, "- **Records:** %d\n", run.RecordCount)
	fmt.Fprintf(&b, "- **Created:** %s\n", time.Unix(run.CreatedAt, 0).UTC().Format(time.RFC3339))
	if run.DeletedAt != nil {
		fmt.Fprintf(&b, "- **Deleted:** %s\n", time.Unix(*run.DeletedAt, 0).UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	if len(records) == 0 {
		b.WriteString("No trace records.\n")
		return b.String()
	}

	writeOverview(&b, records)
	writeDepthHistogram(&b, records)
	writeRecordTable(&b, records)

	return b.String()
}

func writeOverview(b *strings.Builder, records []trace.Record) {
	lo, hi := records[0].InstructionAddress, records[0].InstructionAddress
	for _, rec := range records {
		if rec.InstructionAddress < lo {
			lo = rec.InstructionAddress
		}
		if rec.InstructionAddress > hi {
			hi = rec.InstructionAddress
		}
	}

	b.WriteString("## Overview\n\n")
	fmt.Fprintf(b, "- Instructions span `%#x` to `%#x`\n", lo, hi)
	fmt.Fprintf(b, "- %d steps recorded\n\n", len(records))
}

func writeDepthHistogram(b *strings.Builder, records []trace.Record) {
	counts := make(map[int64]int)
	// Depth can be negative (a raw counter of zero), so track both ends.
	minDepth, maxDepth := records[0].ReportedDepth, records[0].ReportedDepth
	for _, rec := range records {
		counts[rec.ReportedDepth]++
		if rec.ReportedDepth < minDepth {
			minDepth = rec.ReportedDepth
		}
		if rec.ReportedDepth > maxDepth {
			maxDepth = rec.ReportedDepth
		}
	}

	b.WriteString("## Stack depth\n\n")
	b.WriteString("| Depth | Steps |\n|------:|------:|\n")
	for d := minDepth; d <= maxDepth; d++ {
		if counts[d] == 0 {
			continue
		}
		fmt.Fprintf(b, "| %d | %d |\n", d, counts[d])
	}
	b.WriteString("\n")
}

func writeRecordTable(b *strings.Builder, records []trace.Record) {
	b.WriteString("## Trace\n\n")
	b.WriteString("| Step | PC | Depth | Stack |\n|-----:|----|------:|-------|\n")

	n := len(records)
	if n > maxTableRows {
		n = maxTableRows
	}
	for i := 0; i < n; i++ {
		rec := records[i]
		fmt.Fprintf(b, "| %d | `%#x` | %d | %s |\n",
			i, rec.InstructionAddress, rec.ReportedDepth, formatStack(rec.StackWords))
	}
	if len(records) > n {
		fmt.Fprintf(b, "\n%d more steps omitted.\n", len(records)-n)
	}
	b.WriteString("\n")
}

func formatStack(words []uint64) string {
	if len(words) == 0 {
		return "(empty)"
	}
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = fmt.Sprintf("%d", w)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
