package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/jmallek/chew/internal/config"
	"github.com/jmallek/chew/internal/errors"
	"github.com/jmallek/chew/internal/ops"
	"github.com/jmallek/chew/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(db *sql.DB, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "chew",
		Usage:   "Debugger trace recorder and replayer",
		Version: Version,
		Commands: []*cli.Command{
			scanCmd(db, cfg),
			fetchCmd(db),
			listCmd(db),
			exportCmd(db, cfg),
			deleteCmd(db),
			purgeCmd(db),
			verifyCmd(db, cfg),
			webCmd(db, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// scanCmd creates the scan command.
func scanCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Reconstruct trace records from a debugger transcript (stdin or --file)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the transcript from a file instead of stdin"},
			&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "Run label (optional)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Parse without persisting, print the records"},
		},
		Action: func(c *cli.Context) error {
			var transcript, sourcePath string

			if file := c.String("file"); file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return outputError(errors.NewInvalidRequest(fmt.Sprintf("could not read transcript: %v", err)))
				}
				transcript = string(data)
				sourcePath = file
			} else {
				if !stdinHasData() {
					return outputError(errors.NewInvalidRequest("transcript must be piped via stdin or passed with --file"))
				}
				text, err := readStdin()
				if err != nil {
					return outputError(errors.NewInternal(err))
				}
				transcript = text
			}

			if transcript == "" {
				return outputError(errors.NewInvalidRequest("transcript is required"))
			}

			input := ops.ScanInput{
				Transcript: transcript,
				DryRun:     c.Bool("dry-run"),
			}
			if label := c.String("label"); label != "" {
				input.Label = &label
			}
			if sourcePath != "" {
				input.SourcePath = &sourcePath
			}

			output, err := ops.Scan(db, cfg, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// fetchCmd creates the fetch command.
func fetchCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Fetch a run by ID",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "include-deleted", Usage: "Include soft-deleted runs"},
			&cli.BoolFlag{Name: "no-records", Usage: "Exclude trace records from output"},
		},
		Action: func(c *cli.Context) error {
			input := ops.FetchInput{
				ID:             c.Args().First(),
				IncludeDeleted: c.Bool("include-deleted"),
			}

			if c.Bool("no-records") {
				includeRecords := false
				input.IncludeRecords = &includeRecords
			}

			output, err := ops.Fetch(db, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// listCmd creates the list command.
func listCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List runs, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 20, Usage: "Maximum runs to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Runs to skip"},
			&cli.BoolFlag{Name: "include-deleted", Usage: "Include soft-deleted runs"},
		},
		Action: func(c *cli.Context) error {
			input := ops.ListInput{
				Limit:          c.Int("limit"),
				Offset:         c.Int("offset"),
				IncludeDeleted: c.Bool("include-deleted"),
			}

			output, err := ops.List(db, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// exportCmd creates the export command.
func exportCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export a run's records to a JSONL file",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Export file path (default: ~/.chew/exports/<label-or-id>-<timestamp>.jsonl)"},
			&cli.BoolFlag{Name: "include-deleted", Usage: "Export a soft-deleted run"},
		},
		Action: func(c *cli.Context) error {
			input := ops.ExportInput{
				ID:             c.Args().First(),
				Path:           c.String("path"),
				IncludeDeleted: c.Bool("include-deleted"),
			}

			output, err := ops.Export(db, cfg, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// deleteCmd creates the delete command.
func deleteCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Soft-delete a run",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			output, err := ops.Delete(db, ops.DeleteInput{ID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// purgeCmd creates the purge command.
func purgeCmd(db *sql.DB) *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Permanently delete soft-deleted runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "older-than", Usage: "Only purge if deleted more than N days ago (e.g., 7d)"},
		},
		Action: func(c *cli.Context) error {
			input := ops.PurgeInput{}

			if olderThan := c.String("older-than"); olderThan != "" {
				days, err := parseDuration(olderThan)
				if err != nil {
					return outputError(errors.NewInvalidRequest(err.Error()))
				}
				input.OlderThanDays = &days
			}

			output, err := ops.Purge(db, input)
			if err != nil {
				return outputError(err)
			}

			return outputJSON(output)
		},
	}
}

// verifyCmd creates the verify command.
func verifyCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Replay a run against a core image and report the first divergence",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "core", Required: true, Usage: "Path to the ELF core image"},
			&cli.StringFlag{Name: "entry-pc", Required: true, Usage: "Address of the first expression op (0x-prefixed hex or decimal)"},
			&cli.StringFlag{Name: "context-addr", Usage: "Base address of the register context block"},
			&cli.IntFlag{Name: "max-steps", Usage: "Cap on replayed steps (0 = all records)"},
			&cli.BoolFlag{Name: "include-deleted", Usage: "Verify a soft-deleted run"},
		},
		Action: func(c *cli.Context) error {
			input := ops.VerifyInput{
				ID:             c.Args().First(),
				CorePath:       c.String("core"),
				MaxSteps:       c.Int("max-steps"),
				IncludeDeleted: c.Bool("include-deleted"),
			}

			entryPC, err := parseAddress("entry-pc", c.String("entry-pc"))
			if err != nil {
				return outputError(err)
			}
			input.EntryPC = entryPC

			if addr := c.String("context-addr"); addr != "" {
				contextAddr, err := parseAddress("context-addr", addr)
				if err != nil {
					return outputError(err)
				}
				input.ContextAddr = contextAddr
			}

			output, err := ops.Verify(db, cfg, input)
			if err != nil {
				return outputError(err)
			}

			if err := outputJSON(output); err != nil {
				return err
			}

			// A divergence means a non-zero exit for scripting.
			if !output.Verified && output.Mismatch != nil {
				m := output.Mismatch
				return outputError(errors.NewVerifyMismatch(m.Step, m.Field, m.Want, m.Got))
			}
			return nil
		},
	}
}

// webCmd creates the web command.
func webCmd(db *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve the run viewer over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Value: 7319, Usage: "Listen port"},
		},
		Action: func(c *cli.Context) error {
			srv := web.NewServer(db, cfg, Version, c.String("bind"), c.Int("port"))
			if err := web.Run(srv); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if cErr, ok := err.(*errors.ChewError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", cErr.Code, cErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// parseAddress parses a decimal or 0x-prefixed hex address flag.
func parseAddress(name, value string) (uint64, error) {
	addr, err := strconv.ParseUint(strings.TrimSpace(value), 0, 64)
	if err != nil {
		return 0, errors.NewInvalidRequest(fmt.Sprintf("%s must be a decimal or 0x-prefixed hex address", name))
	}
	return addr, nil
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseDuration parses "7d" format to days.
func parseDuration(s string) (int, error) {
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return days, nil
	}
	return 0, fmt.Errorf("duration must end with 'd' (days), e.g., 7d")
}
