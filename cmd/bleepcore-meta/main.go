// Package main is the entry point for bleepcore-meta, the metadata export/import tool.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/bleepstore/bleepcore/internal/config"
	"github.com/bleepstore/bleepcore/internal/metadata"
	"github.com/bleepstore/bleepcore/internal/serialization"
)

func main() {
	app := &cli.App{
		Name:  "bleepcore-meta",
		Usage: "Export and import bleepcore metadata as JSON.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "config file path",
				Value:   "bleepcore.yaml",
				Aliases: []string{"c"},
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite metadata path (overrides config and selects the sqlite engine)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "export",
				Usage: "Write metadata records as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "json", Usage: "output format"},
					&cli.StringFlag{Name: "output", Value: "-", Usage: "output file path (- for stdout)", Aliases: []string{"o"}},
					&cli.StringFlag{Name: "tables", Usage: "comma-separated table names (default: all)"},
				},
				Action: runExport,
			},
			{
				Name:  "import",
				Usage: "Load metadata records from a JSON export",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Value: "-", Usage: "input file path (- for stdin)", Aliases: []string{"i"}},
					&cli.BoolFlag{Name: "replace", Usage: "clear imported tables first and overwrite existing records"},
				},
				Action: runImport,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openBackend opens the metadata engine named by the config file, or the
// SQLite database given with --db.
func openBackend(c *cli.Context) (metadata.Backend, error) {
	if db := c.String("db"); db != "" {
		return metadata.NewSQLiteBackend(db)
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return metadata.OpenBackend(c.Context, &cfg.Metadata)
}

func runExport(c *cli.Context) error {
	if f := c.String("format"); f != "json" {
		return fmt.Errorf("unsupported format: %s", f)
	}

	tableList := serialization.AllTables
	if tables := c.String("tables"); tables != "" {
		tableList = strings.Split(tables, ",")
		for i := range tableList {
			tableList[i] = strings.TrimSpace(tableList[i])
		}
	}

	backend, err := openBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	result, err := serialization.ExportMetadata(c.Context, backend, &serialization.ExportOptions{Tables: tableList})
	if err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	output := c.String("output")
	if output == "-" {
		fmt.Println(result)
		return nil
	}
	if err := os.WriteFile(output, []byte(result+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", output)
	return nil
}

func runImport(c *cli.Context) error {
	var jsonData []byte
	var err error
	if input := c.String("input"); input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(input)
	}
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	backend, err := openBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	opts := &serialization.ImportOptions{Replace: c.Bool("replace")}
	result, err := serialization.ImportMetadata(c.Context, backend, string(jsonData), opts)
	if err != nil {
		return fmt.Errorf("importing: %w", err)
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		skip := result.Skipped[table]
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return nil
}
