package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onboardhq/gatekeeper/internal/config"
	"github.com/onboardhq/gatekeeper/internal/storage"
)

var (
	exportOutput string
	exportPrefix string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored records to a JSON file",
	Long:  "Dump templates, submissions, and partner records from the blob store without running the server.",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-",
		"Output file path (- for stdout)")
	exportCmd.Flags().StringVar(&exportPrefix, "prefix", "",
		"Only export keys with this prefix (e.g. partners/)")

	rootCmd.AddCommand(exportCmd)
}

// exportEntry is one record in the export output.
type exportEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Revision int64           `json:"revision"`
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.ListRecords(cmd.Context(), exportPrefix)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	entries := make([]exportEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, exportEntry{
			Key:      rec.Key,
			Value:    json.RawMessage(rec.Value),
			Revision: rec.Revision,
		})
	}

	out := cmd.OutOrStdout()
	if exportOutput != "-" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d records\n", len(entries))
	return nil
}
