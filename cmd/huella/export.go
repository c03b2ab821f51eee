package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/store"
	"github.com/srg/huella/internal/telemetry"
)

var exportCmd = &cobra.Command{
	Use:   "export <device-address>",
	Short: "Export stored samples and configuration for a device",
	Long: `Exports everything stored about one device.

csv writes the samples in the same layout as stream --save.
json writes the device record, its newest configuration snapshot (without
the Wi-Fi password) and all samples.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var (
	exportFormat string
	exportOutput string
)

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "Output format (csv, json)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFormat != "csv" && exportFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [csv json]", exportFormat)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.openStore()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := storeContext(ctx)
	defer cancel()

	bundle, err := st.Export(ctx, args[0])
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOutput, err)
		}
		defer f.Close()
		out = f
	}

	if err := writeBundle(out, bundle, exportFormat); err != nil {
		return err
	}
	if exportOutput != "" {
		fmt.Fprintln(os.Stderr, color.GreenString("Exported %d samples to %s", len(bundle.Samples), exportOutput))
	}
	return nil
}

func writeBundle(out io.Writer, bundle *store.Bundle, format string) error {
	if format == "json" {
		return writeJSON(out, bundle)
	}
	entries := make([]telemetry.Entry, len(bundle.Samples))
	for i, r := range bundle.Samples {
		entries[i] = r.Entry()
	}
	return telemetry.WriteCSV(out, entries)
}
