package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history <devices|samples>",
	Short: "List stored devices or samples",
	Long: `Lists records from the configured store, newest first.

With the default in-memory store nothing survives between runs; configure
store.driver: postgres to keep history.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"devices", "samples"},
	RunE:      runHistory,
}

var (
	historyLimit   int
	historyDevice  string
	historySession string
	historySince   time.Duration
	historyFormat  string
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of records (0 for all)")
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "Only samples from this device address")
	historyCmd.Flags().StringVar(&historySession, "session", "", "Only samples from this session id")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "Only samples received within this duration")
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", "table", "Output format (table, json)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	kind, err := store.ParseKind(args[0])
	if err != nil {
		return err
	}
	if kind == store.KindConfigs {
		return fmt.Errorf("use export to read configuration snapshots")
	}
	if historyFormat != "table" && historyFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", historyFormat)
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

	if kind == store.KindDevices {
		devices, err := st.RecentDevices(ctx, historyLimit)
		if err != nil {
			return err
		}
		if historyFormat == "json" {
			return writeJSON(os.Stdout, devices)
		}
		return displayDeviceHistory(os.Stdout, devices)
	}

	filter := store.Filter{DeviceID: historyDevice, SessionID: historySession}
	if historySince > 0 {
		filter.Since = time.Now().Add(-historySince)
	}
	samples, err := st.RecentSamples(ctx, historyLimit, filter)
	if err != nil {
		return err
	}
	if historyFormat == "json" {
		return writeJSON(os.Stdout, samples)
	}
	return displaySampleHistory(os.Stdout, samples)
}

func displayDeviceHistory(out io.Writer, devices []store.DeviceRecord) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices stored")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tCONNECTIONS\tFIRST SEEN\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", displayName(d.Name), d.ID, d.ConnectionCount,
			d.FirstSeen.Local().Format(time.DateTime), d.LastSeen.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func displaySampleHistory(out io.Writer, samples []store.SampleRecord) error {
	if len(samples) == 0 {
		fmt.Fprintln(out, "No samples stored")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECEIVED\tDEVICE\tSEQ\tX\tY\tZ\tCAL X\tCAL Y\tCAL Z")
	for _, r := range samples {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%.4f\t%.4f\t%.4f\n",
			r.ReceivedAt.Local().Format("15:04:05.000"), r.DeviceID, r.Seq, r.X, r.Y, r.Z, r.CalX, r.CalY, r.CalZ)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// storeContext bounds store maintenance commands.
func storeContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}
