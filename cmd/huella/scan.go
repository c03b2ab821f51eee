package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/devicefactory"
	"github.com/srg/huella/internal/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for HUELLA devices",
	Long: `Scan for nearby HUELLA accelerometer loggers.

Devices are reported when their advertised name starts with the name prefix
(HUELLA_ by default) or when they advertise the measurement service.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanPrefix      string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
	scanWatch       bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default from config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVar(&scanPrefix, "prefix", scanner.DefaultOptions().NamePrefix, "Advertised name prefix; empty shows every device")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print devices as they are discovered")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := scanner.DefaultOptions()
	opts.Duration = a.cfg.ScanTimeout
	if scanDuration > 0 {
		opts.Duration = scanDuration
	}
	opts.NamePrefix = scanPrefix
	opts.DuplicateFilter = scanNoDuplicate
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, cancelling scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	s := scanner.New(devicefactory.ScannerFactory, a.logger)

	if scanWatch {
		return runWatchScan(ctx, s, opts)
	}

	progress := NewCountdownProgressPrinter("Scanning for HUELLA devices", "Scanning", opts.Duration, "Processing results")
	progress.Start()
	devices, err := s.Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.WithField("error", err).Error("Scan failed")
		return err
	}

	if scanFormat == "json" {
		return displayDevicesJSON(os.Stdout, devices)
	}
	return displayDevicesTable(os.Stdout, devices, time.Now())
}

func runWatchScan(ctx context.Context, s *scanner.Scanner, opts *scanner.Options) error {
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Scan(ctx, opts, nil)
		errCh <- err
	}()

	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case ev := <-s.Events():
			if ev.Type != scanner.EventNew {
				continue
			}
			d := ev.Device
			fmt.Printf("%s  %-20s %4d dBm\n", color.GreenString("+ %s", d.Address), displayName(d.Name), d.RSSI)
		}
	}
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	if len(name) > 20 {
		return name[:17] + "..."
	}
	return name
}

func displayDevicesTable(out io.Writer, devices []scanner.DeviceInfo, now time.Time) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSEEN\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, d := range devices {
		lastSeen := now.Sub(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%d\t%s ago\n",
			displayName(d.Name), d.Address, d.RSSI, d.Seen, lastSeen)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []scanner.DeviceInfo) error {
	if devices == nil {
		devices = []scanner.DeviceInfo{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}
