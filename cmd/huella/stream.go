package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/session"
	"github.com/srg/huella/internal/telemetry"
)

var streamCmd = &cobra.Command{
	Use:   "stream <device-address>",
	Short: "Stream live accelerometer samples",
	Long: `Authenticates, loads the calibration factors from the device configuration
and streams samples for the given duration. Each sample is printed as it
arrives; per-axis statistics over the buffered window are printed at the end.

Ctrl+C stops the stream. Suspending the process (Ctrl+Z) stops it as well,
since samples can no longer be displayed.

Examples:
  huella stream AA:BB:CC:DD:EE:FF --duration 30
  huella stream AA:BB:CC:DD:EE:FF --representation raw --save run.csv`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

var (
	streamDuration       int
	streamRepresentation string
	streamSave           string
	streamQuiet          bool
	streamWindow         int
)

func init() {
	addPINFlag(streamCmd)
	streamCmd.Flags().IntVarP(&streamDuration, "duration", "d", 0, "Stream duration in seconds (default from config)")
	streamCmd.Flags().StringVarP(&streamRepresentation, "representation", "r", "calibrated", "Displayed values (raw, calibrated)")
	streamCmd.Flags().StringVar(&streamSave, "save", "", "Write the buffered window to this CSV file on exit")
	streamCmd.Flags().BoolVarP(&streamQuiet, "quiet", "q", false, "Do not print individual samples")
	streamCmd.Flags().IntVar(&streamWindow, "window", 0, "Number of samples kept for statistics and export (default from config)")
}

func runStream(cmd *cobra.Command, args []string) error {
	rep, err := telemetry.ParseRepresentation(streamRepresentation)
	if err != nil {
		return err
	}
	if streamDuration < 0 {
		return session.ErrInvalidDuration
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	duration := a.cfg.DefaultStreamDuration
	if streamDuration > 0 {
		duration = streamDuration
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presenter := terminalPresenter()
	if !streamQuiet {
		presenter.Sample = func(e telemetry.Entry) {
			fmt.Println(formatSample(e, rep))
		}
	}

	pin, err := resolvePIN(cmd)
	if err != nil {
		return err
	}

	sess, err := a.openSession(ctx, args[0], presenter)
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	window := sess.Window()
	window.SetRepresentation(rep)
	if streamWindow > 0 {
		if err := window.SetCapacity(streamWindow); err != nil {
			return err
		}
	}

	if err := a.authenticate(ctx, pin, sess); err != nil {
		return err
	}
	loadCalibration(ctx, a, sess)

	// Register before starting so a Ctrl+C during the start handshake is seen.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	bgCh := make(chan os.Signal, 1)
	notifyBackground(bgCh)
	defer signal.Stop(bgCh)

	startCtx, startCancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	err = sess.StartStreaming(startCtx, duration)
	startCancel()
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, color.GreenString("Streaming for %ds, Ctrl+C to stop", duration))

	reason, waitErr := waitForStream(ctx, a, sess, sigCh, bgCh)
	a.logger.WithField("reason", reason).Debug("Stream ended")

	m := sess.Streamer().Metrics()
	printStreamSummary(os.Stderr, window.Statistics(), m)

	if streamSave != "" {
		if err := saveWindow(streamSave, window.Snapshot()); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, color.GreenString("Saved %d samples to %s", window.Len(), streamSave))
	}
	return waitErr
}

// waitForStream blocks until the stream ends, the user interrupts it or the
// link is lost.
func waitForStream(ctx context.Context, a *app, sess *session.Session, sigCh, bgCh <-chan os.Signal) (string, error) {
	stopWith := func(stop func(context.Context) error, reason string) (string, error) {
		stopCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
		defer cancel()
		if err := stop(stopCtx); err != nil {
			a.logger.WithField("error", err).Warn("Device did not acknowledge stop")
			fmt.Fprintln(os.Stderr, color.YellowString("warning: device did not acknowledge stop: %v", err))
		}
		return reason, nil
	}

	select {
	case <-sess.Streamer().Done():
		select {
		case <-sess.Done():
			return "disconnected", sess.Err()
		default:
		}
		return "duration elapsed", nil
	case <-sess.Done():
		return "disconnected", sess.Err()
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping stream...")
		return stopWith(sess.StopStreaming, "interrupted")
	case <-bgCh:
		reason, err := stopWith(sess.Background, "backgrounded")
		suspendSelf()
		return reason, err
	}
}

// loadCalibration reads the configuration so the window uses the device's
// calibration factors. Failure leaves the defaults in place.
func loadCalibration(ctx context.Context, a *app, sess *session.Session) {
	readCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	if _, err := sess.GetConfiguration(readCtx); err != nil {
		a.logger.WithField("error", err).Warn("Could not read calibration, using default factors")
		fmt.Fprintln(os.Stderr, color.YellowString("warning: using default calibration factors"))
	}
}

func formatSample(e telemetry.Entry, rep telemetry.Representation) string {
	var line string
	if rep == telemetry.Raw {
		line = fmt.Sprintf("%8d  x=%7d  y=%7d  z=%7d", e.Seq, e.Sample.X, e.Sample.Y, e.Sample.Z)
	} else {
		line = fmt.Sprintf("%8d  x=%+9.4f  y=%+9.4f  z=%+9.4f", e.Seq, e.Calibrated.X, e.Calibrated.Y, e.Calibrated.Z)
	}
	if e.Sample.Temperature != nil {
		line += fmt.Sprintf("  t=%.1f°C", *e.Sample.Temperature)
	}
	return line
}

func printStreamSummary(out io.Writer, st telemetry.Stats, m session.StreamMetrics) {
	fmt.Fprintf(out, "\n%s (%s, %d samples in window)\n", color.New(color.Bold).Sprint("Statistics"), st.Representation, st.Count)
	if st.Count > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "AXIS\tMIN\tMAX\tMEAN\tCURRENT")
		for _, axis := range []struct {
			name string
			s    telemetry.AxisStats
		}{{"X", st.X}, {"Y", st.Y}, {"Z", st.Z}} {
			fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.4f\t%.4f\n", axis.name, axis.s.Min, axis.s.Max, axis.s.Mean, axis.s.Current)
		}
		_ = w.Flush()
	}
	fmt.Fprintf(out, "received %d, accepted %d, discarded %d, malformed %d, overwritten %d\n",
		m.Received, m.Accepted, m.Discarded, m.DecodeErrors, m.Overwritten)
}

func saveWindow(path string, entries []telemetry.Entry) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if err := telemetry.WriteCSV(f, entries); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
