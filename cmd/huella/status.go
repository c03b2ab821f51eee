package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <device-address>",
	Short: "Show device information and operating mode",
	Long: `Connects to a HUELLA device and prints its info document (firmware,
uptime, battery, temperature, free SD space) and current status.
No PIN is required.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	sess, err := a.openSession(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	readCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()

	info, err := sess.GetDeviceInfo(readCtx)
	if err != nil {
		return err
	}
	status, err := sess.GetStatus(readCtx)
	if err != nil {
		return err
	}

	name := sess.Name()
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(name), sess.Address())
	fmt.Printf("  %s\n", info)
	mode := status.Mode()
	if mode == "" {
		mode = "unknown"
	}
	fmt.Printf("  mode: %s\n", mode)
	if info.BatteryMV > 0 && info.BatteryVolts() < lowBatteryVolts {
		fmt.Fprintln(os.Stderr, color.YellowString("  battery is low"))
	}
	return nil
}

// lowBatteryVolts is the level below which status warns.
const lowBatteryVolts = 3.4
