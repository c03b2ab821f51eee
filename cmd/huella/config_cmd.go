package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/session"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or change the device configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <device-address>",
	Short: "Print the device configuration as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <device-address> key=value...",
	Short: "Change configuration fields",
	Long: `Reads the current configuration, applies the given key=value pairs and
writes the whole document back. Keys keep their original order.

Calibration factors (calFactorX, calFactorY, calFactorZ) are sent as decimal
strings. The Wi-Fi password is never read back; use --wifi-password to set a
new one, otherwise the stored password is kept.

Examples:
  huella config set AA:BB:CC:DD:EE:FF name=HUELLA_07 frequency=500
  huella config set AA:BB:CC:DD:EE:FF calFactorX=3.9e-6 --wifi-password`,
	Args: cobra.MinimumNArgs(2),
	RunE: runConfigSet,
}

var (
	configSetWiFiPassword bool
	configSetForce        bool
)

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)

	addPINFlag(configGetCmd)
	addPINFlag(configSetCmd)
	configSetCmd.Flags().BoolVar(&configSetWiFiPassword, "wifi-password", false, "Prompt for a new Wi-Fi password")
	configSetCmd.Flags().BoolVar(&configSetForce, "force", false, "Write even when the device is not in StandBy")
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	pin, err := resolvePIN(cmd)
	if err != nil {
		return err
	}

	sess, err := a.openSession(ctx, args[0], nil)
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	if err := a.authenticate(ctx, pin, sess); err != nil {
		return err
	}

	readCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	doc, err := sess.GetConfiguration(readCtx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(doc.Redacted(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	assignments, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	pin, err := resolvePIN(cmd)
	if err != nil {
		return err
	}

	sess, err := a.openSession(ctx, args[0], terminalPresenter())
	if err != nil {
		return err
	}
	defer a.closeSession(sess)

	if err := a.authenticate(ctx, pin, sess); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, 2*a.cfg.WriteTimeout)
	defer cancel()

	if err := checkStandBy(opCtx, sess); err != nil {
		return err
	}

	doc, err := sess.GetConfiguration(opCtx)
	if err != nil {
		return err
	}
	applyAssignments(doc, assignments)

	var secret string
	if configSetWiFiPassword {
		if secret, err = promptSecret("New Wi-Fi password: "); err != nil {
			return err
		}
	}

	if err := sess.SetConfiguration(opCtx, doc, secret); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, color.GreenString("Configuration updated (%d fields)", len(assignments)))
	return nil
}

// checkStandBy refuses to write unless the device reports StandBy or --force
// is given. The device ignores configuration writes in other modes.
func checkStandBy(ctx context.Context, sess *session.Session) error {
	status, err := sess.GetStatus(ctx)
	if err != nil {
		return err
	}
	mode := status.Mode()
	if mode == protocol.ModeStandBy || mode == "" {
		return nil
	}
	if configSetForce {
		fmt.Fprintln(os.Stderr, color.YellowString("warning: device is in %s mode, writing anyway", mode))
		return nil
	}
	return fmt.Errorf("device is in %s mode; configuration can only be changed in %s (use --force to try anyway)", mode, protocol.ModeStandBy)
}

type assignment struct {
	key   string
	value any
}

// parseAssignments parses key=value pairs. Integers and booleans are typed;
// calibration factors and everything else stay strings.
func parseAssignments(args []string) ([]assignment, error) {
	out := make([]assignment, 0, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q: expected key=value", arg)
		}
		switch key {
		case protocol.KeyPassword, protocol.KeyHasPassword:
			return nil, fmt.Errorf("%s cannot be set directly; use --wifi-password", key)
		case protocol.KeyCalFactorX, protocol.KeyCalFactorY, protocol.KeyCalFactorZ:
			if _, err := protocol.ParseFactor(raw); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			out = append(out, assignment{key: key, value: raw})
			continue
		}
		out = append(out, assignment{key: key, value: typedValue(raw)})
	}
	return out, nil
}

func typedValue(raw string) any {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	}
	return raw
}

func applyAssignments(doc *protocol.ConfigDocument, assignments []assignment) {
	for _, a := range assignments {
		doc.Set(a.key, a.value)
	}
}
