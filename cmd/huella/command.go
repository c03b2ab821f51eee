package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/huella/internal/protocol"
)

var commandCmd = &cobra.Command{
	Use:   "command <device-address> <NAME> [key=value...]",
	Short: "Send a named command to the device",
	Long: `Authenticates and sends one command on the command characteristic.
The device acknowledges the write; any result arrives as a status
notification and is printed before exit.

Streaming is controlled with the stream command, not here.

Examples:
  huella command AA:BB:CC:DD:EE:FF SYNC_TIME
  huella command AA:BB:CC:DD:EE:FF SET_MODE mode=StandBy`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCommand,
}

func init() {
	addPINFlag(commandCmd)
}

func runCommand(cmd *cobra.Command, args []string) error {
	command, err := buildCommand(args[1], args[2:])
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

	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
	defer cancel()
	if err := sess.Send(sendCtx, command); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, color.GreenString("Sent %s", command))
	return nil
}

// buildCommand makes a command from a name and key=value arguments. The name
// is sent verbatim.
func buildCommand(name string, args []string) (protocol.Command, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return protocol.Command{}, fmt.Errorf("command name cannot be empty")
	}
	command := protocol.Named(name)
	assignments, err := parseAssignments(args)
	if err != nil {
		return protocol.Command{}, err
	}
	for _, a := range assignments {
		command = command.With(a.key, a.value)
	}
	return command, nil
}
