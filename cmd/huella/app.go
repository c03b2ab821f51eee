package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/huella/internal/device"
	"github.com/srg/huella/internal/devicefactory"
	"github.com/srg/huella/internal/notify"
	"github.com/srg/huella/internal/protocol"
	"github.com/srg/huella/internal/session"
	"github.com/srg/huella/internal/store"
	"github.com/srg/huella/pkg/config"
)

// pinEnvVar supplies the device PIN when --pin is not given.
const pinEnvVar = "HUELLA_PIN"

// pinLength is the number of digits in a device PIN.
const pinLength = 6

// app holds what every device command needs: configuration, logger,
// persistence and the optional NATS connection.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger

	store  store.Store
	writer *store.Writer
	nc     *nats.Conn

	transport device.Transport
}

// newApp loads configuration and configures logging. Persistence and NATS
// are opened lazily by the commands that need them.
func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	return &app{cfg: cfg, logger: logger}, nil
}

// openStore opens the configured store once.
func (a *app) openStore() (store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	st, err := store.Open(a.cfg.Store.Driver, a.cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// startRecording opens the store and the background writer feeding it.
func (a *app) startRecording() error {
	if a.writer != nil {
		return nil
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	w, err := store.NewWriter(st, 0, a.logger)
	if err != nil {
		return err
	}
	a.writer = w
	return nil
}

// connectNATS dials NATS when a URL is configured. A failed dial is logged
// and streaming continues without fan-out.
func (a *app) connectNATS() {
	if a.nc != nil || a.cfg.NATS.URL == "" {
		return
	}
	nc, err := notify.Connect(notify.ConnectOptions{
		URL:               a.cfg.NATS.URL,
		ReconnectInterval: a.cfg.NATS.ReconnectInterval,
		MaxReconnects:     a.cfg.NATS.MaxReconnects,
	}, a.logger)
	if err != nil {
		a.logger.WithField("error", err).Warn("NATS unavailable, events will not be published")
		fmt.Fprintln(os.Stderr, color.YellowString("warning: %v", err))
		return
	}
	a.nc = nc
}

// Close flushes the writer and releases every resource that was opened.
func (a *app) Close() {
	if a.writer != nil {
		if err := a.writer.Close(); err != nil {
			a.logger.WithField("error", err).Warn("Failed to flush persistence queue")
		}
		m := a.writer.Metrics()
		a.logger.WithFields(logrus.Fields{
			"written":     m.Written,
			"failed":      m.Failed,
			"overwritten": m.Overwritten,
		}).Debug("Persistence writer stopped")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithField("error", err).Warn("Failed to close store")
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
	}
}

func (a *app) connectOptions() *device.ConnectOptions {
	return &device.ConnectOptions{
		ConnectTimeout: a.cfg.ConnectTimeout,
		WriteTimeout:   a.cfg.WriteTimeout,
		ReadTimeout:    a.cfg.WriteTimeout,
	}
}

// openSession connects to address with recording and NATS fan-out attached.
// presenter may be nil.
func (a *app) openSession(ctx context.Context, address string, presenter session.Presenter) (*session.Session, error) {
	if err := a.startRecording(); err != nil {
		return nil, err
	}
	a.connectNATS()

	presenters := session.MultiPresenter{}
	if presenter != nil {
		presenters = append(presenters, presenter)
	}
	var np *notify.NATSPresenter
	if a.nc != nil {
		np = notify.NewNATSPresenter(a.nc, a.cfg.NATS.SubjectPrefix, address, a.logger)
		presenters = append(presenters, np)
	}

	if a.transport == nil {
		a.transport = devicefactory.TransportFactory(a.logger)
	}

	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	progress := NewProgressPrinter(fmt.Sprintf("Connecting to %s", address), "Connecting")
	progress.Start()
	sess, err := session.Open(connectCtx, a.transport, address, session.Options{
		AuthTimeout:    a.cfg.AuthTimeout,
		WindowCapacity: a.cfg.WindowCapacity,
		Presenter:      presenters,
		Recorder:       a.writer,
		Connect:        a.connectOptions(),
	}, a.logger)
	progress.Stop()
	if err != nil {
		return nil, err
	}

	if np != nil {
		np.Bind(sess.ID())
	}
	return sess, nil
}

// authenticate runs the PIN handshake with a PIN from resolvePIN.
func (a *app) authenticate(ctx context.Context, pin string, sess *session.Session) error {
	progress := NewProgressPrinter("Authenticating", "Waiting for device")
	progress.Start()
	ok, err := sess.Authenticate(ctx, pin)
	progress.Stop()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAuthRejected
	}
	fmt.Fprintln(os.Stderr, color.GreenString("Authenticated with %s", sess.Address()))
	return nil
}

// resolvePIN takes the PIN from --pin, then $HUELLA_PIN, then an interactive
// prompt, and checks it before any connection is made.
func resolvePIN(cmd *cobra.Command) (string, error) {
	pin, _ := cmd.Flags().GetString("pin")
	if pin == "" {
		pin = os.Getenv(pinEnvVar)
	}
	if pin == "" {
		var err error
		if pin, err = promptSecret("Device PIN: "); err != nil {
			return "", err
		}
	}
	if err := validatePIN(pin); err != nil {
		return "", err
	}
	return pin, nil
}

// validatePIN accepts exactly pinLength ASCII digits.
func validatePIN(pin string) error {
	if len(pin) != pinLength {
		return fmt.Errorf("%w: expected %d digits, got %d characters", ErrInvalidPIN, pinLength, len(pin))
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return fmt.Errorf("%w: only digits are allowed", ErrInvalidPIN)
		}
	}
	return nil
}

// promptSecret reads a line from the terminal without echo. It fails when
// stdin is not a terminal.
func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: no PIN given and stdin is not a terminal", session.ErrNotAuthenticated)
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(prompt, ": "), err)
	}
	return strings.TrimSpace(string(b)), nil
}

// confirm asks a yes/no question on the terminal. Non-interactive sessions
// answer no.
func confirm(question string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", question)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// closeSession closes sess, logging rather than returning the error so it can
// be deferred.
func (a *app) closeSession(sess *session.Session) {
	if err := sess.Close(); err != nil {
		a.logger.WithField("error", err).Debug("Session close")
	}
}

// terminalPresenter prints status changes and link loss to stderr.
func terminalPresenter() session.PresenterFuncs {
	var lastMode string
	return session.PresenterFuncs{
		Status: func(ev protocol.StatusEvent) {
			if ev.IsAuthResult() {
				return
			}
			if mode := ev.Mode(); mode != "" && mode != lastMode {
				lastMode = mode
				fmt.Fprintln(os.Stderr, color.CyanString("Device mode: %s", mode))
			}
		},
		Disconnected: func(cause error) {
			fmt.Fprintln(os.Stderr, color.RedString("\nDisconnected: %v", cause))
		},
	}
}

// addPINFlag registers --pin on commands that authenticate.
func addPINFlag(cmd *cobra.Command) {
	cmd.Flags().String("pin", "", "Device PIN, 6 digits (default: $"+pinEnvVar+" or prompt)")
}
