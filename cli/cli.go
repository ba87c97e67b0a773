// Package cli implements the gopades command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopades/config"
	"github.com/georgepadayatti/gopades/engine"
	"github.com/georgepadayatti/gopades/logging"
	"github.com/georgepadayatti/gopades/sign/token"
)

// Version information, copied from cmd/gopades at startup.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// app carries the global flags and the collaborators shared by commands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	loader token.Loader

	defaults config.Defaults
	log      *slog.Logger
}

func newApp() *app {
	return &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		loader: token.DefaultLoader,
		log:    logging.Discard(),
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newApp().root()
}

func (a *app) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gopades",
		Short: "Sign PDF documents with PKCS#11 tokens",
		Long: `gopades creates PAdES signatures with keys held on PKCS#11 tokens
(smart cards, USB tokens, HSMs). It can add RFC 3161 timestamps, embed
long-term validation material and certify documents with DocMDP.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup(cmd) },
	}
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default is $HOME/.gopades/config.yaml)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides the config)")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: text or json (overrides the config)")

	cmd.AddCommand(
		a.versionCommand(),
		a.modulesCommand(),
		a.slotsCommand(),
		a.certsCommand(),
		a.signCommand(),
		a.batchCommand(),
		a.verifyCommand(),
		a.tsaServeCommand(),
	)
	return cmd
}

// setup loads the config file and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	d, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		d.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		d.Logging.Format = a.logFormat
	}
	log, err := logging.New(logging.Options{Level: d.Logging.Level, Format: d.Logging.Format, Writer: cmd.ErrOrStderr()})
	if err != nil {
		return config.NewConfigError("logging", err.Error())
	}
	a.defaults = d
	a.log = log
	return nil
}

func (a *app) engine(opts ...engine.Option) (*engine.Engine, error) {
	opts = append([]engine.Option{engine.WithLogger(a.log), engine.WithLoader(a.loader)}, opts...)
	return engine.New(a.defaults, opts...)
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// The version is printed without reading any config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "gopades version %s\n", Version)
			fmt.Fprintf(w, "Build time: %s\n", BuildTime)
			fmt.Fprintf(w, "Go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// Run executes the CLI with os.Args-style arguments and returns the exit
// code.
// Interrupts cancel the running command.
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newApp().run(ctx, args)
}

func (a *app) run(ctx context.Context, args []string) int {
	cmd := a.root()
	if len(args) > 0 {
		args = args[1:]
	}
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
	// ExitAuth covers rejected PINs and locked tokens.
	ExitAuth = 3
	// ExitPartial is returned when some batch items failed.
	ExitPartial = 4
)

var errPartial = errors.New("some documents were not signed")

func exitCode(err error) int {
	var ce *config.ConfigError
	switch {
	case errors.Is(err, errPartial):
		return ExitPartial
	case errors.As(err, &ce):
		return ExitUsage
	}
	switch engine.KindOf(err) {
	case engine.KindAuthenticationFailed, engine.KindTokenLocked:
		return ExitAuth
	}
	return ExitFailure
}

// Main runs the CLI and exits the process.
func Main() {
	osExit(Run(os.Args))
}
