// Command payoutd settles, reconciles and pays out monthly profit.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ClawsCorp/core/pkg/client"
	"github.com/ClawsCorp/core/pkg/config"
	"github.com/ClawsCorp/core/pkg/ledger"
)

// Exit codes.
const (
	exitOK             = 0
	exitFailure        = 1
	exitUsage          = 2
	exitNotReady       = 10
	exitCreateBlocked  = 11
	exitExecuteBlocked = 12
	exitPayoutPending  = 13
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error { return &exitError{code: code, err: err} }

func usageErrorf(format string, args ...any) error {
	return withCode(exitUsage, fmt.Errorf(format, args...))
}

// cli is the state shared by all commands.
type cli struct {
	stdout  io.Writer
	stderr  io.Writer
	jsonOut bool
	cfg     *config.Config
	logger  *slog.Logger
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	// Anything cobra rejects before a command runs is a usage error.
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitUsage
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "payoutd",
		Short:         "Settlement, reconciliation and payout orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return withCode(exitUsage, fmt.Errorf("config: %w", err))
			}
			c.cfg = cfg
			c.logger = newLogger(c.stderr, cfg.LogLevel)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print exactly one JSON object to stdout")

	root.AddCommand(
		c.serveCmd(),
		c.workerCmd(),
		c.migrateCmd(),
		c.ingestCmd(),
		c.settleCmd(),
		c.reconcileCmd(),
		c.createCmd(),
		c.executeCmd(),
		c.syncCmd(),
		c.runMonthCmd(),
		c.summaryCmd(),
	)
	return root
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// client returns a signed client for the configured server.
func (c *cli) client() (*client.Client, error) {
	if c.cfg.Auth.HMACSecret == "" {
		return nil, withCode(exitUsage, config.ErrSecretRequired)
	}
	return client.New(c.cfg.Client.BaseURL, []byte(c.cfg.Auth.HMACSecret), client.WithTimeout(c.cfg.Client.Timeout)), nil
}

// print writes v as JSON with --json, or the human line otherwise.
func (c *cli) print(v any, human string) error {
	if c.jsonOut {
		enc := json.NewEncoder(c.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(c.stdout, human)
	return err
}

func monthArg(s string) (ledger.MonthID, error) {
	m, err := ledger.ParseMonth(s)
	if err != nil {
		return "", withCode(exitUsage, err)
	}
	return m, nil
}

// transport wraps a client failure as exit 1.
func transport(err error) error {
	if err == nil {
		return nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return err
	}
	return withCode(exitFailure, err)
}
