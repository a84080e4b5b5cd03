// Package cmd implements the chroxy CLI: the supervisor front-end (start,
// stop, status) and the gateway child entry (serve).
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/daemon"
	"github.com/chroxy-sh/chroxy/internal/gateway"
)

var version = "dev"

// errAuthInit marks token provisioning failures (exit code 3).
var errAuthInit = errors.New("auth init failed")

// errUsage marks flag and argument errors (exit code 2).
var errUsage = errors.New("usage")

// NewRootCmd creates the root cobra command for chroxy.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:           "chroxy",
		Short:         "Chroxy — remote access to a local coding agent",
		Long:          "Chroxy exposes a local coding agent CLI to remote clients over an authenticated WebSocket.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newStartCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newSuperviseCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	return root
}

// Execute runs the CLI and maps errors to process exit codes:
// 0 ok, 1 generic, 2 usage, 3 auth init, 4 port bind.
func Execute(v string) int {
	err := NewRootCmd(v).Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	switch {
	case errors.Is(err, gateway.ErrPortBind):
		return 4
	case errors.Is(err, errAuthInit):
		return 3
	case errors.Is(err, errUsage), strings.HasPrefix(err.Error(), "unknown command"):
		return 2
	}
	return 1
}

// configFilePath resolves the config file from the --config flag or the
// default state dir.
func configFilePath(cmd *cobra.Command) string {
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return daemon.ConfigPath()
}

// applyFlags overrides loaded config with command-line flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		if p, err := strconv.Atoi(f.Value.String()); err == nil {
			cfg.Server.Port = p
		}
	}
	if f := cmd.Flags().Lookup("no-auth"); f != nil && f.Changed {
		cfg.Server.AuthRequired = false
		// No-auth mode never listens beyond loopback.
		cfg.Server.Host = "127.0.0.1"
	}
}

// passthroughFlags rebuilds the flag set for a re-exec'd child command.
func passthroughFlags(cmd *cobra.Command) []string {
	var out []string
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		out = append(out, "--port", f.Value.String())
	}
	if f := cmd.Flags().Lookup("no-auth"); f != nil && f.Changed {
		out = append(out, "--no-auth")
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		out = append(out, "--config", f.Value.String())
	}
	return out
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
