package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/daemon"
	"github.com/chroxy-sh/chroxy/internal/supervisor"
)

// supervise is the foreground supervisor entry that `start` detaches. It
// spawns `serve` as the gateway child and restarts it on crashes.
func newSuperviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "supervise",
		Short:  "Run the supervisor in the foreground",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runSupervise,
	}
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	cmd.Flags().Bool("no-auth", false, "disable token auth; binds to loopback only")
	return cmd
}

func runSupervise(cmd *cobra.Command, args []string) error {
	path := configFilePath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger := newLogger(cfg.Server.LogLevel)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	// The detached supervisor is the process the PID file names.
	if err := daemon.WritePID(os.Getpid()); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = daemon.RemovePID() }()

	sup := supervisor.New(supervisor.Options{
		BinaryPath:    exe,
		Args:          append([]string{"serve"}, passthroughFlags(cmd)...),
		Addr:          net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Version:       version,
		KnownGoodPath: daemon.KnownGoodPath(),
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}
