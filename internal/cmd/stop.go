package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chroxy-sh/chroxy/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background supervisor process",
		Args:  cobra.NoArgs,
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	pid, err := daemon.ReadPID()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	if pid == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Chroxy is not running (no PID file)")
		return nil
	}

	if !daemon.IsRunning(pid) {
		_ = daemon.RemovePID()
		_, _ = fmt.Fprintf(os.Stdout, "Chroxy is not running (stale PID %d removed)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "Stopping chroxy (PID %d)...\n", pid)
	// The supervisor needs up to 30s to drain the gateway before it exits.
	if err := daemon.StopProcess(pid, 35*time.Second); err != nil {
		return err
	}

	_ = daemon.RemovePID()
	_, _ = fmt.Fprintln(os.Stdout, "Chroxy stopped")
	return nil
}
