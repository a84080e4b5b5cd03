package cmd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/daemon"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the supervisor as a background process",
		Args:  cobra.NoArgs,
		RunE:  runStart,
	}
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	cmd.Flags().Bool("no-auth", false, "disable token auth; binds to loopback only")
	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	path := configFilePath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	applyFlags(cmd, cfg)

	token := ""
	if cfg.Server.AuthRequired {
		token, err = config.EnsureToken(cfg, path)
		if err != nil {
			return fmt.Errorf("%w: %v", errAuthInit, err)
		}
	}

	pid, _ := daemon.ReadPID()
	if pid > 0 && daemon.IsRunning(pid) {
		return fmt.Errorf("chroxy is already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := daemon.OpenLogFile()
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	childArgs := append([]string{"supervise"}, passthroughFlags(cmd)...)
	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = daemon.DetachSysProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	if err := daemon.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	_, _ = fmt.Fprintf(os.Stdout, "Chroxy started (PID %d)\n", child.Process.Pid)
	_, _ = fmt.Fprintf(os.Stdout, "  Gateway: ws://%s/ws\n", addr)
	if token != "" {
		_, _ = fmt.Fprintf(os.Stdout, "  Token:   %s\n", token)
	} else {
		_, _ = fmt.Fprintln(os.Stdout, "  Auth:    disabled (loopback only)")
	}
	_, _ = fmt.Fprintf(os.Stdout, "  Logs:    %s\n", daemon.LogPath())
	return nil
}
