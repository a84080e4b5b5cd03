package cmd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/daemon"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFilePath(cmd))
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	// The health endpoint answers both from the gateway ("ok") and from the
	// supervisor's standby server ("restarting").
	client := &http.Client{Timeout: 2 * time.Second}
	if resp, err := client.Get("http://" + addr + "/health"); err == nil {
		defer resp.Body.Close()
		var body struct {
			Status  string `json:"status"`
			Mode    string `json:"mode"`
			Version string `json:"version"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status != "" {
			_, _ = fmt.Fprintf(os.Stdout, "Status:  %s\n", body.Status)
			_, _ = fmt.Fprintf(os.Stdout, "Address: ws://%s/ws\n", addr)
			_, _ = fmt.Fprintf(os.Stdout, "Version: %s\n", body.Version)
			return nil
		}
	}

	pid, _ := daemon.ReadPID()
	if pid == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "Status:  stopped (no PID file)")
		return nil
	}
	if !daemon.IsRunning(pid) {
		_, _ = fmt.Fprintf(os.Stdout, "Status:  stopped (stale PID %d)\n", pid)
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "Status:  running (health unreachable)\n")
	_, _ = fmt.Fprintf(os.Stdout, "PID:     %d\n", pid)
	_, _ = fmt.Fprintf(os.Stdout, "Logs:    %s\n", daemon.LogPath())
	return nil
}
