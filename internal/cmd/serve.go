package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chroxy-sh/chroxy/internal/agent"
	"github.com/chroxy-sh/chroxy/internal/config"
	"github.com/chroxy-sh/chroxy/internal/eventbus"
	"github.com/chroxy-sh/chroxy/internal/gateway"
	"github.com/chroxy-sh/chroxy/internal/permission"
	"github.com/chroxy-sh/chroxy/internal/session"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	cmd.Flags().Bool("no-auth", false, "disable token auth; binds to loopback only")
	cmd.Flags().String("cwd", "", "default working directory for agent sessions")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configFilePath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	if cfg.Server.AuthRequired {
		if _, err := config.EnsureToken(cfg, path); err != nil {
			return fmt.Errorf("%w: %v", errAuthInit, err)
		}
	}

	logger := newLogger(cfg.Server.LogLevel)

	bus := eventbus.New()
	defer bus.Close()
	bridge := permission.NewBridge(bus, cfg.Limits.PermissionTimeout.Duration, logger)

	// The permission hook helper inherits these to reach POST /permission.
	agentEnv := map[string]string{
		"CHROXY_PORT": strconv.Itoa(cfg.Server.Port),
	}
	if cfg.Server.AuthRequired {
		agentEnv["CHROXY_TOKEN"] = cfg.Server.APIToken
	}
	factory := func(cwd string) agent.Backend {
		return agent.NewClaude(agent.Config{Cwd: cwd, Env: agentEnv}, logger)
	}

	defaultCwd, _ := cmd.Flags().GetString("cwd")
	mgr := session.NewManager(session.Options{
		MaxSessions: cfg.Limits.MaxSessions,
		HistorySize: cfg.Limits.HistorySize,
		DefaultCwd:  defaultCwd,
		Permission:  bridge.Request,
	}, factory, bus, logger)
	defer mgr.DestroyAll()

	srv := gateway.New(cfg, version, mgr, bridge, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("chroxy gateway starting", "version", version,
		"port", cfg.Server.Port, "auth_required", cfg.Server.AuthRequired)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("chroxy gateway stopped")
	return nil
}
