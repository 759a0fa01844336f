package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentspilot/orchestrator/internal/httpapi"
	"github.com/agentspilot/orchestrator/internal/providers"
	orchmcp "github.com/agentspilot/orchestrator/pkg/mcp"
)

// attachMCP builds the MCP server over the app's engine and routes approval
// notifications to connected MCP sessions as well as the log.
func attachMCP(a *app) *orchmcp.OrchestratorServer {
	srv := orchmcp.NewOrchestratorServer(orchmcp.OrchestratorServerDeps{
		Engine:    a.orch,
		Approvals: a.orch.Approvals(),
		Logger:    a.logger,
	})
	a.notifier.Swap(providers.MultiNotifier{providers.LogNotifier{Logger: a.logger}, srv.Notifier()})
	return srv
}

func (c *cli) serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and MCP endpoint and run the scheduler",
		Long: `Serve the REST API on http.addr with the MCP streamable HTTP transport
mounted at /mcp. The scheduler starts runs for due schedules and sweeps
overdue approvals until the process receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, func(a *app) error {
				mcpSrv := attachMCP(a)

				api := httpapi.NewServer(c.cfg.HTTP.Addr, a.orch, a.plans, a.scheduler, a.logger).WithEvents(a.events)
				mux := http.NewServeMux()
				mux.Handle("/mcp", mcpSrv.HTTPHandler())
				mux.Handle("/", api.Handler)
				api.Handler = mux

				if !noScheduler {
					if err := a.scheduler.RecoverMissed(ctx); err != nil {
						a.logger.Warn("recover missed schedules", slog.Any("error", err))
					}
					if err := a.scheduler.Start(ctx); err != nil {
						return err
					}
					defer func() { _ = a.scheduler.Stop() }()
				}

				errc := make(chan error, 1)
				go func() { errc <- api.Start() }()

				select {
				case err := <-errc:
					return err
				case <-ctx.Done():
				}
				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				if err := api.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	_ = c.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve without running schedules or approval sweeps")
	return cmd
}

func (c *cli) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the orchestrator tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, func(a *app) error {
				return attachMCP(a).Serve(ctx)
			})
		},
	}
}
