package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentspilot/orchestrator/internal/engine"
	"github.com/agentspilot/orchestrator/internal/plans"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

func (c *cli) runCmd() *cobra.Command {
	var (
		planID    string
		userID    string
		rawInputs string
		pairs     []string
	)
	cmd := &cobra.Command{
		Use:   "run [plan-file]",
		Short: "Execute a plan file or a stored plan",
		Long: `Execute a plan and print the run result as JSON.

The plan is read from a JSON, YAML or TOML file (by extension), or loaded
from the store with --plan-id. A run that stops on an approval is left
paused; answer it with "orchestrator respond".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (planID == "") {
				return errors.New("give either a plan file or --plan-id")
			}
			inputs, err := parseInputs(rawInputs, pairs)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, func(a *app) error {
				var res *engine.RunResult
				if planID != "" {
					res, err = a.orch.RunStored(ctx, planID, userID, inputs)
				} else {
					var plan *schema.Plan
					if plan, err = readPlanFile(args[0], a); err != nil {
						return err
					}
					res, err = a.orch.Run(ctx, plan, userID, inputs)
				}
				if err != nil {
					return err
				}
				return c.printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan-id", "", "ID of a stored plan")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user the run executes for")
	cmd.Flags().StringVar(&rawInputs, "inputs", "", "inputs as a JSON object")
	cmd.Flags().StringArrayVarP(&pairs, "input", "i", nil, "input as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused or interrupted run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				res, err := a.orch.Resume(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.printResult(res)
			})
		},
	}
}

func (c *cli) pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Ask a running run to pause at its next step boundary",
		Long: `Record a pause request on a running run. The worker driving the run,
in this process or another one sharing the store, pauses it at its next
chunk boundary. Resume it later with "resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				if err := a.orch.Pause(cmd.Context(), args[0]); err != nil {
					return err
				}
				return c.printJSON(map[string]string{"runId": args[0], "message": "pause requested"})
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the persisted state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				rec, err := a.orch.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return c.printJSON(rec)
			})
		},
	}
}

func (c *cli) runsCmd() *cobra.Command {
	var (
		filter store.RunFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st := schema.RunStatus(status)
				filter.Status = &st
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				runs, err := a.orch.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return c.printJSON(orEmpty(runs))
			})
		},
	}
	cmd.Flags().StringVar(&filter.UserID, "user", "", "only runs of this user")
	cmd.Flags().StringVar(&filter.PlanID, "plan-id", "", "only runs of this plan")
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of runs")
	return cmd
}

// printResult prints the result and turns a failed run into a non-zero exit.
func (c *cli) printResult(res *engine.RunResult) error {
	if err := c.printJSON(res); err != nil {
		return err
	}
	if res.Status == schema.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", res.RunID, res.ErrorMessage)
	}
	return nil
}

func readPlanFile(path string, a *app) (*schema.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return plans.Decode(data, plans.FormatFromPath(path), a.validator)
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

