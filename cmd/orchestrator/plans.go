package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentspilot/orchestrator/internal/diagram"
	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

func (c *cli) plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage stored plans",
	}

	var name string
	put := &cobra.Command{
		Use:   "put <plan-id> <plan-file>",
		Short: "Validate a plan file and store it under an ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				plan, err := readPlanFile(args[1], a)
				if err != nil {
					return err
				}
				if _, err := a.orch.Validate(plan); err != nil {
					return err
				}
				rec, err := a.plans.Save(cmd.Context(), args[0], name, plan)
				if err != nil {
					return err
				}
				return c.printJSON(rec)
			})
		},
	}
	put.Flags().StringVar(&name, "name", "", "display name")

	var stored bool
	var runID string
	diag := &cobra.Command{
		Use:   "diagram [plan-file|plan-id]",
		Short: "Render a plan, or the plan of a run, as a Mermaid flowchart",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (runID == "") == (len(args) == 0) {
				return fmt.Errorf("pass either a plan argument or --run")
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				var (
					plan *schema.Plan
					rec  *store.RunRecord
					err  error
				)
				switch {
				case runID != "":
					if rec, err = a.orch.Status(cmd.Context(), runID); err == nil {
						plan = &rec.Plan
					}
				case stored:
					plan, err = a.plans.Get(cmd.Context(), args[0])
				default:
					plan, err = readPlanFile(args[0], a)
				}
				if err != nil {
					return err
				}
				exec, err := a.orch.Validate(plan)
				if err != nil {
					return err
				}
				model, err := diagram.Build(plan, exec, rec)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(c.out, diagram.RenderMermaid(model))
				return err
			})
		},
	}
	diag.Flags().BoolVar(&stored, "stored", false, "treat the argument as a stored plan ID")
	diag.Flags().StringVar(&runID, "run", "", "render the plan of this run with step outcomes")

	cmd.AddCommand(
		put,
		diag,
		&cobra.Command{
			Use:   "get <plan-id>",
			Short: "Print a stored plan",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(a *app) error {
					plan, err := a.plans.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return c.printJSON(plan)
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored plans",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd.Context(), func(a *app) error {
					recs, err := a.plans.List(cmd.Context())
					if err != nil {
						return err
					}
					return c.printJSON(orEmpty(recs))
				})
			},
		},
		&cobra.Command{
			Use:   "delete <plan-id>",
			Short: "Delete a stored plan",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(a *app) error {
					return a.plans.Delete(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "validate <plan-file>",
			Short: "Check a plan file without storing or running it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(a *app) error {
					plan, err := readPlanFile(args[0], a)
					if err != nil {
						return err
					}
					exec, err := a.orch.Validate(plan)
					if err != nil {
						return err
					}
					return c.printJSON(map[string]any{"valid": true, "steps": len(exec.Order), "levels": exec.Levels})
				})
			},
		},
	)
	return cmd
}
