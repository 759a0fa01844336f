package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentspilot/orchestrator/internal/store"
	"github.com/agentspilot/orchestrator/pkg/schema"
)

func (c *cli) respondCmd() *cobra.Command {
	var (
		approver string
		comment  string
	)
	cmd := &cobra.Command{
		Use:   "respond <request-id> <approve|reject>",
		Short: "Answer an approval request",
		Long: `Record an approver's decision. When the decision resolves the request,
the paused run resumes in this process before the command returns.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := schema.Decision(args[1])
			if decision != schema.DecisionApprove && decision != schema.DecisionReject {
				return fmt.Errorf("decision must be %q or %q", schema.DecisionApprove, schema.DecisionReject)
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				req, err := a.orch.Respond(cmd.Context(), args[0], approver, decision, comment)
				if err != nil {
					return err
				}
				return c.printJSON(req)
			})
		},
	}
	cmd.Flags().StringVarP(&approver, "approver", "a", "", "responding approver")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment recorded with the decision")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func (c *cli) approvalsCmd() *cobra.Command {
	var (
		filter store.ApprovalFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st := schema.ApprovalStatus(status)
				filter.Status = &st
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				reqs, err := a.orch.Approvals().List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return c.printJSON(orEmpty(reqs))
			})
		},
	}
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only requests of this run")
	cmd.Flags().StringVar(&status, "status", string(schema.ApprovalPending), "only requests in this status; empty for all")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of requests")
	return cmd
}

func (c *cli) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Apply the timeout action of every overdue approval request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				n, err := a.orch.CheckApprovalTimeouts(cmd.Context())
				if err != nil {
					return err
				}
				return c.printJSON(map[string]int{"handled": n})
			})
		},
	}
}
