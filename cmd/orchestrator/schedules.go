package main

import (
	"github.com/spf13/cobra"
)

func (c *cli) schedulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage cron schedules for stored plans",
	}

	var (
		userID    string
		rawInputs string
		pairs     []string
	)
	create := &cobra.Command{
		Use:   "create <plan-id> <cron-expression>",
		Short: "Run a stored plan on a cron expression",
		Long: `Create an enabled schedule. The expression has five fields
(minute hour day-of-month month day-of-week) or is a descriptor such as
@hourly or @every 15m. Schedules run while "orchestrator serve" is up.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			inputs, err := parseInputs(rawInputs, pairs)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), func(a *app) error {
				sch, err := a.scheduler.Create(cmd.Context(), args[0], args[1], userID, inputs)
				if err != nil {
					return err
				}
				return c.printJSON(sch)
			})
		},
	}
	create.Flags().StringVarP(&userID, "user", "u", "", "user the scheduled runs execute for")
	create.Flags().StringVar(&rawInputs, "inputs", "", "inputs as a JSON object")
	create.Flags().StringArrayVarP(&pairs, "input", "i", nil, "input as key=value (repeatable)")
	_ = create.MarkFlagRequired("user")

	cmd.AddCommand(
		create,
		&cobra.Command{
			Use:   "list",
			Short: "List schedules",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd.Context(), func(a *app) error {
					list, err := a.scheduler.List(cmd.Context())
					if err != nil {
						return err
					}
					return c.printJSON(orEmpty(list))
				})
			},
		},
		c.toggleScheduleCmd("enable", "Enable a schedule and compute its next run", true),
		c.toggleScheduleCmd("disable", "Stop a schedule from starting runs", false),
		&cobra.Command{
			Use:   "delete <schedule-id>",
			Short: "Delete a schedule",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd.Context(), func(a *app) error {
					return a.scheduler.Delete(cmd.Context(), args[0])
				})
			},
		},
	)
	return cmd
}

func (c *cli) toggleScheduleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <schedule-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(a *app) error {
				return a.scheduler.SetEnabled(cmd.Context(), args[0], enabled)
			})
		},
	}
}
