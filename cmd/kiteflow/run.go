package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"kiteflow/internal/config"
	"kiteflow/internal/domain"
	"kiteflow/internal/scheduler"
)

func newRunCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task name>",
		Short: "Execute one task immediately and print the result",
		Example: `  kiteflow run "Weekly SEO Audit"
  kiteflow run "Monthly Performance Report" --db prod.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.sched.AddTask(scheduler.TaskDefinition{Name: args[0], Schedule: scheduler.DailyAt6})
			if err != nil {
				return err
			}
			task, err := a.sched.RunTaskNow(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(task); err != nil {
				return err
			}
			if task.Status == domain.StatusFailed {
				return errors.New(task.Error)
			}
			return nil
		},
	}
}
