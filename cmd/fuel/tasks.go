package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/model"
	"github.com/ashleyhindle/fuel/internal/setup"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create .fuel with a default config and an empty database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := os.Getenv(config.EnvDir)
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = filepath.Join(wd, config.DirName)
			}
			res, err := setup.Run(cmd.Context(), dir)
			if err != nil {
				return err
			}
			if res.WroteConfig {
				fmt.Fprintf(cmd.OutOrStdout(), "Initialised %s\n", res.Dir)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already initialised; config left unchanged\n", res.Dir)
			}
			return nil
		},
	}
}

func newAddCmd() *cobra.Command {
	var (
		description string
		complexity  string
		priority    int
		labels      []string
		blockedBy   []string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := model.ParseComplexity(complexity)
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			blockers := make([]string, 0, len(blockedBy))
			for _, id := range blockedBy {
				b, err := st.Find(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("blocked-by %s: %w", id, err)
				}
				blockers = append(blockers, b.ID)
			}

			t, err := st.Create(cmd.Context(), model.NewTask{
				Title:       args[0],
				Description: description,
				Complexity:  c,
				Priority:    priority,
				Labels:      labels,
				BlockedBy:   blockers,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), t)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task: %s\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "Task description")
	cmd.Flags().StringVarP(&complexity, "complexity", "c", string(model.ComplexitySimple), "trivial, simple, moderate or complex")
	cmd.Flags().IntVarP(&priority, "priority", "p", 2, "Priority 0 (urgent) to 4")
	cmd.Flags().StringSliceVarP(&labels, "labels", "l", nil, "Comma-separated labels")
	cmd.Flags().StringSliceVar(&blockedBy, "blocked-by", nil, "Ids of tasks that must be done first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the created task as JSON")
	return cmd
}

func newReadyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List tasks an agent could pick up now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			tasks, err := st.Ready(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if tasks == nil {
					tasks = []model.Task{}
				}
				return writeJSON(cmd.OutOrStdout(), tasks)
			}
			renderTasks(cmd.OutOrStdout(), tasks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newDoneCmd() *cobra.Command {
	var reason, commit string
	cmd := &cobra.Command{
		Use:   "done <ids...>",
		Short: "Mark tasks done",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			var failed []string
			for _, id := range args {
				t, err := st.Find(cmd.Context(), id)
				if err == nil {
					t, err = st.Done(cmd.Context(), t.ID, reason, commit)
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
					failed = append(failed, id)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Completed: %s %s\n", t.ID, t.Title)
			}
			if len(failed) > 0 {
				return fmt.Errorf("could not complete %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the task is done")
	cmd.Flags().StringVar(&commit, "commit", "", "Commit hash that completed the task")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "retry <ids...>",
		Short: "Reopen tasks an agent consumed without finishing",
		Long: `Retry reopens in_progress tasks that a consume run already handled and clears
their consumed, consumed_at, consumed_exit_code and consumed_output fields so
the daemon picks them up again.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			retried := []model.Task{}
			var failed []string
			for _, id := range args {
				t, err := st.Find(cmd.Context(), id)
				if err == nil {
					t, err = st.Retry(cmd.Context(), t.ID)
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
					failed = append(failed, id)
					continue
				}
				retried = append(retried, t)
			}

			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), retried); err != nil {
					return err
				}
			} else {
				for _, t := range retried {
					fmt.Fprintf(cmd.OutOrStdout(), "Retrying: %s %s\n", t.ID, t.Title)
				}
			}
			if len(failed) > 0 {
				return fmt.Errorf("could not retry %s", strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output retried tasks as JSON")
	return cmd
}

func newRunsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "Show the agent runs recorded for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := st.Find(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			runs, err := st.GetRuns(cmd.Context(), t.ID)
			if err != nil {
				return err
			}
			if asJSON {
				if runs == nil {
					runs = []model.Run{}
				}
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			renderRuns(cmd.OutOrStdout(), t, runs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
