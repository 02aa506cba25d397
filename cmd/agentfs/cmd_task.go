package main

import (
	"fmt"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentfs/internal/ingress"
	"github.com/user/agentfs/internal/jobs"
	"github.com/user/agentfs/internal/state"
	"github.com/user/agentfs/internal/types"
)

var (
	taskPriority types.Priority
	taskPrompt   string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd, taskRunCmd)

	taskAddCmd.Flags().String("name", "", "template name (required)")
	taskAddCmd.Flags().String("prompt", "", "task prompt (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression")
	taskAddCmd.Flags().String("origin", "", "where notices for spawned agents go, e.g. telegram:<chat id>")
	taskAddCmd.Flags().Var(newPriorityValue(&taskPriority), "priority", "low, normal, high or urgent")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")

	taskRunCmd.Flags().StringVar(&taskPrompt, "prompt", "", "override the template prompt")
}

func templateStore() *state.TemplateStore {
	cfg := loadConfig()
	return state.NewTemplateStore(filepath.Join(cfg.DataDir, "templates.json"))
}

// reloadDaemon asks a running daemon to re-read its schedules. A missing
// daemon is not an error.
func reloadDaemon() {
	if err := signalDaemon(syscall.SIGUSR1); err == nil {
		fmt.Fprintln(stdout, "Daemon schedules reloaded.")
	}
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage task templates",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task template",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		origin, _ := cmd.Flags().GetString("origin")

		if schedule != "" {
			if err := jobs.ValidateSchedule(schedule); err != nil {
				return err
			}
		}
		tpl := &state.Template{
			Name:     name,
			Prompt:   prompt,
			Schedule: schedule,
			Priority: taskPriority,
			Origin:   types.Origin(origin),
			Enabled:  true,
		}
		if err := templateStore().Add(tpl); err != nil {
			return fmt.Errorf("add template: %w", err)
		}
		fmt.Fprintf(stdout, "Template %q added.\n", name)
		reloadDaemon()
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		templates, err := templateStore().List()
		if err != nil {
			return fmt.Errorf("list templates: %w", err)
		}
		if len(templates) == 0 {
			fmt.Fprintln(stdout, "No templates configured.")
			return nil
		}

		w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tPRIORITY\tENABLED\tORIGIN\tPROMPT")
		for _, t := range templates {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
				t.Name,
				t.Schedule,
				t.Priority,
				t.Enabled,
				t.Origin,
				oneLine(t.Prompt, 40),
			)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := templateStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove template: %w", err)
		}
		fmt.Fprintf(stdout, "Template %q removed.\n", args[0])
		reloadDaemon()
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := templateStore().SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable template: %w", err)
		}
		fmt.Fprintf(stdout, "Template %q enabled.\n", args[0])
		reloadDaemon()
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := templateStore().SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable template: %w", err)
		}
		fmt.Fprintf(stdout, "Template %q disabled.\n", args[0])
		reloadDaemon()
		return nil
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Spawn an agent from a template now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := send(ingress.Command{Kind: ingress.KindRun, Template: args[0], Task: taskPrompt})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, res.Agent.AgentID)
		return nil
	},
}
