package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/agentfs/internal/ingress"
	"github.com/user/agentfs/internal/types"
)

var (
	spawnPriority types.Priority
	queueFile     string
	listStates    []string
)

func init() {
	rootCmd.AddCommand(spawnCmd, queueCmd, acceptCmd, rejectCmd, cancelCmd,
		statusCmd, listCmd, eventsCmd, materializeCmd, diffCmd, syncCmd)

	spawnCmd.Flags().Var(newPriorityValue(&spawnPriority), "priority", "low, normal, high or urgent")
	queueCmd.Flags().StringVarP(&queueFile, "file", "f", "", "YAML file with a list of {task, priority} entries ('-' for stdin)")
	_ = queueCmd.MarkFlagRequired("file")
	listCmd.Flags().StringSliceVar(&listStates, "state", nil, "only show agents in these states")
}

// send dispatches cmd to the running daemon.
func send(cmd ingress.Command) (*ingress.Result, error) {
	addr := addrFlag
	if addr == "" {
		cfg := loadConfig()
		if !cfg.HTTP.Enabled {
			return nil, fmt.Errorf("http ingress is disabled (set http.enabled to reach the daemon)")
		}
		addr = cfg.HTTP.Listen
	}
	if cmd.Origin == "" {
		cmd.Origin = "cli"
	}
	res, err := ingress.NewClient(addr).Do(context.Background(), cmd)
	var remote *ingress.RemoteError
	if errors.As(err, &remote) {
		return res, errors.New(remote.Message)
	}
	return res, err
}

func agentCommand(kind ingress.Kind, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := send(ingress.Command{Kind: kind, Agent: args[0]})
			if err != nil {
				return err
			}
			printAgent(stdout, res.Agent)
			return nil
		},
	}
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <task...>",
	Short: "Spawn an agent for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := send(ingress.Command{
			Kind:     ingress.KindSpawn,
			Task:     strings.Join(args, " "),
			Priority: spawnPriority.String(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, res.Agent.AgentID)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Spawn one agent per entry of a YAML task file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if queueFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(queueFile)
		}
		if err != nil {
			return fmt.Errorf("read task file: %w", err)
		}
		var tasks []ingress.TaskSpec
		if err := yaml.Unmarshal(data, &tasks); err != nil {
			return fmt.Errorf("parse task file: %w", err)
		}
		res, err := send(ingress.Command{Kind: ingress.KindQueue, Tasks: tasks})
		if res != nil {
			for _, rec := range res.Agents {
				fmt.Fprintln(stdout, rec.AgentID)
			}
		}
		return err
	},
}

var (
	acceptCmd = agentCommand(ingress.KindAccept, "accept", "Merge a reviewing agent's changes into stable")
	rejectCmd = agentCommand(ingress.KindReject, "reject", "Discard a reviewing agent's changes")
	cancelCmd = agentCommand(ingress.KindCancel, "cancel", "Stop an agent and discard its overlay")
	statusCmd = agentCommand(ingress.KindStatus, "status", "Show an agent record")
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var states []types.State
		for _, s := range listStates {
			states = append(states, types.State(strings.ToUpper(s)))
		}
		res, err := send(ingress.Command{Kind: ingress.KindList, States: states})
		if err != nil {
			return err
		}
		return printAgents(stdout, res.Agents)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events <agent>",
	Short: "Show an agent's transition history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := send(ingress.Command{Kind: ingress.KindEvents, Agent: args[0]})
		if err != nil {
			return err
		}
		return printEvents(stdout, res.Events)
	},
}

var materializeCmd = &cobra.Command{
	Use:   "materialize <agent>",
	Short: "Write an agent's resolved view to a host directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := send(ingress.Command{Kind: ingress.KindMaterialize, Agent: args[0]})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, res.Path)
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <agent>",
	Short: "List paths an agent added, modified or removed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := send(ingress.Command{Kind: ingress.KindDiff, Agent: args[0]})
		if err != nil {
			return err
		}
		printChanges(stdout, res.Changes)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the configured host directory into stable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := send(ingress.Command{Kind: ingress.KindSync})
		if err != nil {
			return err
		}
		s := res.Sync
		fmt.Fprintf(stdout, "%d written, %d removed, %d dirs created, %d unchanged\n", s.Written, s.Removed, s.Dirs, s.Unchanged)
		return nil
	},
}
