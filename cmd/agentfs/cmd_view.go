package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentfs/internal/mount"
	"github.com/user/agentfs/internal/orchestrator"
	"github.com/user/agentfs/internal/overlay"
	"github.com/user/agentfs/internal/types"
)

var (
	viewAgent  string
	mountDebug bool
)

func init() {
	rootCmd.AddCommand(catCmd, lsCmd, mountCmd)
	for _, c := range []*cobra.Command{catCmd, lsCmd, mountCmd} {
		c.Flags().StringVarP(&viewAgent, "agent", "a", "", "read through this agent's overlay instead of stable")
	}
	mountCmd.Flags().BoolVar(&mountDebug, "debug", false, "log every FUSE request")
}

// withView opens the catalogs read-only and hands fn the selected view.
func withView(fn func(ctx context.Context, view *overlay.View) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx := context.Background()
	insp, err := orchestrator.OpenInspector(ctx, cfg.DataDir, slog.Default())
	if err != nil {
		return err
	}
	defer insp.Close()
	view, err := insp.View(ctx, viewAgent)
	if err != nil {
		return err
	}
	return fn(ctx, view)
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file from stable or an agent's view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(func(ctx context.Context, view *overlay.View) error {
			data, err := view.ReadFile(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = stdout.Write(data)
			return err
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory in stable or an agent's view",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ""
		if len(args) == 1 {
			p = args[0]
		}
		return withView(func(ctx context.Context, view *overlay.View) error {
			entries, err := view.List(ctx, p)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			for _, e := range entries {
				name := e.Name
				if e.Kind == types.KindDir {
					name = boldStyle.Render(name + "/")
				}
				fmt.Fprintf(tw, "%d\t%s\n", e.Size, name)
			}
			return tw.Flush()
		})
	},
}

var mountCmd = &cobra.Command{
	Use:   "mount <dir>",
	Short: "Mount a read-only view with FUSE until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withView(func(ctx context.Context, view *overlay.View) error {
			name := "stable"
			if viewAgent != "" {
				name = viewAgent
			}
			server, err := mount.Mount(args[0], view, mount.Options{Name: "agentfs-" + name, Debug: mountDebug})
			if err != nil {
				return err
			}
			slog.Info("mounted", "dir", args[0], "view", name)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				if err := server.Unmount(); err != nil {
					slog.Error("unmount", "error", err)
				}
			}()
			server.Wait()
			return nil
		})
	},
}
