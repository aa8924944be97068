package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/keeper/internal/client"
	"github.com/dreamware/keeper/internal/wire"
)

func existsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "exists PATH",
		Short: "Report whether a node exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				ok, err := c.Exists(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(out, ok)
				return nil
			})
		},
	}
}

func mkdirCmd(g *globalFlags) *cobra.Command {
	var (
		data      string
		ephemeral bool
		failIfSet bool
	)
	cmd := &cobra.Command{
		Use:   "mkdir PATH",
		Short: "Create a node and any missing parents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				if data == "" && !ephemeral && !failIfSet {
					return c.Mkdir(ctx, args[0])
				}
				return c.MakePath(ctx, args[0], client.MakePathOptions{
					Data:         []byte(data),
					Ephemeral:    ephemeral,
					FailOnExists: failIfSet,
				})
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "payload for the final node")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "bind the final node to this command's session")
	cmd.Flags().BoolVar(&failIfSet, "fail-on-exists", false, "fail when the final node already exists")
	return cmd
}

func mkdirsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdirs PATH...",
		Short: "Create several nodes and their parents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				return c.Mkdirs(ctx, args[0], args[1:]...)
			})
		},
	}
}

func lsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls PATH",
		Short: "List the children of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				kids, err := c.Children(ctx, args[0], nil)
				if err != nil {
					return err
				}
				for _, k := range kids {
					fmt.Fprintln(out, k)
				}
				return nil
			})
		},
	}
}

func getCmd(g *globalFlags) *cobra.Command {
	var stat bool
	cmd := &cobra.Command{
		Use:   "get PATH",
		Short: "Print the data of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				data, st, err := c.Get(ctx, args[0], nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				if stat {
					printStat(out, st)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&stat, "stat", false, "also print node metadata")
	return cmd
}

func setCmd(g *globalFlags) *cobra.Command {
	var version int32
	cmd := &cobra.Command{
		Use:   "set PATH DATA",
		Short: "Replace the data of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				st, err := c.Set(ctx, args[0], []byte(args[1]), version)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "version = %d\n", st.Version)
				return nil
			})
		},
	}
	cmd.Flags().Int32Var(&version, "version", client.AnyVersion, "expected current version, -1 for any")
	return cmd
}

func rmCmd(g *globalFlags) *cobra.Command {
	var (
		version   int32
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "rm PATH",
		Short: "Delete a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				if recursive {
					return c.Clean(ctx, args[0])
				}
				return c.Delete(ctx, args[0], version)
			})
		},
	}
	cmd.Flags().Int32Var(&version, "version", client.AnyVersion, "expected current version, -1 for any")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "delete the whole subtree")
	return cmd
}

func cleanCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clean PATH",
		Short: "Delete a subtree; cleaning / keeps the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				return c.Clean(ctx, args[0])
			})
		},
	}
}

func watchCmd(g *globalFlags) *cobra.Command {
	var (
		count int
		data  bool
	)
	cmd := &cobra.Command{
		Use:   "watch PATH",
		Short: "Print events for a node until interrupted",
		Long: "Print events for a node until interrupted or --count events were seen.\n" +
			"By default the children of PATH are watched; --data watches its data.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client, out io.Writer) error {
				return watchLoop(ctx, c, out, args[0], data, count)
			})
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many events; 0 runs until interrupted")
	cmd.Flags().BoolVar(&data, "data", false, "watch node data instead of children")
	return cmd
}

// watchLoop re-arms the one-shot watch after every event until count
// events were printed or the node is deleted.
func watchLoop(ctx context.Context, c *client.Client, out io.Writer, path string, data bool, count int) error {
	events := make(chan client.Event, 1)
	h := client.HandlerFunc(func(e client.Event) {
		select {
		case events <- e:
		default:
		}
	})
	arm := func() error {
		if data {
			_, _, err := c.Get(ctx, path, h)
			return err
		}
		return c.Watch(ctx, path, h)
	}

	if err := arm(); err != nil {
		return err
	}
	for seen := 0; ; {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			seen++
			fmt.Fprintf(out, "%s %s\n", e.Type, e.Path)
			if e.Type == wire.EventNodeDeleted {
				return nil
			}
			if count > 0 && seen >= count {
				return nil
			}
			if err := arm(); err != nil {
				return err
			}
		}
	}
}

func printStat(out io.Writer, st wire.Stat) {
	lines := []string{
		fmt.Sprintf("version = %d", st.Version),
		fmt.Sprintf("children = %d", st.NumChildren),
		fmt.Sprintf("created = %s", st.CreatedAt.Format(time.RFC3339)),
		fmt.Sprintf("modified = %s", st.ModifiedAt.Format(time.RFC3339)),
	}
	if st.Ephemeral() {
		lines = append(lines, "owner = "+st.Owner)
	}
	fmt.Fprintln(out, strings.Join(lines, "\n"))
}
