// Command keeperctl inspects and edits a keeper namespace.
//
// Every subcommand opens one session, runs a single namespace operation
// through the retrying client and closes the session again:
//
//	keeperctl --address 127.0.0.1:2281 mkdirs /app/config /app/locks
//	keeperctl ls /app
//	keeperctl set /app/config '{"replicas":3}'
//	keeperctl watch /app/locks --count 5
//	keeperctl clean /app
//
// The address and timeouts come from --config (or KEEPER_CONFIG), then
// KEEPER_* variables, then --address.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/keeper/internal/client"
	"github.com/dreamware/keeper/internal/config"
	"github.com/dreamware/keeper/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keeperctl:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	address    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "keeperctl",
		Short:         "keeper namespace client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime()
			if !g.verbose {
				zerolog.SetGlobalLevel(zerolog.WarnLevel)
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to a TOML config file")
	pf.StringVar(&g.address, "address", "", "server address (host:port)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log session and retry activity")

	root.AddCommand(
		existsCmd(g),
		mkdirCmd(g),
		mkdirsCmd(g),
		lsCmd(g),
		getCmd(g),
		setCmd(g),
		rmCmd(g),
		cleanCmd(g),
		watchCmd(g),
	)
	return root
}

func (g *globalFlags) clientConfig() (config.ClientConfig, error) {
	path := g.configPath
	if path == "" {
		path = os.Getenv("KEEPER_CONFIG")
	}
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return config.ClientConfig{}, err
	}
	if g.address != "" {
		cfg.Address = g.address
	}
	return cfg, cfg.Validate()
}

// withClient connects, runs fn and closes the session.
func withClient(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, c *client.Client, out io.Writer) error) error {
	cfg, err := g.clientConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c, err := client.Connect(ctx, cfg, client.WithLogger(logging.Component("keeperctl")))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c, cmd.OutOrStdout())
}
