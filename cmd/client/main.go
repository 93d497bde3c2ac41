// Command syncd is the offline-first record client. Writes land in the local
// store first and are pushed to the backend when it can be reached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// cli carries what every subcommand needs after the root pre-run.
type cli struct {
	v   *viper.Viper
	cfg config.Client
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.New(config.ClientEnvPrefix)}
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline-first record client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadClient(c.v)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log, err = newLogger(cfg.Debug)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.log != nil {
				_ = c.log.Sync()
			}
		},
	}
	if err := config.BindClientFlags(root, c.v); err != nil {
		panic(err)
	}
	root.AddCommand(
		newRunCmd(c),
		newAddCmd(c),
		newEditCmd(c),
		newRmCmd(c),
		newListCmd(c),
		newSyncCmd(c),
		newLoginCmd(c, false),
		newLoginCmd(c, true),
		newLogoutCmd(c),
		newVersionCmd(),
	)
	return root
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
