// Command supa runs the NSI Connection Service provider agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/supa/internal/config"
	"github.com/signalsfoundry/supa/internal/logging"
)

func main() {
	os.Exit(submain())
}

func submain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "supa",
		Short:         "supa is an NSI Connection Service provider agent",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newServeCommand())
	return root
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ConnectionProvider over gRPC",
		Example: `
  # In-memory records, verbose logs
  supa serve --database-file :memory: --log-level debug

  # Persistent records, results shared through Redis
  SUPA_RESULT_CACHE=redis://localhost:6379/0 supa serve --database-file /var/lib/supa/supa.db
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("configuration: %w", err)
			}
			log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: cmd.ErrOrStderr()})
			return run(cmd.Context(), cfg, log, nil)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}
