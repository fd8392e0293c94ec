package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/task"
	"calsync/internal/web"
)

const version = "0.1.0"

// rootOptions holds global flags for all commands.
type rootOptions struct {
	configPath string
	provider   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "calsync",
		Short:         "Two-way calendar synchronization with an external Provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/calsync/config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.provider, "provider", "memory", "Provider client to use (memory)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSyncAccountCommand(opts))
	cmd.AddCommand(newImportEventCommand(opts))
	return cmd
}

// setup loads the config and wires the runtime. The returned context is
// cancelled on SIGINT/SIGTERM.
func setup(cmd *cobra.Command, opts *rootOptions) (context.Context, context.CancelFunc, *app, error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	client, err := newProvider(opts.provider)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	a, err := newApp(ctx, cfg, client)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, stop, a, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task workers, the account poller and the ops HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop, a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer stop()
			defer a.Close()
			if listen != "" {
				a.cfg.Listen = listen
			}
			appLog.Info("calsync starting", "version", version)

			done := make(chan struct{})
			go func() {
				a.dispatcher.Run(ctx, a.syncer)
				close(done)
			}()

			if a.cfg.PollCron != "" {
				poller, err := task.NewPoller(a.cfg.PollCron, a.db.Accounts(), a.dispatcher)
				if err != nil {
					stop()
					<-done
					return err
				}
				poller.Start()
				defer poller.Stop()
			}

			srv := web.NewServer(a.cfg, a.metrics.Registry, a.db.Accounts(), a.dispatcher)
			err = srv.Serve(ctx)
			stop()
			<-done
			appLog.Info("calsync exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func newSyncAccountCommand(opts *rootOptions) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "sync-account ACCOUNT_ID",
		Short: "Resync every calendar of one account and wait for completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer stop()
			defer a.Close()
			return a.runOnce(ctx, task.SyncAccount{TenantID: tenantID, AccountID: args[0]})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newImportEventCommand(opts *rootOptions) *cobra.Command {
	var tenantID, accountID string
	cmd := &cobra.Command{
		Use:   "import-event EXTERNAL_EVENT_ID",
		Short: "Import one Provider event and wait for completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop, a, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer stop()
			defer a.Close()
			return a.runOnce(ctx, task.ImportEvent{TenantID: tenantID, AccountID: accountID, ExternalEventID: args[0]})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&accountID, "account", "", "local account id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}
