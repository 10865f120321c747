package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheerbytes/chunkline/internal/app"
	"github.com/sheerbytes/chunkline/internal/client"
	"github.com/sheerbytes/chunkline/internal/config"
	"github.com/sheerbytes/chunkline/internal/history"
	"github.com/sheerbytes/chunkline/internal/termio"
	"github.com/sheerbytes/chunkline/internal/wsclient"
	"github.com/sheerbytes/chunkline/pkg/protocol"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chunkline",
		Short: "Fetch files from a chunkserv server",
		Long: "chunkline connects to a chunkserv server, shows its listing and downloads files as parallel chunks.\n" +
			"Without a subcommand it starts the interactive shell (--interactive) or watches --input.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg := config.BindClientFlags(root.PersistentFlags())

	root.RunE = func(cmd *cobra.Command, _ []string) error {
		if !cfg.Interactive && cfg.Input == "" {
			return cmd.Help()
		}
		return withClient(cmd.Context(), cfg, func(ctx context.Context, rt *app.Runtime, c *client.Client) error {
			if !cfg.Interactive {
				return watch(ctx, cfg, rt, c)
			}
			sh := client.NewShell(ctx, c)
			if cfg.Input != "" {
				watchCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go func() {
					if err := watch(watchCtx, cfg, rt, c); err != nil {
						fmt.Fprintf(termio.Stderr(), "chunkline: watch: %v\n", err)
					}
				}()
			}
			sh.Run()
			return nil
		})
	}

	root.AddCommand(
		newGetCmd(cfg),
		newLsCmd(cfg),
		newWatchCmd(cfg),
		newFeedCmd(cfg),
		newHistoryCmd(cfg),
	)
	return root
}

func newGetCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "get <file>...",
		Short: "Download files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(ctx context.Context, rt *app.Runtime, c *client.Client) error {
				var missing int
				for _, name := range args {
					if _, err := c.Get(ctx, name); err != nil {
						if errors.Is(err, client.ErrNotFound) {
							missing++
							continue
						}
						return err
					}
				}
				if missing > 0 {
					return fmt.Errorf("%d of %d files not found", missing, len(args))
				}
				return nil
			})
		},
	}
}

func newLsCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Show the server listing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// The listing is printed on connect.
			return withClient(cmd.Context(), cfg, func(context.Context, *app.Runtime, *client.Client) error {
				return nil
			})
		},
	}
}

func newWatchCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [request-file]",
		Short: "Download every file name appended to a request file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				cfg.Input = args[0]
			}
			if cfg.Input == "" {
				return report(errors.New("watch needs a request file (argument or --input)"))
			}
			return withClient(cmd.Context(), cfg, func(ctx context.Context, rt *app.Runtime, c *client.Client) error {
				return watch(ctx, cfg, rt, c)
			})
		},
	}
}

func newFeedCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "feed <addr>",
		Short: "Print the event feed of a running chunkline or chunkserv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := app.Start(ctx, "chunkline", "observer", config.TransferConfig{LogLevel: cfg.LogLevel}, termio.Stdout())
			if err != nil {
				return report(err)
			}
			defer rt.Close()

			conn, err := wsclient.Dial(ctx, args[0], rt.Logger)
			if err != nil {
				return report(err)
			}
			defer conn.Close()
			err = conn.ReadLoop(ctx, func(env protocol.Envelope) {
				fmt.Fprintln(termio.Stdout(), wsclient.Describe(env))
			})
			if err != nil && ctx.Err() == nil {
				return report(err)
			}
			return nil
		},
	}
}

func newHistoryCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		limit int
		file  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded transfers from --history-db",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.HistoryDB == "" {
				return report(errors.New("history needs --history-db"))
			}
			store, err := history.Open(cfg.HistoryDB, nil)
			if err != nil {
				return report(err)
			}
			defer store.Close()

			var records []history.Record
			if file != "" {
				records, err = store.ByFile(file)
			} else {
				records, err = store.Recent(limit)
			}
			if err != nil {
				return report(err)
			}
			if len(records) == 0 {
				fmt.Fprintln(termio.Stdout(), history.ErrNoHistory)
				return nil
			}
			for _, rec := range records {
				fmt.Fprintln(termio.Stdout(), rec)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	cmd.Flags().StringVar(&file, "file", "", "show every record of one file")
	return cmd
}

// withClient validates cfg, starts the runtime, connects and runs fn. The
// session ends with EXIT once fn returns.
func withClient(ctx context.Context, cfg *config.ClientConfig, fn func(context.Context, *app.Runtime, *client.Client) error) (err error) {
	if err := cfg.Validate(); err != nil {
		return report(err)
	}
	rt, err := app.Start(ctx, "chunkline", "client", cfg.TransferConfig, termio.Stdout())
	if err != nil {
		return report(err)
	}
	defer rt.Close()

	c, err := client.Connect(ctx, *cfg, rt.Logger, rt.Sink)
	if err != nil {
		return report(err)
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			rt.Logger.Debug("close failed", zap.Error(cerr))
		}
		fmt.Fprintln(termio.Stdout(), "[NOTIFICATION] Disconnected!")
	}()
	if err := fn(ctx, rt, c); err != nil && ctx.Err() == nil {
		return report(err)
	}
	return nil
}

func watch(ctx context.Context, cfg *config.ClientConfig, rt *app.Runtime, c *client.Client) error {
	w := client.NewWatcher(cfg.Input, client.InputScanInterval, rt.Logger)
	fmt.Fprintf(termio.Stdout(), "[NOTIFICATION] Watching %s for requests\n", cfg.Input)
	return w.Run(ctx, func(ctx context.Context, name string) error {
		_, err := c.Get(ctx, name)
		return err
	})
}

func report(err error) error {
	fmt.Fprintf(termio.Stderr(), "chunkline: %v\n", err)
	return err
}
