package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/chunkline/internal/app"
	"github.com/sheerbytes/chunkline/internal/config"
	"github.com/sheerbytes/chunkline/internal/server"
	"github.com/sheerbytes/chunkline/internal/termio"
	"github.com/spf13/cobra"
)

const version = "v0.2.0"

func main() {
	termio.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	_ = termio.Flush(flushCtx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chunkserv",
		Short:         "Serve a directory to chunkline clients",
		Long:          "chunkserv lists the files of a directory and sends each requested file as parallel chunks over tcp, quic or udp.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cfg := config.BindServerFlags(cmd.Flags())
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate(); err != nil {
			return report(err)
		}
		ctx := cmd.Context()
		rt, err := app.Start(ctx, "chunkserv", "server", cfg.TransferConfig, termio.Stdout())
		if err != nil {
			return report(err)
		}
		defer rt.Close()

		if err := server.Run(ctx, *cfg, rt.Logger, rt.Sink); err != nil {
			return report(err)
		}
		fmt.Fprintln(termio.Stdout(), "[NOTIFICATION] Server stopped")
		return nil
	}
	return cmd
}

func report(err error) error {
	fmt.Fprintf(termio.Stderr(), "chunkserv: %v\n", err)
	return err
}
