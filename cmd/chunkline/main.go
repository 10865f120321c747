package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/chunkline/internal/termio"
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
