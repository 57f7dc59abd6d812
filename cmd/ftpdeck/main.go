package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/quocson95/ftpdeck/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, cli.NewRootCmd())
	stop()
	os.Exit(code)
}
