// ftpsend uploads files and folders to the FTP server in one go. It is meant
// for "Send to" entries of file managers.
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
	code := cli.Execute(ctx, cli.NewSendCmd())
	stop()
	os.Exit(code)
}
