package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quocson95/ftpdeck/pkg/app"
	"github.com/quocson95/ftpdeck/pkg/send"
)

type sendFlags struct {
	to   string
	wait bool
}

// NewSendCmd creates the standalone ftpsend command.
func NewSendCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := newSendCmd("ftpsend", flags)
	cmd.Version = Version
	flags.register(cmd)
	return cmd
}

func newSendCmd(use string, global *globalFlags) *cobra.Command {
	flags := &sendFlags{}

	cmd := &cobra.Command{
		Use:   use + " [--to url] [--wait] <path>...",
		Short: "Upload files and folders to the server",
		Long: `Upload files and folders to the server without opening the manager.

Paths that do not exist are reported and skipped. Folders are sent
recursively. Files land in the path of --to, or in the server's working
directory when no path is given.

Exit codes:
  0  everything was sent
  1  usage error or no valid path
  2  the server could not be reached or the connection dropped
  3  some files failed
  4  interrupted`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runSend(cmd, global, flags, args)
			if flags.wait {
				send.WaitForEnter(os.Stdin, cmd.OutOrStdout())
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&flags.to, "to", "t", "", "Server URL, scheme://[user[:password]@]host[:port]/path")
	cmd.Flags().BoolVarP(&flags.wait, "wait", "w", false, "Wait for Enter before exiting (for file manager integrations)")

	return cmd
}

func runSend(cmd *cobra.Command, global *globalFlags, flags *sendFlags, paths []string) error {
	env, err := app.Open(global.dataDir, global.debug)
	if err != nil {
		return &ExitError{Code: send.ExitUsage, Err: err}
	}
	defer env.Close()

	target, err := env.Target(flags.to)
	if err != nil {
		return &ExitError{Code: send.ExitUsage, Err: err}
	}

	out := cmd.OutOrStdout()
	res, err := send.Run(cmd.Context(), send.Options{
		Session:   env.Session,
		Target:    target,
		Paths:     paths,
		ChunkSize: env.Settings.ChunkSize,
		Out:       out,
		Progress:  send.IsTerminal(os.Stdout),
		Logger:    env.Log,
	})

	code := send.ExitCode(res, err)
	if code == send.ExitOK {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%d of %d file(s) not sent", res.Files-res.Sent+res.Skipped, res.Files+res.Skipped)
	}
	return &ExitError{Code: code, Err: err}
}
