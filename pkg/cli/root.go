// Package cli provides the command-line interface for ftpdeck and ftpsend.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/quocson95/ftpdeck/pkg/app"
	"github.com/quocson95/ftpdeck/pkg/controller"
	"github.com/quocson95/ftpdeck/pkg/send"
	"github.com/quocson95/ftpdeck/pkg/transfer"
	"github.com/quocson95/ftpdeck/pkg/tui"
)

// Version is set at build time.
var Version = "v0.1.0-dev"

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the exit code for the error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return send.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return send.ExitUsage
}

// globalFlags are shared by every command.
type globalFlags struct {
	dataDir string
	debug   bool
}

func (f *globalFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", "", "Data directory (default $FTPDECK_HOME or ~/.ftpdeck)")
	cmd.PersistentFlags().BoolVar(&f.debug, "debug", false, "Write debug messages to the log file")
}

// NewRootCmd creates the ftpdeck command: the dual pane manager plus the
// send subcommand.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "ftpdeck [url]",
		Short: "Dual pane file manager for FTP servers",
		Long: `ftpdeck ` + Version + `
Browse a local directory and a remote server side by side, and upload,
download, delete, rename, view and edit files.

The optional url has the form scheme://[user[:password]@]host[:port]/path
with scheme ftp, ftps, sftp or s3. Without it the last successful server is
used, then the default from settings.json.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := ""
			if len(args) > 0 {
				raw = args[0]
			}
			return runInteractive(cmd.Context(), flags, raw)
		},
	}
	flags.register(rootCmd)
	rootCmd.AddCommand(newSendCmd("send", flags))

	return rootCmd
}

func runInteractive(ctx context.Context, flags *globalFlags, raw string) error {
	env, err := app.Open(flags.dataDir, flags.debug)
	if err != nil {
		return &ExitError{Code: send.ExitUsage, Err: err}
	}
	defer env.Close()

	target, err := env.Target(raw)
	if err != nil {
		return &ExitError{Code: send.ExitUsage, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := transfer.NewQueue(ctx, env.Session, transfer.Options{
		ChunkSize: env.Settings.ChunkSize,
		Logger:    env.Log,
	})
	ctrl := controller.New(controller.Config{
		Session:    env.Session,
		Queue:      queue,
		Keys:       controller.DefaultKeyMap(),
		StartDir:   env.Settings.StartDir(),
		ShowHidden: env.Settings.ShowHidden,
		Logger:     env.Log,
	})
	if err := ctrl.Start(ctx, target); err != nil {
		// The browser shows the failure and offers set-address
		env.Log.Warn().Err(err).Msg("initial connect failed")
	}

	appModel := tui.NewAppModel(ctx, ctrl, tui.Options{
		Editor: env.Settings.EditorCommand(),
		Logger: env.Log,
	})

	p := tea.NewProgram(
		appModel,
		tea.WithAltScreen(),
	)

	if _, err := p.Run(); err != nil {
		env.Log.Error().Err(err).Msg("error running program")
		return &ExitError{Code: send.ExitUsage, Err: err}
	}
	if ctrl.State() != controller.Quit {
		ctrl.Shutdown(ctx)
	}
	return nil
}

// Execute runs cmd with ctx and prints a failure to stderr. It returns the
// process exit code.
func Execute(ctx context.Context, cmd *cobra.Command) int {
	err := cmd.ExecuteContext(ctx)
	code := ExitCode(err)
	var exitErr *ExitError
	if err != nil && (!errors.As(err, &exitErr) || exitErr.Err != nil) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}
