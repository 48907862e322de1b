package app

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// exitError carries a process exit code through cobra. The command has
// already reported the failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return &exitError{code: code}
}

// Main runs the leasequeue CLI with os.Args-style args and returns the
// process exit code.
func Main(args []string) int {
	if len(args) > 0 {
		args = args[1:]
	}
	return execute(args, os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, "error:", err.Error())
	return 2
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "leasequeue",
		Short:         "Lease-based work queues over a document store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCommand(),
		newConfigCommand(),
		newEnqueueCommand(),
		newPublishCommand(),
		newStatsCommand(),
		newCleanCommand(),
		newVersionCommand(),
	)
	return root
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run queues, pollers, and the admin and worker APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := runOptions{}
			opts.configPath, _ = cmd.Flags().GetString("config")
			opts.pidFile, _ = cmd.Flags().GetString("pid-file")
			opts.logLevel, _ = cmd.Flags().GetString("log-level")
			opts.logLevelSet = cmd.Flags().Changed("log-level")
			opts.dotenvPath, _ = cmd.Flags().GetString("dotenv")
			opts.watch, _ = cmd.Flags().GetBool("watch")
			return exitCode(runServer(opts))
		},
	}
	cmd.Flags().String("config", "./Queuefile", "path to config file")
	cmd.Flags().String("pid-file", "", "write process PID to file")
	cmd.Flags().String("log-level", "info", "log level (debug|info|warn|error|off); overrides observability.log_level")
	cmd.Flags().String("dotenv", "", "load environment variables from file (dev only)")
	cmd.Flags().Bool("watch", false, "watch config file for reload")
	return cmd
}
