package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nantic/servctl"
	"github.com/nantic/servctl/internal/logger"
)

var actionHelp = map[servctl.Action]string{
	"start":     "Start the server and tail its log until startup is decided",
	"stop":      "Stop workers, jasper, celery and proxies",
	"restart":   "Stop then start",
	"status":    "Show worker status and tail the log",
	"kill":      "Kill every backend, proxy and jasper process",
	"krestart":  "Stop, kill, then start",
	"config":    "Print the configuration file",
	"ps":        "List backend processes",
	"db":        "List databases and their sizes",
	"top":       "Ask workers to dump their activity every second",
	"backtrace": "Ask workers to dump their stack every second",
	"console":   "Open an interactive console on the database",
}

// buildRoot creates the root command with one subcommand per action.
func buildRoot(out io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "servctl",
		Short: "Start, stop and inspect a backend server project",
		Long: `servctl supervises the backend server of the project in the current
directory: it starts one or more workers, fronts them with nginx and follows
the server log until startup succeeds or fails.

Examples:
  servctl start                 # start and tail the log
  servctl start mydb -- -u all  # update every module of mydb
  servctl restart - --no-tail   # newest database of the project, no tail
  servctl --config prod stop    # use server-prod.cfg`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.ConfigName, "config", "c", "", "use <root>/server-NAME.cfg")
	pf.StringVarP(&flags.ConfigFile, "config-file", "f", "", "use <root>/FILE")
	pf.BoolVar(&flags.NoTail, "no-tail", false, "do not tail the server log")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&flags.LogFile, "log-file", "", "write supervisor logs to a rotating file")
	pf.StringVar(&flags.Dir, "root", "", "project directory (default: working directory)")
	root.MarkFlagsMutuallyExclusive("config", "config-file")

	for _, a := range servctl.Actions() {
		root.AddCommand(createActionCommand(a, flags, out))
	}
	return root
}

func createActionCommand(action servctl.Action, flags *GlobalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " [DATABASE|-] [-- extra...]",
		Short: actionHelp[action],
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, action, *flags, splitArgs(args, cmd.ArgsLenAtDash()), out)
		},
	}
}

// splitArgs takes the first positional argument before "--" as the
// database; everything else goes to the backend.
func splitArgs(args []string, dash int) ActionArgs {
	pos, rest := args, []string(nil)
	if dash >= 0 && dash <= len(args) {
		pos, rest = args[:dash], args[dash:]
	}
	var a ActionArgs
	if len(pos) > 0 {
		a.Database = pos[0]
		a.Extra = append(a.Extra, pos[1:]...)
	}
	a.Extra = append(a.Extra, rest...)
	return a
}

func newLogger(flags GlobalFlags) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if flags.Verbose {
		level = slog.LevelDebug
	}
	return logger.New(logger.Config{
		File:   flags.LogFile,
		Writer: os.Stderr,
		Level:  level,
		Color:  isatty.IsTerminal(os.Stderr.Fd()),
	})
}

func runAction(cmd *cobra.Command, action servctl.Action, flags GlobalFlags, args ActionArgs, out io.Writer) error {
	log, closer := newLogger(flags)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	ctx := cmd.Context()
	sup, err := servctl.Open(ctx, action, servctl.Options{
		Dir:        flags.Dir,
		ConfigName: flags.ConfigName,
		ConfigFile: flags.ConfigFile,
		Database:   args.Database,
		Extra:      args.Extra,
		NoTail:     flags.NoTail,
		Out:        out,
		Log:        log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sup.Close(); err != nil {
			log.Warn("closing history sinks", "error", err)
		}
	}()
	if err := sup.Run(ctx); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}
