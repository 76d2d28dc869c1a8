package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/cronguard/cmd"
	"github.com/smazurov/cronguard/internal/config"
	"github.com/smazurov/cronguard/internal/logging"
)

func main() {
	exitCode := 0
	setExit := func(code int) { exitCode = code }

	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *cmd.Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(opts.LoggingConfig())
		logger := logging.GetLogger("main")

		done := make(chan struct{})

		hooks.OnStart(func() {
			defer close(done)
			args := cli.Root().Flags().Args()
			setExit(cmd.Guard(context.Background(), opts, args, os.Stdout, os.Stderr))
		})

		hooks.OnStop(func() {
			// The child is bounded by its own timeout, never by our signals.
			logger.Warn("Signal received, waiting for the guarded run to finish")
			<-done
		})
	})

	root := cli.Root()
	root.Use = "cronguard [flags] <command...>"
	root.Short = "Run a command on at most one host at a time, within a time limit"
	root.Args = cobra.ArbitraryArgs
	root.Flags().SetInterspersed(false)

	root.AddCommand(cmd.CreateHolderCmd(setExit))
	root.AddCommand(cmd.CreateVersionCmd())

	// Run the CLI
	cli.Run()
	os.Exit(exitCode)
}
