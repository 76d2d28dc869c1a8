package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/cronguard/internal/coordinator"
	"github.com/smazurov/cronguard/internal/lock"
	"github.com/smazurov/cronguard/internal/logging"
)

// CreateHolderCmd creates the holder command. exit receives the command's exit code.
func CreateHolderCmd(exit func(int)) *cobra.Command {
	holderCmd := &cobra.Command{
		Use:   "holder <command...>",
		Short: "Show which host holds the lock for a command",
		Long: `Reads the lock key that guards the given command text and prints the
identity of the host holding it. The lock itself is never modified.`,
		Args: cobra.MinimumNArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			exit(Holder(cmd.Context(), opts, args, cmd.OutOrStdout()))
		}),
	}
	holderCmd.Flags().SetInterspersed(false)
	return holderCmd
}

// Holder prints the holder of the lock guarding the command in args.
func Holder(ctx context.Context, opts *Options, args []string, w io.Writer) int {
	command := strings.TrimSpace(strings.Join(args, " "))
	if command == "" {
		fmt.Fprintln(w, "cronguard: no command given")
		return ExitFault
	}
	key := lock.Key(opts.Prefix, command)

	backend, err := coordinator.Open(opts.Coordinator)
	if err != nil {
		fmt.Fprintf(w, "cronguard: %v\n", err)
		return ExitFault
	}
	defer backend.Close()

	locker := lock.NewLocker(backend, opts.HolderIdentity(), logging.GetLogger("lock"))
	holder, held, err := locker.Holder(ctx, key)
	switch {
	case err != nil:
		fmt.Fprintf(w, "cronguard: %v\n", err)
		return ExitFault
	case !held:
		fmt.Fprintf(w, "%s is free\n", key)
	case holder == "":
		fmt.Fprintf(w, "%s is held by an unknown holder\n", key)
	default:
		fmt.Fprintf(w, "%s is held by %s\n", key, holder)
	}
	return 0
}
