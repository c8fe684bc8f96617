// Command sketchload loads images through the sketch engine and reports where
// each one came from. It is mostly useful for warming and inspecting caches.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sketchload",
		Short: "Load images through the sketch engine",
		Long: `
Loads images through the sketch engine. Settings come from SKETCH_* environment
variables and can be overridden with flags.`,
		SilenceUsage: true,
	}
	root.AddCommand(newLoadCmd(), newClearCmd())
	return root
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
