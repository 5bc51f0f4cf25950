package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X .../commands.version=v1.2.3".
var (
	version = "dev"
	commit  = "none"
)

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				OutputJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"go":      runtime.Version(),
				})
				return
			}
			fmt.Printf("spendgate %s (commit %s, %s)\n", version, commit, runtime.Version())
		},
	}
}
