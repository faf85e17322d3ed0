package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentbus",
	Short: "agentbus — message bus for agent sandboxes",
	Long:  "agentbus is the message substrate of the multi-agent collaboration platform:\nper-agent inboxes, workspace broadcast, and coordination-store health.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
