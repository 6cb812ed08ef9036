package cmd

import (
	"fmt"

	"github.com/bounceproto/bounce/internal/protocol"
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bounce %s (protocol %s)\n", version, protocol.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
