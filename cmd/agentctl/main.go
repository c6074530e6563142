// Command agentctl is the asterisk-call-agent operator CLI, adapted from
// the teacher's cmd/router cobra command tree (same color/tablewriter
// conventions). It inspects the local state store directly rather than
// calling into a running agent process, since the agent exposes no RPC
// surface of its own — operator visibility is meant to come from this CLI
// plus the /health and /metrics HTTP endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentctl",
		Short: "asterisk-call-agent operator CLI",
		Long:  "Inspect call consolidation state, recording upload status, and shipment queue health.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path")

	rootCmd.AddCommand(
		createStatusCommand(),
		createCallsCommand(),
		createRecordingsCommand(),
		createQueueCommand(),
		createAMICheckCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
