package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "pushdeployd",
	Short: "Webhook-triggered deployment daemon",
	Long: `Pushdeployd is a webhook receiver that triggers deployments for projects
declared in a configuration directory.

Push events are matched against the project registry and, when eligible, an
external deploy command is run for at most one project at a time.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(versionCmd)
}
