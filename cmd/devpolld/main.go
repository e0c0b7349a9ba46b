package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "devpolld",
	Short: "devpolld - per-device periodic job scheduler",
	Long: `devpolld runs recurring polling jobs against every device in the
inventory, limiting how many runs of each job type happen at once and
rescheduling each device after it completes or fails.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("devpolld version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().StringP("config", "c", "./devpoll.yaml", "Path to the config file (YAML or JSON)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(statusCmd)
}
