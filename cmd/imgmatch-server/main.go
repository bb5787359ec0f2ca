// Command imgmatch-server runs the reverse image search HTTP service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "imgmatch-server",
	Short:         "Reverse image search service",
	Long:          `imgmatch-server indexes image signatures and finds near-duplicates of a query image, including rotated and mirrored copies.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("IMGMATCH_CONFIG"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, compareCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
