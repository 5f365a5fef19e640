// Command llfs manages llfs volume directories: create, info, trim, and
// recover.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "llfs",
	Short: "Manage llfs volumes",
	Long:  `Create, inspect, trim, and recover llfs volume directories.`,

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(trimCmd())
	rootCmd.AddCommand(recoverCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "llfs: %v\n", err)
		os.Exit(1)
	}
}
