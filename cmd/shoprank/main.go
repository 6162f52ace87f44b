// Command shoprank tracks product search ranks on a schedule.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "shoprank",
		Short:         "Track product search ranks for keywords",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env file is fine; real env vars still apply.
			_ = godotenv.Load()
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("SHOPRANK_CONFIG"), "path to YAML configuration")
	root.AddCommand(newServeCmd(&configPath), newCheckCmd(&configPath))
	return root
}
