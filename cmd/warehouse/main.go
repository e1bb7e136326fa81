package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "warehouse",
		Short: "Warehouse service - product queries over HTTP, stock reservation over the message broker",
		Long: `warehouse serves the read-only product API and consumes order events,
reserving and releasing stock. Startup fails fast: if the broker or the
database cannot be reached the process exits with status 1.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
