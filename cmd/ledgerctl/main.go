package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/underwriting-pipeline/internal/common"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and export the application scoring ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(failCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(silverExportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(common.ExitCode(err))
	}
}
