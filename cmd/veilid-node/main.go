package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kyanha/veilid-sub003/cmd/cli"
)

func main() {
	rootCmd := &cobra.Command{Use: "veilid-node"}
	cli.RegisterRoutes(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
