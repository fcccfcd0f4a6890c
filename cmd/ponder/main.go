package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/d-mooers/ponder/buildinfo"
)

var cliName = "ponder"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "ponder indexes EVM contract events into queryable entities",
	Long: `ponder follows configured chains, orders their contract events into a
single cross-chain stream and runs indexing functions over it`,
	Args: cobra.ExactArgs(0),
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.ExactArgs(0),
	Run: func(_ *cobra.Command, _ []string) {
		s := buildinfo.GetSummary()
		fmt.Printf("%s %s (%s, built %s)\n", cliName, s.Version, s.GitCommit, s.BuildDate)
	},
}
