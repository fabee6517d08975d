package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "optionledger",
	Short: "Margin, collateral and settlement engine for option vaults",
	Long: `OptionLedger keeps collateralized option vaults: it validates and applies
operate batches atomically, settles expired vaults against finalized oracle
prices and redeems option tokens.

Batches arrive over NATS JetStream or the gRPC / HTTP API; committed events are
written to Postgres and published back to NATS.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
