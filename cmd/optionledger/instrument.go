package main

import (
	"fmt"

	"OptionLedger/internal/config"
	"OptionLedger/internal/instrument"
	fpmath "OptionLedger/internal/math"
	"OptionLedger/internal/oracle"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

var instrumentCmd = &cobra.Command{
	Use:   "instrument",
	Short: "Instrument helpers",
}

var instrumentIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the deterministic id of an option series",
	Long: `Computes the id an instrument would receive on creation:
keccak256 over the ABI encoding of underlying, strike asset, collateral,
strike price (1e18 scaled), expiry and the put flag.`,
	RunE: runInstrumentID,
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Oracle price feed helpers",
}

var priceSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Write an asset price at a timestamp to the Redis price feed",
	RunE:  runPriceSet,
}

func init() {
	f := instrumentIDCmd.Flags()
	f.String("underlying", "", "underlying asset address")
	f.String("strike-asset", "", "strike asset address")
	f.String("collateral", "", "collateral asset address")
	f.String("strike", "", "strike price, e.g. 2000 or 1999.5")
	f.Uint64("expiry", 0, "expiry unix timestamp")
	f.Bool("put", false, "put instead of call")
	for _, name := range []string{"underlying", "strike-asset", "collateral", "strike", "expiry"} {
		instrumentIDCmd.MarkFlagRequired(name)
	}
	instrumentCmd.AddCommand(instrumentIDCmd)

	pf := priceSetCmd.Flags()
	pf.String("asset", "", "asset address")
	pf.Uint64("timestamp", 0, "price timestamp (an instrument expiry)")
	pf.String("price", "", "price in strike units, e.g. 2500")
	pf.Bool("final", false, "mark the price final")
	for _, name := range []string{"asset", "timestamp", "price"} {
		priceSetCmd.MarkFlagRequired(name)
	}
	priceCmd.AddCommand(priceSetCmd)

	rootCmd.AddCommand(instrumentCmd, priceCmd)
}

func addressFlag(cmd *cobra.Command, name string) (common.Address, error) {
	s, _ := cmd.Flags().GetString(name)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func runInstrumentID(cmd *cobra.Command, _ []string) error {
	var (
		spec instrument.Spec
		err  error
	)
	if spec.Underlying, err = addressFlag(cmd, "underlying"); err != nil {
		return err
	}
	if spec.StrikeAsset, err = addressFlag(cmd, "strike-asset"); err != nil {
		return err
	}
	if spec.Collateral, err = addressFlag(cmd, "collateral"); err != nil {
		return err
	}
	strike, _ := cmd.Flags().GetString("strike")
	if spec.StrikePrice, err = fpmath.ParseDecimal(strike); err != nil {
		return fmt.Errorf("--strike: %w", err)
	}
	spec.Expiry, _ = cmd.Flags().GetUint64("expiry")
	spec.IsPut, _ = cmd.Flags().GetBool("put")

	id, err := spec.ID()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", id.Hex(), spec)
	return nil
}

func runPriceSet(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	asset, err := addressFlag(cmd, "asset")
	if err != nil {
		return err
	}
	raw, _ := cmd.Flags().GetString("price")
	price, err := fpmath.ParseDecimal(raw)
	if err != nil {
		return fmt.Errorf("--price: %w", err)
	}
	ts, _ := cmd.Flags().GetUint64("timestamp")
	final, _ := cmd.Flags().GetBool("final")

	gw, err := oracle.NewRedisGatewayFromURL(cfg.RedisURL, cfg.PriceKeyPrefix)
	if err != nil {
		return err
	}
	defer gw.Close()

	if err := gw.Submit(cmd.Context(), asset, ts, price, final); err != nil {
		return fmt.Errorf("submit price: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s @ %d = %s (final=%t)\n", asset.Hex(), ts, price, final)
	return nil
}
