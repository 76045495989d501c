package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Pump-reversal trading bot for Bybit linear perpetuals",
	Long: `Trader watches 5-minute klines of liquid USDT perpetuals, detects pumps
and opens short positions with exchange-side TP/SL and trailing stops.

Commands:
  run            - start the trading engine, admin API and dashboard stream
  migrate        - create or update database tables
  journal        - inspect the trade journal
  encrypt-secret - encrypt an API secret for BYBIT_API_SECRET
  hash-token     - hash an admin token for ADMIN_TOKEN_HASH

Configuration is read from environment variables (and .env if present).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Overload(envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file loaded before configuration (overrides process env)")
}
