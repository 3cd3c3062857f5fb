package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/trade-footprint/internal/database"
	"github.com/trade-footprint/internal/exchange"
	"github.com/trade-footprint/internal/symbols"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "Manage tracked instruments",
	Long:  "Commands for listing instruments and refreshing their metadata from the exchange",
}

var listSymbolsCmd = &cobra.Command{
	Use:   "list",
	Short: "List instruments with their tick sizes",
	RunE: func(cmd *cobra.Command, args []string) error {
		activeOnly, _ := cmd.Flags().GetBool("active")
		return withMySQL(func(ctx context.Context, db *database.MySQLClient) error {
			instruments, err := db.GetInstruments(ctx, activeOnly)
			if err != nil {
				return err
			}

			fmt.Printf("%-15s %-8s %-8s %-14s %-8s\n", "Symbol", "Base", "Quote", "Tick Size", "Active")
			fmt.Println(strings.Repeat("-", 58))
			for _, inst := range instruments {
				fmt.Printf("%-15s %-8s %-8s %-14s %-8v\n",
					inst.Symbol,
					inst.BaseAsset,
					inst.QuoteAsset,
					strconv.FormatFloat(inst.TickSize, 'f', -1, 64),
					inst.IsActive,
				)
			}
			fmt.Printf("\nTotal: %d instruments\n", len(instruments))
			return nil
		})
	},
}

var syncSymbolsCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh instruments and tick sizes from the exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		activate, _ := cmd.Flags().GetBool("activate")

		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		db, err := database.NewMySQLClient(&cfg.MySQL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		defer db.Close()

		rest := exchange.NewFuturesREST(cfg.Exchange.RESTURL, cfg.Exchange.RequestTimeout, log)
		n, err := symbols.RefreshFromExchange(context.Background(), rest, db, activate, log)
		if err != nil {
			return err
		}
		fmt.Printf("Stored %d instruments\n", n)
		return nil
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [symbol...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMySQL(func(ctx context.Context, db *database.MySQLClient) error {
				for _, sym := range args {
					if err := db.SetInstrumentActive(ctx, strings.ToUpper(sym), active); err != nil {
						return err
					}
					fmt.Printf("%s active=%v\n", strings.ToUpper(sym), active)
				}
				return nil
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(symbolsCmd)
	symbolsCmd.AddCommand(listSymbolsCmd)
	symbolsCmd.AddCommand(syncSymbolsCmd)
	symbolsCmd.AddCommand(setActiveCmd("activate", "Start tracking instruments", true))
	symbolsCmd.AddCommand(setActiveCmd("deactivate", "Stop tracking instruments", false))

	listSymbolsCmd.Flags().Bool("active", false, "Only list active instruments")
	syncSymbolsCmd.Flags().Bool("activate", false, "Mark fetched instruments active")
}
