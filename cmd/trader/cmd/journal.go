package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"pumptrader/internal/bot"
	"pumptrader/internal/models"
	"pumptrader/internal/repository"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the trade journal",
	Long: `Query trade journal records from the database.

Subcommands:
  recent - list the latest journal events
  open   - replay the journal and list trades that are still open

Examples:
  trader journal recent --limit 20
  trader journal open --window 168h --json`,
}

var journalRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the latest journal events",
	Args:  cobra.NoArgs,
	RunE:  runJournalRecent,
}

var journalOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Replay the journal and list open trades",
	Args:  cobra.NoArgs,
	RunE:  runJournalOpen,
}

var (
	journalLimit  int
	journalWindow time.Duration
	journalExpiry time.Duration
	journalJSON   bool
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalRecentCmd)
	journalCmd.AddCommand(journalOpenCmd)

	journalCmd.PersistentFlags().BoolVar(&journalJSON, "json", false, "print JSON instead of a table")
	journalRecentCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "number of events")
	journalOpenCmd.Flags().DurationVar(&journalWindow, "window", 168*time.Hour, "journal depth to replay")
	journalOpenCmd.Flags().DurationVar(&journalExpiry, "expiry", 72*time.Hour, "trade lifetime for records without expiry")
}

func runJournalRecent(cmd *cobra.Command, args []string) error {
	if journalLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	db, _, err := openTooling()
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := repository.NewJournalRepository(db).Recent(cmd.Context(), journalLimit)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	if journalJSON {
		return writeJSON(cmd.OutOrStdout(), events)
	}
	return printEvents(cmd.OutOrStdout(), events)
}

func runJournalOpen(cmd *cobra.Command, args []string) error {
	db, logger, err := openTooling()
	if err != nil {
		return err
	}
	defer db.Close()

	since := time.Now().UTC().Add(-journalWindow)
	events, err := repository.NewJournalRepository(db).ReadSince(cmd.Context(), since)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	open, errs := bot.ReplayJournal(events, journalExpiry)
	for _, e := range errs {
		logger.Warn(e.Error())
	}

	trades := make([]models.TradeRecord, 0, len(open))
	for _, rec := range open {
		trades = append(trades, rec)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].EntryTimestamp.Before(trades[j].EntryTimestamp)
	})

	if journalJSON {
		return writeJSON(cmd.OutOrStdout(), trades)
	}
	return printTrades(cmd.OutOrStdout(), trades)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvents(w io.Writer, events []models.TradeEvent) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tSYMBOL\tRULE\tENTRY\tSIZE\tREASON")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%g\t%g\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Event, e.Symbol, e.RuleID,
			e.EntryPrice, e.PositionSize, e.Reason)
	}
	return tw.Flush()
}

func printTrades(w io.Writer, trades []models.TradeRecord) error {
	if len(trades) == 0 {
		_, err := fmt.Fprintln(w, "no open trades")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tRULE\tSTATE\tENTRY\tSIZE\tSL\tTP\tOPENED\tEXPIRES")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%g\t%g\t%g\t%s\t%s\n",
			t.Symbol, t.RuleID, t.State, t.EntryPrice, t.PositionSize, t.StopLoss, t.TakeProfit,
			t.EntryTimestamp.UTC().Format(time.RFC3339), t.ExpiryTime.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
