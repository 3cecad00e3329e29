package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/esentrader/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the signal journal",
	Long: `Query signals and their dispatch outcomes from the SQLite journal.

Subcommands:
  signal - Show one signal and every order it produced
  today  - List signals received today
  day    - List signals received on a specific day

Examples:
  esentrader journal signal 01HS5Z7Q8R9T0V1W2X3Y4Z5A6B
  esentrader journal today
  esentrader journal day 2024-01-15`,
}

var journalSignalCmd = &cobra.Command{
	Use:   "signal <signal-id>",
	Short: "Show one signal and its orders",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalSignal,
}

var journalTodayCmd = &cobra.Command{
	Use:   "today",
	Short: "List signals received today",
	Args:  cobra.NoArgs,
	RunE:  runJournalToday,
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List signals received on a specific day",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDay,
}

var journalDBPath string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalSignalCmd)
	journalCmd.AddCommand(journalTodayCmd)
	journalCmd.AddCommand(journalDayCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "", "path to SQLite journal DB (default journal.db_path)")
}

func openJournal() (*journal.SQLite, error) {
	path := journalDBPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Journal.Type != journal.TypeSQLite {
			return nil, fmt.Errorf("journal queries need a sqlite journal, config has %q", cfg.Journal.Type)
		}
		path = cfg.Journal.DBPath
	}

	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func runJournalSignal(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	rec, err := j.GetSignal(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get signal: %w", err)
	}
	orders, err := j.ListOrdersForSignal(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("query orders: %w", err)
	}

	fmt.Println(journal.FormatSignalOrg(rec, orders))
	return nil
}

func runJournalToday(cmd *cobra.Command, args []string) error {
	return listDay(cmd, time.Now().In(time.Local).Format("2006-01-02"))
}

func runJournalDay(cmd *cobra.Command, args []string) error {
	return listDay(cmd, args[0])
}

func listDay(cmd *cobra.Command, day string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	start, end, err := dayBounds(time.Local, day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}

	recs, err := j.ListSignalsBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query signals: %w", err)
	}

	fmt.Println(journal.FormatSignalsOrg(recs))
	return nil
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
