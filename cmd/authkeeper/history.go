package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/authkeeper/internal/models"
)

var (
	historyService string
	historyRun     string
	historyLimit   int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded refresh outcomes",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&historyService, "service", "s", "", "Only this service")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Only this run id")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum records")
}

func runHistory(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	defer application.Close()

	history := application.HistoryStorage
	if history == nil {
		return fmt.Errorf("run history is disabled (storage.history_enabled)")
	}

	var records []*models.RunRecord
	switch {
	case historyRun != "":
		records, err = history.ListByRun(cmd.Context(), historyRun)
	case historyService != "":
		records, err = history.ListByService(cmd.Context(), historyService, historyLimit)
	default:
		records, err = history.Recent(cmd.Context(), historyLimit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tSERVICE\tACCOUNT\tOUTCOME\tATTEMPTS\tMESSAGE")
	for _, r := range records {
		outcome := "ok"
		switch {
		case r.Skipped:
			outcome = "skipped"
		case !r.Success:
			outcome = "failed:" + r.Kind
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Timestamp.Local().Format(time.DateTime), shortID(r.RunID), r.Service, r.Account, outcome, r.Attempts, r.Message)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
