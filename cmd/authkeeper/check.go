package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternarybob/authkeeper/internal/models"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show freshness of every stored auth state",
	Long:  `Derives status for every configured service and account without refreshing anything. Exits 2 when any artifact is expired or missing.`,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	defer application.Close()

	states, err := application.RefreshService.CheckAll(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tACCOUNT\tSTATUS\tDAYS LEFT\tLAST REFRESH\tCOOKIES\tREASON")
	attention := 0
	for _, st := range states {
		days := "-"
		if st.DaysUntilExpiration != nil {
			days = fmt.Sprintf("%d", *st.DaysUntilExpiration)
		}
		last := "-"
		if !st.LastRefresh.IsZero() {
			last = st.LastRefresh.Local().Format(time.DateTime)
		}
		account := st.Account
		if account == "" {
			account = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", st.Service, account, st.Status, days, last, len(st.Cookies), st.Reason)
		if st.Status == models.StatusExpired || st.Status == models.StatusMissing {
			attention++
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if attention > 0 {
		return &exitError{code: 2, msg: fmt.Sprintf("%d auth state(s) expired or missing", attention)}
	}
	return nil
}
