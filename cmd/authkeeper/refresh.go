package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ternarybob/authkeeper/internal/models"
)

var (
	refreshService  string
	refreshAccount  string
	refreshForce    bool
	refreshAllForce bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh one service",
	Long:  `Refreshes one service (and optionally one account) if its auth state needs it, or unconditionally with --force.`,
	RunE:  runRefresh,
}

var refreshAllCmd = &cobra.Command{
	Use:   "refresh-all",
	Short: "Refresh every enabled service that needs it",
	RunE:  runRefreshAll,
}

func init() {
	refreshCmd.Flags().StringVarP(&refreshService, "service", "s", "", "Service id to refresh")
	refreshCmd.Flags().StringVarP(&refreshAccount, "account", "a", "", "Account to refresh (default: per account_mode)")
	refreshCmd.Flags().BoolVarP(&refreshForce, "force", "f", false, "Refresh even if the stored state is still valid")
	_ = refreshCmd.MarkFlagRequired("service")

	refreshAllCmd.Flags().BoolVarP(&refreshAllForce, "force", "f", false, "Refresh every service regardless of status")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	defer application.Close()

	result := application.RefreshService.RefreshOne(cmd.Context(), refreshService, refreshAccount, refreshForce)
	printResult(result)
	if !result.Success {
		return &exitError{code: 1, msg: fmt.Sprintf("refresh of %s failed", refreshService)}
	}
	return nil
}

func runRefreshAll(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	defer application.Close()

	results, err := application.RefreshService.RefreshAll(cmd.Context(), refreshAllForce)
	failed := 0
	for _, id := range config.EnabledServices() {
		for _, r := range results[id] {
			printResult(r)
			if !r.Success {
				failed++
			}
		}
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return &exitError{code: 1, msg: fmt.Sprintf("%d refresh(es) failed", failed)}
	}
	return nil
}

func printResult(r models.RefreshResult) {
	name := r.Service
	if r.Account != "" {
		name += " (" + r.Account + ")"
	}
	switch {
	case r.Skipped:
		fmt.Printf("= %s: %s\n", name, r.Message)
	case r.Success:
		fmt.Printf("+ %s: %s [attempts=%d cookies=%d]\n", name, r.Message, r.Attempts, r.CookiesSaved)
	default:
		fmt.Printf("! %s: %s [attempts=%d step=%s kind=%s]\n", name, r.Message, r.Attempts, r.Step, r.Kind)
		if r.ManualInterventionRequired {
			fmt.Printf("  manual intervention required; rerun with --headless=false to log in by hand\n")
		}
	}
}
