package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var runOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduled refresh sweep until interrupted",
	Long:  `Starts the cron-driven refresh sweep (schedule.cron) and runs until SIGINT or SIGTERM.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&runOnStart, "now", false, "Run one sweep immediately after start")
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := newApp()
	if err != nil {
		return err
	}
	defer application.Close()

	scheduler := application.SchedulerService
	if err := scheduler.Start(config.Schedule.Cron); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if runOnStart {
		if err := scheduler.TriggerNow(); err != nil {
			logger.Warn().Err(err).Msg("Initial sweep not started")
		}
	}

	status := scheduler.Status()
	event := logger.Info().Str("schedule", status.Schedule)
	if status.NextRun != nil {
		event = event.Str("next_run", status.NextRun.Format("2006-01-02 15:04:05"))
	}
	event.Msg("Scheduler ready - Press Ctrl+C to stop")

	<-cmd.Context().Done()

	logger.Info().Msg("Interrupt signal received, stopping scheduler")
	return scheduler.Stop()
}
