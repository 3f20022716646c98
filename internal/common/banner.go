package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner when log output reaches the console
func PrintBanner(config *Config) {
	if !config.logsToConsole() {
		return
	}
	banner.PrintSimple("Authkeeper", GetVersion())
}
