// -----------------------------------------------------------------------
// Composition root - wires storage, strategies, notifier and orchestrator
// -----------------------------------------------------------------------

package app

import (
	"fmt"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/httpclient"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/services/browser"
	"github.com/ternarybob/authkeeper/internal/services/guard"
	"github.com/ternarybob/authkeeper/internal/services/notifier"
	"github.com/ternarybob/authkeeper/internal/services/orchestrator"
	"github.com/ternarybob/authkeeper/internal/services/scheduler"
	"github.com/ternarybob/authkeeper/internal/services/strategies"
	"github.com/ternarybob/authkeeper/internal/services/twofactor"
	"github.com/ternarybob/authkeeper/internal/storage/authstate"
	"github.com/ternarybob/authkeeper/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	AuthStore      *authstate.Store
	HistoryStorage interfaces.RunHistoryStorage // nil when history is disabled

	// Strategy collaborators
	Guard        interfaces.URLGuard
	Browser      interfaces.Browser
	CodeProvider interfaces.CodeProvider // nil without an IMAP inbox
	Notifier     *notifier.Dispatcher
	Strategies   map[string]interfaces.Strategy

	// Refresh engine
	RefreshService   *orchestrator.Service
	SchedulerService *scheduler.Service
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Int("services", len(app.Strategies)).
		Strs("channels", app.Notifier.Channels()).
		Bool("history", app.HistoryStorage != nil).
		Bool("two_factor_inbox", app.CodeProvider != nil).
		Msg("Application initialization complete")

	return app, nil
}

func (a *App) initStorage() error {
	store, err := authstate.NewStore(a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.AuthStore = store

	if a.Config.Storage.HistoryEnabled {
		db, err := badger.NewBadgerDB(a.Logger, a.Config.Storage.HistoryPath)
		if err != nil {
			return fmt.Errorf("failed to open run history: %w", err)
		}
		a.HistoryStorage = badger.NewHistoryStorage(db, a.Logger)
	}
	return nil
}

func (a *App) initServices() error {
	a.Guard = guard.NewService(a.Config, a.Logger)
	a.Browser = browser.NewService(a.Config.Browser, a.Logger)
	a.Notifier = notifier.NewFromConfig(a.Config, os.Getenv, a.Logger)

	settings := strategies.SettingsFromConfig(a.Config)

	if imapCfg := a.Config.TwoFactor.IMAP; imapCfg.Enabled {
		mailbox := twofactor.NewIMAPMailbox(twofactor.IMAPCredentials{
			Host:     imapCfg.Host,
			Port:     imapCfg.Port,
			Username: os.Getenv(imapCfg.UsernameEnv),
			Password: os.Getenv(imapCfg.PasswordEnv),
			UseTLS:   imapCfg.UseTLS,
		}, a.Logger)
		codes, err := twofactor.NewService(mailbox, imapCfg.SubjectFilter, imapCfg.CodePattern, 5*time.Second, settings.TwoFactorTimeout, a.Logger)
		if err != nil {
			return err
		}
		a.CodeProvider = codes
	}

	if err := a.Config.ValidateStrategies(strategies.IDs()); err != nil {
		return err
	}

	deps := strategies.Deps{
		Store:      a.AuthStore,
		Browser:    a.Browser,
		Notifier:   a.Notifier,
		Codes:      a.CodeProvider,
		Pacer:      strategies.NewLoginPacer(common.ParseDurationOr(a.Config.Refresh.LoginMinInterval, 30*time.Second)),
		Validator:  strategies.NewHTTPValidator(a.Logger, strategies.WithUserAgent(a.Config.Browser.UserAgent)),
		HTTPClient: httpclient.NewDefaultHTTPClient(30 * time.Second),
		Settings:   settings,
		Logger:     a.Logger,
		Getenv:     os.Getenv,
		Now:        time.Now,
	}
	built, err := strategies.BuildAll(a.Config, deps)
	if err != nil {
		return err
	}
	a.Strategies = built

	a.RefreshService = orchestrator.NewService(a.Config, a.AuthStore, a.Strategies, a.Guard, a.Notifier, a.HistoryStorage, a.Logger)
	a.SchedulerService = scheduler.NewService(a.RefreshService, a.Logger)

	refresher := a.RefreshService
	common.SetCrashContext(func() string {
		return fmt.Sprintf("in-flight refreshes: %v", refresher.InFlight())
	})
	return nil
}

// Close stops the scheduler and releases storage
func (a *App) Close() error {
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}
	if a.HistoryStorage != nil {
		if err := a.HistoryStorage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close run history")
			return err
		}
		a.HistoryStorage = nil
	}
	return nil
}
