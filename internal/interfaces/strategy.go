package interfaces

import (
	"context"

	"github.com/ternarybob/authkeeper/internal/models"
)

// Strategy acquires and validates auth artifacts for one service.
// Every implementation runs the same START -> ... -> SUCCESS|FAILED machine once per Refresh call;
// retries belong to the caller.
type Strategy interface {
	// ID returns the registry id ("form_login", "jwt_storage", ...)
	ID() string
	Service() string

	NeedsRefresh(ctx context.Context, account string, warningDays int) (bool, string)
	Refresh(ctx context.Context, account string) models.RefreshResult

	// Validate confirms that state authenticates against the live service. It must not modify state.
	Validate(ctx context.Context, state *models.AuthState) (bool, string)
}

// URLGuard checks a strategy's declared endpoints before it runs
type URLGuard interface {
	// Validate returns a configuration error listing every violation, or nil
	Validate(service string, urls map[string]string) error
}

// RefreshService is the public surface consumed by the CLI, scheduler and dashboards
type RefreshService interface {
	CheckAll(ctx context.Context) ([]*models.AuthState, error)
	RefreshOne(ctx context.Context, service, account string, force bool) models.RefreshResult
	RefreshAll(ctx context.Context, force bool) (map[string][]models.RefreshResult, error)
}
