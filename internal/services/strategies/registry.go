package strategies

import (
	"fmt"
	"sort"

	"github.com/ternarybob/authkeeper/internal/common"
	"github.com/ternarybob/authkeeper/internal/interfaces"
	"github.com/ternarybob/authkeeper/internal/models"
)

// Constructor builds a strategy for one configured service
type Constructor func(service string, config common.ServiceConfig, deps Deps) (interfaces.Strategy, error)

var registry = map[string]Constructor{
	FormLoginID:    NewFormLogin,
	JWTStorageID:   NewJWTStorage,
	OAuthRefreshID: NewOAuthRefresh,
}

// IDs returns the registered strategy ids in sorted order
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// New builds the strategy named by config.Strategy
func New(service string, config common.ServiceConfig, deps Deps) (interfaces.Strategy, error) {
	ctor, ok := registry[config.Strategy]
	if !ok {
		return nil, models.ConfigurationError("%w: %q for service %s", models.ErrUnknownStrategy, config.Strategy, service)
	}
	return ctor(service, config, deps)
}

// BuildAll builds a strategy for every enabled service in config
func BuildAll(config *common.Config, deps Deps) (map[string]interfaces.Strategy, error) {
	out := make(map[string]interfaces.Strategy)
	for _, id := range config.EnabledServices() {
		svc, _ := config.Service(id)
		strategy, err := New(id, svc, deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build strategy for %s: %w", id, err)
		}
		out[id] = strategy
	}
	return out, nil
}
