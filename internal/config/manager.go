package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds a map of per-tenant config overrides.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective config for a tenant: the global
// config with any per-tenant overrides layered on top. Tenant overrides
// are typically narrower than the global document — a tenant file
// setting only RateLimit or ModelAdapter is expected, not a full redeclaration.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both master and tenant configs.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for a tenant, merging any override
// on top of a copy of the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.RateLimit.MaxCallsPerMinute != 0 {
		effective.RateLimit = override.RateLimit
	}
	if override.ModelAdapter.Backend != "" {
		effective.ModelAdapter = override.ModelAdapter
	}
	if override.Billing.ReserveCompletionTokenCeiling != 0 {
		effective.Billing = override.Billing
	}
	if override.ReorgWatch.HorizonMinutes != 0 {
		effective.ReorgWatch = override.ReorgWatch
	}

	return &effective
}

// Reload replaces the tenant override map, used when tenant
// configuration is updated without a full process restart.
func (m *Manager) Reload(tenantsPath string) error {
	f, err := os.Open(tenantsPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return err
	}

	m.mu.Lock()
	m.tenantConfigs = tc.Tenants
	m.mu.Unlock()
	return nil
}
