package workercfg

import (
	"fmt"
	"sort"
	"strings"

	apperrors "gridkeeper/pkg/errors"
)

// LogVerbosities are the accepted values of log_level and of a profile's log_verbosity.
var LogVerbosities = []string{"DEBUG", "INFO", "WARNING", "ERROR"}

// ResourceProfile is a named bundle of operational limits. Pointer and empty
// fields are not covered by the profile and leave the document untouched.
type ResourceProfile struct {
	Name                    string `yaml:"name"`
	MaxOpenOrders           *int   `yaml:"max_open_orders,omitempty"`
	MaxRestingOrdersPerSide *int   `yaml:"max_resting_orders_per_side,omitempty"`
	LogVerbosity            string `yaml:"log_verbosity,omitempty"`
	MemoryBudgetMB          int    `yaml:"memory_budget_mb"`
	CPUBudgetPct            int    `yaml:"cpu_budget_pct"`
}

// IntPtr is a small helper for building profiles in code.
func IntPtr(v int) *int { return &v }

// Validate checks the profile's own limits. Document ranges are checked by Apply.
func (p ResourceProfile) Validate() error {
	if p.MemoryBudgetMB < 0 {
		return fmt.Errorf("profile %s: memory_budget_mb must not be negative", p.Name)
	}
	if p.CPUBudgetPct < 0 || p.CPUBudgetPct > 100*64 {
		return fmt.Errorf("profile %s: cpu_budget_pct out of range: %d", p.Name, p.CPUBudgetPct)
	}
	if p.LogVerbosity != "" && !contains(LogVerbosities, strings.ToUpper(p.LogVerbosity)) {
		return fmt.Errorf("profile %s: log_verbosity must be one of: %s", p.Name, strings.Join(LogVerbosities, ", "))
	}
	return nil
}

// overrides lists the document keys the profile covers, in a stable order.
func (p ResourceProfile) overrides() []override {
	var out []override
	if p.MaxOpenOrders != nil {
		out = append(out, override{key: "max_open_orders", value: int64(*p.MaxOpenOrders)})
	}
	if p.MaxRestingOrdersPerSide != nil {
		out = append(out, override{key: "max_resting_orders_per_side", value: int64(*p.MaxRestingOrdersPerSide)})
	}
	if p.LogVerbosity != "" {
		out = append(out, override{key: "log_level", value: strings.ToUpper(p.LogVerbosity)})
	}
	return out
}

type override struct {
	key   string
	value any
}

// BuiltinProfiles returns the profiles shipped with gridkeeper.
func BuiltinProfiles() map[string]ResourceProfile {
	return map[string]ResourceProfile{
		"nano": {
			Name: "nano", MaxOpenOrders: IntPtr(30), MaxRestingOrdersPerSide: IntPtr(10),
			LogVerbosity: "WARNING", MemoryBudgetMB: 400, CPUBudgetPct: 50,
		},
		"micro": {
			Name: "micro", MaxOpenOrders: IntPtr(60), MaxRestingOrdersPerSide: IntPtr(20),
			LogVerbosity: "INFO", MemoryBudgetMB: 900, CPUBudgetPct: 80,
		},
		"standard": {
			Name: "standard", MaxOpenOrders: IntPtr(100), MaxRestingOrdersPerSide: IntPtr(40),
			LogVerbosity: "INFO", MemoryBudgetMB: 1800, CPUBudgetPct: 100,
		},
	}
}

// LookupProfile resolves name against extra (deploy-file profiles) first and
// then the built-in set.
func LookupProfile(name string, extra map[string]ResourceProfile) (ResourceProfile, error) {
	if p, ok := extra[name]; ok {
		if p.Name == "" {
			p.Name = name
		}
		return p, p.Validate()
	}
	if p, ok := BuiltinProfiles()[name]; ok {
		return p, nil
	}

	known := make([]string, 0)
	for k := range BuiltinProfiles() {
		known = append(known, k)
	}
	for k := range extra {
		known = append(known, k)
	}
	sort.Strings(known)
	return ResourceProfile{}, fmt.Errorf("%w: %q (known: %s)", apperrors.ErrUnknownProfile, name, strings.Join(known, ", "))
}
