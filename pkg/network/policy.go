package network

import (
	"fmt"

	"github.com/peercall/peercall/pkg/config"
)

// ModulePolicy decides which modules inbound requests may target.
type ModulePolicy struct {
	mode    string
	modules map[string]struct{}
}

// NewModulePolicy builds a policy from the configured control mode and
// module list.
func NewModulePolicy(control string, modules []string) (*ModulePolicy, error) {
	switch control {
	case "", config.ModuleControlOff, config.ModuleControlWhitelist, config.ModuleControlBlacklist:
	default:
		return nil, fmt.Errorf("invalid module control mode: %s", control)
	}
	set := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		set[m] = struct{}{}
	}
	return &ModulePolicy{mode: control, modules: set}, nil
}

// Allowed reports whether the module may be called.
func (p *ModulePolicy) Allowed(module string) bool {
	if p == nil {
		return true
	}
	_, listed := p.modules[module]
	switch p.mode {
	case config.ModuleControlWhitelist:
		return listed
	case config.ModuleControlBlacklist:
		return !listed
	default:
		return true
	}
}
