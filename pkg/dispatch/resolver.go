package dispatch

import (
	"context"

	"duagent/pkg/registry"
)

// RegistryResolver adapts pkg/registry.Registry's Plugin-returning Load
// to the narrower (handler, major, minor, error) shape Dispatch expects,
// keeping Dispatcher itself free of a direct compile-time dependency on
// registry.Plugin's field layout.
type RegistryResolver struct {
	Registry *registry.Registry
}

func (r *RegistryResolver) Load(ctx context.Context, updateType string) (interface{}, int, int, error) {
	p, err := r.Registry.Load(ctx, updateType)
	if err != nil {
		return nil, 0, 0, err
	}
	return p.Handler, p.ContractMajor, p.ContractMinor, nil
}
