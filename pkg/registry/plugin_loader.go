//go:build !noplugin

package registry

import (
	"fmt"
	"plugin"
)

// PluginLoader resolves a Descriptor's PluginPath using the standard
// library's plugin package: each handler ships as a .so built with
// `go build -buildmode=plugin`, exporting a package-level symbol named
// "Handler" that implements pkg/dispatch.Handler. This is a narrow FFI
// vtable rather than a bespoke RPC or cgo boundary.
type PluginLoader struct {
	// SymbolName is the exported symbol every handler plugin must define.
	// Defaults to "Handler" when empty.
	SymbolName string
}

func (l *PluginLoader) symbolName() string {
	if l.SymbolName == "" {
		return "Handler"
	}
	return l.SymbolName
}

// ContractInfo is the optional interface a handler plugin's exported
// symbol can implement to report the ABI contract version it speaks,
// consulted before the dispatcher hands it any work.
type ContractInfo interface {
	GetContractInfo() (major, minor int)
}

func (l *PluginLoader) Load(desc Descriptor) (Plugin, error) {
	if desc.PluginPath == "" {
		return Plugin{}, fmt.Errorf("registry: descriptor for %q has no pluginPath", desc.UpdateType)
	}

	p, err := plugin.Open(desc.PluginPath)
	if err != nil {
		return Plugin{}, fmt.Errorf("registry: open plugin %q: %w", desc.PluginPath, err)
	}

	sym, err := p.Lookup(l.symbolName())
	if err != nil {
		return Plugin{}, fmt.Errorf("registry: plugin %q has no %q symbol: %w", desc.PluginPath, l.symbolName(), err)
	}

	result := Plugin{Handler: sym}
	if ci, ok := sym.(ContractInfo); ok {
		result.ContractMajor, result.ContractMinor = ci.GetContractInfo()
	}
	return result, nil
}
