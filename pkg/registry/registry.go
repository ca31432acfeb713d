// Package registry implements the catalog of installed update handlers,
// keyed by the updateType string a manifest or step names. It uses an
// afero filesystem seam so registration and lookup are testable against
// an in-memory filesystem.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/spf13/afero"
)

// Descriptor is the on-disk metadata for one registered handler.
type Descriptor struct {
	UpdateType     string `json:"updateType"`
	Version        string `json:"version"`
	PluginPath     string `json:"pluginPath"`
	ContractMajor  int    `json:"contractMajor"`
	ContractMinor  int    `json:"contractMinor"`
}

// DefaultContractVersion is assumed for a descriptor that omits contract
// fields entirely, or whose handler doesn't implement GetContractInfo.
var DefaultContractVersion = struct{ Major, Minor int }{1, 0}

// sanitizeKey restricts updateType keys to the charset safe for a
// filesystem path component, since updateType strings arrive from a
// cloud-controlled manifest and are used to build on-disk paths.
var sanitizeKeyPattern = regexp.MustCompile(`[^A-Za-z0-9]`)

func sanitizeKey(updateType string) string {
	return sanitizeKeyPattern.ReplaceAllString(updateType, "_")
}

// Loader loads a compiled handler from a descriptor. Production wiring
// uses stdlib plugin.Open; tests substitute an in-memory loader so they
// don't need to build real .so plugins.
type Loader interface {
	Load(desc Descriptor) (Plugin, error)
}

// Plugin is what a Loader hands back: an already-resolved handler symbol,
// plus the contract version the handler itself reports (if any).
type Plugin struct {
	Handler       interface{}
	ContractMajor int
	ContractMinor int
}

// Registry is the extension registry: a filesystem-backed descriptor
// store plus an in-memory cache of resolved plugins.
type Registry struct {
	fs     afero.Fs
	root   string
	loader Loader

	mu      sync.RWMutex
	loaded  map[string]Plugin
}

// New creates a registry rooted at root on fs, using loader to resolve
// plugin descriptors into handlers on demand.
func New(fs afero.Fs, root string, loader Loader) *Registry {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Registry{
		fs:     fs,
		root:   filepath.Clean(root),
		loader: loader,
		loaded: make(map[string]Plugin),
	}
}

func (r *Registry) descriptorPath(updateType string) string {
	return filepath.Join(r.root, sanitizeKey(updateType), "descriptor.json")
}

// Register writes desc to the registry's descriptor store atomically
// (write-temp-then-rename), so a crash mid-write never leaves a
// half-written descriptor behind.
func (r *Registry) Register(desc Descriptor) error {
	if desc.UpdateType == "" {
		return fmt.Errorf("registry: descriptor has no updateType")
	}
	path := r.descriptorPath(desc.UpdateType)
	if err := r.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("registry: mkdir: %w", err)
	}

	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal descriptor: %w", err)
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(r.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("registry: write descriptor: %w", err)
	}
	if err := r.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("registry: rename descriptor into place: %w", err)
	}

	r.mu.Lock()
	delete(r.loaded, desc.UpdateType)
	r.mu.Unlock()
	return nil
}

// Resolve reads back the descriptor registered for updateType, without
// loading its plugin.
func (r *Registry) Resolve(updateType string) (Descriptor, error) {
	path := r.descriptorPath(updateType)
	data, err := afero.ReadFile(r.fs, path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("registry: no handler registered for %q: %w", updateType, err)
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("registry: corrupt descriptor for %q: %w", updateType, err)
	}
	return desc, nil
}

// Load resolves updateType's descriptor and, if not already cached,
// invokes the configured Loader to produce a runnable handler. Contract
// version mismatch is the caller's (pkg/dispatch's) concern; Load only
// reports what the plugin declares.
func (r *Registry) Load(ctx context.Context, updateType string) (Plugin, error) {
	r.mu.RLock()
	if p, ok := r.loaded[updateType]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	desc, err := r.Resolve(updateType)
	if err != nil {
		return Plugin{}, err
	}
	if desc.ContractMajor == 0 && desc.ContractMinor == 0 {
		desc.ContractMajor, desc.ContractMinor = DefaultContractVersion.Major, DefaultContractVersion.Minor
	}

	if r.loader == nil {
		return Plugin{}, fmt.Errorf("registry: no loader configured to load %q", updateType)
	}
	p, err := r.loader.Load(desc)
	if err != nil {
		return Plugin{}, fmt.Errorf("registry: load %q: %w", updateType, err)
	}
	if p.ContractMajor == 0 && p.ContractMinor == 0 {
		p.ContractMajor, p.ContractMinor = desc.ContractMajor, desc.ContractMinor
	}

	r.mu.Lock()
	r.loaded[updateType] = p
	r.mu.Unlock()
	return p, nil
}

// List returns every registered updateType, sorted, for diagnostics and
// the CLI's `duagent list`.
func (r *Registry) List() ([]string, error) {
	exists, err := afero.DirExists(r.fs, r.root)
	if err != nil {
		return nil, fmt.Errorf("registry: check root: %w", err)
	}
	if !exists {
		return nil, nil
	}

	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		return nil, fmt.Errorf("registry: read root: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		descPath := filepath.Join(r.root, e.Name(), "descriptor.json")
		if exists, _ := afero.Exists(r.fs, descPath); !exists {
			continue
		}
		data, err := afero.ReadFile(r.fs, descPath)
		if err != nil {
			continue
		}
		var desc Descriptor
		if json.Unmarshal(data, &desc) == nil && desc.UpdateType != "" {
			keys = append(keys, desc.UpdateType)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
