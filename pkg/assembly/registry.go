// Package assembly implements the Assembly Registry (C2): the bijection
// between symbol-file assembly names and device assembly indices.
package assembly

import (
	"strings"
	"sync"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
)

// Entry is one registered assembly.
type Entry struct {
	Name    string
	Version string
	Flags   uint32
	Index   proto.AssemblyIndex
}

// Registry maps between symbol-file assembly names and device assembly
// indices (§4.2). Names match case-insensitively and with or without a
// trailing ".dll" extension; the index value stored is exactly what the
// device reported, shifted or not (§4.2 "stored value is the 32-bit device
// value", left untouched).
type Registry struct {
	mu          sync.RWMutex
	byNormName  map[string]Entry
	byIndex     map[proto.AssemblyIndex]Entry
	searchPaths []string
	warnings    []string
}

// NewRegistry creates an empty Assembly Registry.
func NewRegistry() *Registry {
	return &Registry{
		byNormName: make(map[string]Entry),
		byIndex:    make(map[proto.AssemblyIndex]Entry),
	}
}

// DefaultAssemblyIndex is the documented fallback used when a breakpoint's
// assembly can't be resolved (§4.4 step 3, §9 Open Questions: "a stricter
// implementation should surface an error instead" — we keep the heuristic
// since the spec asks for it, but record it loudly via Warnings()).
const DefaultAssemblyIndex proto.AssemblyIndex = 1

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".dll")
}

// RegisterDeviceAssembly records or updates an assembly reported by the
// device. When two entries collide on normalized name, the latest
// registration wins and a warning is recorded (§4.2).
func (r *Registry) RegisterDeviceAssembly(name, version string, flags uint32, rawIdx proto.AssemblyIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := Entry{Name: name, Version: version, Flags: flags, Index: rawIdx}
	key := normalizeName(name)
	if existing, ok := r.byNormName[key]; ok && existing.Index != rawIdx {
		r.warnings = append(r.warnings, "assembly name collision: "+name+" re-registered with a new device index")
	}
	r.byNormName[key] = entry
	r.byIndex[rawIdx] = entry
}

// GetDeviceAssembly looks up an assembly by name, with or without an
// extension, case-insensitively.
func (r *Registry) GetDeviceAssembly(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byNormName[normalizeName(name)]
	return e, ok
}

// GetAssemblyByDeviceIndex looks up an assembly by its raw device index.
func (r *Registry) GetAssemblyByDeviceIndex(idx proto.AssemblyIndex) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byIndex[idx]
	return e, ok
}

// GetAssemblyIndex is a convenience wrapper returning just the index.
func (r *Registry) GetAssemblyIndex(name string) (proto.AssemblyIndex, bool) {
	e, ok := r.GetDeviceAssembly(name)
	if !ok {
		return 0, false
	}
	return e.Index, true
}

// AddSearchPath records a local directory to search for matching assembly
// files (used by ScanLocalAssemblies).
func (r *Registry) AddSearchPath(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchPaths = append(r.searchPaths, dir)
}

// SearchPaths returns the configured local search paths.
func (r *Registry) SearchPaths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.searchPaths))
	copy(out, r.searchPaths)
	return out
}

// ScanLocalAssemblies is a hook for discovering assembly files on disk under
// the configured search paths. The bridge does not decode assembly file
// formats itself (§6, out of scope); callers that need this feed the
// resulting names back through RegisterDeviceAssembly or the Symbol
// Resolver's loaders instead. This returns the configured search paths
// unchanged as a placeholder scan result.
func (r *Registry) ScanLocalAssemblies() []string {
	return r.SearchPaths()
}

// Warnings returns and clears any collision warnings recorded since the last
// call.
func (r *Registry) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.warnings
	r.warnings = nil
	return w
}

// Clear removes every registered assembly (on disconnect, per §3 lifetime).
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byNormName = make(map[string]Entry)
	r.byIndex = make(map[proto.AssemblyIndex]Entry)
}

// All returns every registered assembly, for diagnostics.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byIndex))
	for _, e := range r.byIndex {
		out = append(out, e)
	}
	return out
}
