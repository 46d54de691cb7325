package symbols

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
)

// BreakpointLocation is the result of resolving a source file:line to a
// device-addressable location (§4.3 GetBreakpointLocation).
type BreakpointLocation struct {
	AssemblyName      string
	MethodToken       proto.SymbolMethodToken
	DeviceMethodIndex proto.DeviceMethodIndex // left zero by the Resolver; callers pack it with proto.NewDeviceMethodIndex once the Assembly Registry knows the assembly index
	ILOffset          uint32
	File              string
	Line              int // the actual mapped line, which may differ from the requested line
}

// StepTarget is one IL offset within a method that begins a source line
// different from the line at the step's starting IP (§4.3 GetAllStepTargets).
type StepTarget struct {
	ILOffset uint32
	Line     int
	File     string
}

// SourceLocation is the (file, line, column) triple GetSourceLocation
// returns. Column is always 0: the symbol tables this bridge consumes don't
// carry column information.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

// Resolver holds every loaded SymbolAssembly and answers the bidirectional
// lookups described in §4.3. All lookups are deterministic given the same
// loaded symbol set, and return a zero value/false rather than erroring on
// an unknown token (§4.3 invariant).
type Resolver struct {
	mu         sync.RWMutex
	assemblies map[string]*SymbolAssembly // keyed by normalized assembly name
	entryPoint *BreakpointLocation
}

// NewResolver creates an empty Symbol Resolver.
func NewResolver() *Resolver {
	return &Resolver{assemblies: make(map[string]*SymbolAssembly)}
}

func normalize(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// LoadSymbols registers a fully-decoded SymbolAssembly under name. The
// symbol-file *format* is decoded elsewhere (§6); this is the boundary where
// the bridge takes ownership of the logical tables.
func (r *Resolver) LoadSymbols(name string, sa *SymbolAssembly) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assemblies[normalize(name)] = sa
}

// SymbolLoader decodes one symbol file from disk into a SymbolAssembly. The
// bridge ships no concrete implementation (decoders are out of scope, §6);
// callers supply one appropriate to their symbol-file format.
type SymbolLoader func(path string) (assemblyName string, sa *SymbolAssembly, err error)

// LoadSymbolsFromFile decodes path with loader and registers the result.
func (r *Resolver) LoadSymbolsFromFile(path string, loader SymbolLoader) error {
	name, sa, err := loader(path)
	if err != nil {
		return fmt.Errorf("load symbols from %s: %w", path, err)
	}
	r.LoadSymbols(name, sa)
	return nil
}

// LoadSymbolsFromDirectory walks dir (recursively if requested), decoding
// every file loader accepts, and returns the count of assemblies loaded.
func (r *Resolver) LoadSymbolsFromDirectory(dir string, recursive bool, loader SymbolLoader) (int, error) {
	count := 0
	walkFn := func(path string, info os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if !recursive && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		name, sa, loadErr := loader(path)
		if loadErr != nil {
			// Not every file in the directory is necessarily a symbol file;
			// skip ones the loader rejects instead of failing the whole scan.
			return nil
		}
		r.LoadSymbols(name, sa)
		count++
		return nil
	}
	if err := filepath.WalkDir(dir, walkFn); err != nil {
		return count, fmt.Errorf("scan symbol directory %s: %w", dir, err)
	}
	return count, nil
}

// GetLoadedAssemblies returns the names of every assembly with loaded symbols.
func (r *Resolver) GetLoadedAssemblies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.assemblies))
	for _, sa := range r.assemblies {
		names = append(names, sa.Name)
	}
	sort.Strings(names)
	return names
}

func (r *Resolver) lookupAssembly(name string) (*SymbolAssembly, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sa, ok := r.assemblies[normalize(name)]
	return sa, ok
}

// GetSourceLocation maps a device-format method token and IL offset back to
// a source coordinate. token's low 16 bits are the symbol-file method row
// (§4.3: "extract the method row from the low 16 bits"). Returns false if
// the assembly, method, or offset is unknown — never an error.
func (r *Resolver) GetSourceLocation(assemblyName string, token proto.DeviceMethodIndex, ip uint32) (SourceLocation, bool) {
	sa, ok := r.lookupAssembly(assemblyName)
	if !ok {
		return SourceLocation{}, false
	}
	row := token.MethodRow()
	var method *SymbolMethod
	for _, m := range sa.Methods {
		if m.Token.MethodRow() == row {
			method = m
			break
		}
	}
	if method == nil {
		return SourceLocation{}, false
	}
	line, ok := method.sourceLineForIL(ip)
	if !ok {
		return SourceLocation{}, false
	}
	return SourceLocation{File: method.SourceFile, Line: line}, true
}

// GetBreakpointLocation resolves a user-chosen file:line to the first method
// covering a line >= the requested one in that file (§4.3). When multiple
// candidates exist, the smallest matching line is preferred, and among
// entries at that line the smallest IL offset. Gaps in the line mapping are
// tolerated: the reported Line may be larger than the requested one, so the
// caller can move the UI marker (§4.3 "rounds forward").
func (r *Resolver) GetBreakpointLocation(file string, line int) (BreakpointLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *BreakpointLocation
	for _, sa := range r.assemblies {
		entries, ok := sa.byFile[file]
		if !ok {
			continue
		}
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].line >= line })
		if idx == len(entries) {
			continue
		}
		candidate := entries[idx]
		if best == nil || candidate.line < best.Line || (candidate.line == best.Line && candidate.ilOffset < best.ILOffset) {
			best = &BreakpointLocation{
				AssemblyName: sa.Name,
				MethodToken:  candidate.method,
				ILOffset:     candidate.ilOffset,
				File:         file,
				Line:         candidate.line,
			}
		}
	}
	if best == nil {
		return BreakpointLocation{}, false
	}
	return *best, true
}

// GetMethodToken returns the full symbol-file method token for the method
// whose device row (the low 16 bits of a DeviceMethodIndex) is row, within
// the named assembly. Used by the Stepping Engine to turn a device-reported
// current frame back into the token GetNextLineBreakpointLocation expects.
func (r *Resolver) GetMethodToken(assemblyName string, row uint16) (proto.SymbolMethodToken, bool) {
	sa, ok := r.lookupAssembly(assemblyName)
	if !ok {
		return 0, false
	}
	for _, m := range sa.Methods {
		if m.Token.MethodRow() == row {
			return m.Token, true
		}
	}
	return 0, false
}

// GetNextLineBreakpointLocation finds the first strictly-later line in file
// that has an IL mapping, preferring the same method as currentMethod when
// given (§4.3). Used by the stepping engine's breakpoint-planted fast path.
func (r *Resolver) GetNextLineBreakpointLocation(file string, currentLine int, currentMethod proto.SymbolMethodToken) (BreakpointLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sameMethod, any *BreakpointLocation
	for _, sa := range r.assemblies {
		entries, ok := sa.byFile[file]
		if !ok {
			continue
		}
		idx := sort.Search(len(entries), func(i int) bool { return entries[i].line > currentLine })
		for ; idx < len(entries); idx++ {
			candidate := entries[idx]
			loc := &BreakpointLocation{
				AssemblyName: sa.Name,
				MethodToken:  candidate.method,
				ILOffset:     candidate.ilOffset,
				File:         file,
				Line:         candidate.line,
			}
			if currentMethod != 0 && candidate.method == currentMethod {
				if sameMethod == nil || loc.Line < sameMethod.Line {
					sameMethod = loc
				}
				break
			}
			if any == nil || loc.Line < any.Line {
				any = loc
			}
			if currentMethod == 0 {
				break
			}
		}
	}
	if sameMethod != nil {
		return *sameMethod, true
	}
	if any != nil {
		return *any, true
	}
	return BreakpointLocation{}, false
}

// GetAllStepTargets returns every IL offset in the same method as token that
// begins a source line different from the line at currentIP (§4.3). Used to
// support stepping correctly inside loops, where the "next line" in program
// order may be a back-edge to an earlier line.
func (r *Resolver) GetAllStepTargets(assemblyName string, token proto.DeviceMethodIndex, currentIP uint32) []StepTarget {
	sa, ok := r.lookupAssembly(assemblyName)
	if !ok {
		return nil
	}
	row := token.MethodRow()
	var method *SymbolMethod
	for _, m := range sa.Methods {
		if m.Token.MethodRow() == row {
			method = m
			break
		}
	}
	if method == nil {
		return nil
	}
	currentLine, _ := method.sourceLineForIL(currentIP)

	var targets []StepTarget
	for _, lm := range method.Lines {
		if lm.Line != currentLine {
			targets = append(targets, StepTarget{ILOffset: lm.ILOffset, Line: lm.Line, File: method.SourceFile})
		}
	}
	return targets
}

// GetLocalVariableNames returns the positional local-variable names for a
// method, or nil if the method isn't known.
func (r *Resolver) GetLocalVariableNames(assemblyName string, token proto.DeviceMethodIndex) ([]string, bool) {
	sa, ok := r.lookupAssembly(assemblyName)
	if !ok {
		return nil, false
	}
	row := token.MethodRow()
	for _, m := range sa.Methods {
		if m.Token.MethodRow() == row {
			return m.Locals, true
		}
	}
	return nil, false
}

// SetEntryPointLocation records the program entry point, used to support
// stop_on_entry (§6) and GetEntryPointLocation.
func (r *Resolver) SetEntryPointLocation(loc BreakpointLocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entryPoint = &loc
}

// GetEntryPointLocation returns the recorded program entry point, if any.
func (r *Resolver) GetEntryPointLocation() (BreakpointLocation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.entryPoint == nil {
		return BreakpointLocation{}, false
	}
	return *r.entryPoint, true
}
