// Package symbols implements the Symbol Resolver / Assembly Binding Layer
// (C3): per-assembly method tables, IL-offset↔source-line maps, and local
// variable name tables, bridging symbol-file method tokens to source
// coordinates.
//
// This package never decodes raw symbol-file bytes (§6: symbol-file format
// decoders are external collaborators). It consumes the logical tables a
// decoder would produce — SymbolMethod and SymbolAssembly — and answers the
// bidirectional lookups the rest of the bridge needs.
package symbols

import (
	"sort"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
)

// LineMapping is one (IL offset, source line) pair within a method. Within a
// SymbolMethod, LineMappings are kept sorted by ILOffset and lines are
// non-decreasing in IL order (§3 SymbolMethod invariant).
type LineMapping struct {
	ILOffset uint32
	Line     int
}

// SymbolMethod holds everything the resolver needs for one method in one
// assembly: its symbol-file token, IL-offset→line map, source file, and
// ordered local variable names. Immutable once loaded (§3).
type SymbolMethod struct {
	Token      proto.SymbolMethodToken
	SourceFile string
	Lines      []LineMapping // sorted by ILOffset ascending
	Locals     []string      // positional: Locals[i] is the name of local slot i
}

// sourceLineForIL returns the line mapped at the largest IL offset <= ip,
// or false if ip precedes every mapped offset.
func (m *SymbolMethod) sourceLineForIL(ip uint32) (int, bool) {
	// Lines are sorted by ILOffset; find the last entry with ILOffset <= ip.
	idx := sort.Search(len(m.Lines), func(i int) bool { return m.Lines[i].ILOffset > ip })
	if idx == 0 {
		return 0, false
	}
	return m.Lines[idx-1].Line, true
}

// SymbolAssembly is a set of SymbolMethods for one assembly, plus a
// file→sorted-(line,method,ILOffset) index for file:line breakpoint lookups
// (§3). Immutable once loaded.
type SymbolAssembly struct {
	Name    string
	Methods map[proto.SymbolMethodToken]*SymbolMethod

	// byFile maps a source file to every (line, method, ilOffset) triple it
	// contributes, sorted by line then ILOffset, built once at load time.
	byFile map[string][]fileEntry
}

type fileEntry struct {
	line     int
	method   proto.SymbolMethodToken
	ilOffset uint32
}

// NewSymbolAssembly builds a SymbolAssembly from a flat list of methods,
// constructing the file index eagerly so lookups are deterministic and O(log n).
func NewSymbolAssembly(name string, methods []*SymbolMethod) *SymbolAssembly {
	sa := &SymbolAssembly{
		Name:    name,
		Methods: make(map[proto.SymbolMethodToken]*SymbolMethod, len(methods)),
		byFile:  make(map[string][]fileEntry),
	}
	for _, m := range methods {
		sa.Methods[m.Token] = m
		for _, lm := range m.Lines {
			sa.byFile[m.SourceFile] = append(sa.byFile[m.SourceFile], fileEntry{
				line:     lm.Line,
				method:   m.Token,
				ilOffset: lm.ILOffset,
			})
		}
	}
	for file := range sa.byFile {
		entries := sa.byFile[file]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].line != entries[j].line {
				return entries[i].line < entries[j].line
			}
			return entries[i].ilOffset < entries[j].ilOffset
		})
		sa.byFile[file] = entries
	}
	return sa
}
