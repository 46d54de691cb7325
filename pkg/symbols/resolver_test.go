package symbols

import (
	"testing"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAssembly() *SymbolAssembly {
	method := &SymbolMethod{
		Token:      0x06000003,
		SourceFile: "Program.cs",
		Lines: []LineMapping{
			{ILOffset: 0x0010, Line: 10},
			{ILOffset: 0x0020, Line: 11},
			{ILOffset: 0x0030, Line: 10}, // back-edge
		},
		Locals: []string{"sensor", "local1", "reading"},
	}
	return NewSymbolAssembly("App", []*SymbolMethod{method})
}

func TestGetSourceLocationRoundTrip(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	token := proto.NewDeviceMethodIndex(1, 3)
	loc, ok := r.GetSourceLocation("App", token, 0x0020)
	require.True(t, ok)
	assert.Equal(t, "Program.cs", loc.File)
	assert.Equal(t, 11, loc.Line)
}

func TestGetSourceLocationUnknownTokenReturnsFalse(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	_, ok := r.GetSourceLocation("App", proto.NewDeviceMethodIndex(1, 99), 0)
	assert.False(t, ok)
}

func TestGetSourceLocationILOffsetBelowFirstMappingIsUnresolved(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	token := proto.NewDeviceMethodIndex(1, 3)
	_, ok := r.GetSourceLocation("App", token, 0x0005)
	assert.False(t, ok)
}

func TestGetBreakpointLocationExactLine(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	loc, ok := r.GetBreakpointLocation("Program.cs", 42)
	assert.False(t, ok)

	loc, ok = r.GetBreakpointLocation("Program.cs", 10)
	require.True(t, ok)
	assert.Equal(t, 10, loc.Line)
	assert.EqualValues(t, 0x0010, loc.ILOffset)
}

func TestGetBreakpointLocationRoundsForwardOnGap(t *testing.T) {
	r := NewResolver()
	method := &SymbolMethod{
		Token:      0x06000005,
		SourceFile: "Program.cs",
		Lines:      []LineMapping{{ILOffset: 0x0040, Line: 15}},
	}
	r.LoadSymbols("App", NewSymbolAssembly("App", []*SymbolMethod{method}))

	// Line 12 has no mapping; the nearest mapped line at or after it is 15.
	loc, ok := r.GetBreakpointLocation("Program.cs", 12)
	require.True(t, ok)
	assert.Equal(t, 15, loc.Line)
}

func TestGetAllStepTargetsExcludesCurrentLine(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	token := proto.NewDeviceMethodIndex(1, 3)
	targets := r.GetAllStepTargets("App", token, 0x0010) // currently at line 10

	var lines []int
	for _, tgt := range targets {
		lines = append(lines, tgt.Line)
	}
	assert.ElementsMatch(t, []int{11}, lines) // line 10 appears twice but is excluded both times
}

func TestGetNextLineBreakpointLocationPrefersSameMethod(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	loc, ok := r.GetNextLineBreakpointLocation("Program.cs", 10, 0x06000003)
	require.True(t, ok)
	assert.Equal(t, 11, loc.Line)
}

func TestGetLocalVariableNames(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App", sampleAssembly())

	token := proto.NewDeviceMethodIndex(1, 3)
	names, ok := r.GetLocalVariableNames("App", token)
	require.True(t, ok)
	assert.Equal(t, []string{"sensor", "local1", "reading"}, names)
}

func TestAssemblyNameMatchingIsCaseInsensitiveAndExtensionTolerant(t *testing.T) {
	r := NewResolver()
	r.LoadSymbols("App.dll", sampleAssembly())

	token := proto.NewDeviceMethodIndex(1, 3)
	_, ok := r.GetSourceLocation("app", token, 0x0010)
	assert.True(t, ok)
}
