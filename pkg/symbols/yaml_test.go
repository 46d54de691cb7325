package symbols

import (
	"testing"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAssemblyYAML = `
name: App
methods:
  - token: 0x06000003
    source_file: Program.cs
    lines:
      - il_offset: 0x0010
        line: 10
      - il_offset: 0x0020
        line: 11
      - il_offset: 0x0030
        line: 10
    locals:
      - sensor
      - local1
      - reading
`

func TestLoadSymbolAssemblyYAML(t *testing.T) {
	asm, err := LoadSymbolAssemblyYAML([]byte(sampleAssemblyYAML))
	require.NoError(t, err)
	assert.Equal(t, "App", asm.Name)

	method, ok := asm.Methods[proto.SymbolMethodToken(0x06000003)]
	require.True(t, ok)
	assert.Equal(t, "Program.cs", method.SourceFile)
	assert.Equal(t, []string{"sensor", "local1", "reading"}, method.Locals)
	require.Len(t, method.Lines, 3)
	assert.EqualValues(t, 0x0020, method.Lines[1].ILOffset)
	assert.Equal(t, 11, method.Lines[1].Line)
}

func TestLoadSymbolAssemblyYAMLFeedsResolver(t *testing.T) {
	asm, err := LoadSymbolAssemblyYAML([]byte(sampleAssemblyYAML))
	require.NoError(t, err)

	r := NewResolver()
	r.LoadSymbols("App", asm)

	token := proto.NewDeviceMethodIndex(1, 3)
	loc, ok := r.GetSourceLocation("App", token, 0x0020)
	require.True(t, ok)
	assert.Equal(t, "Program.cs", loc.File)
	assert.Equal(t, 11, loc.Line)
}

func TestLoadSymbolAssemblyYAMLInvalidDocument(t *testing.T) {
	_, err := LoadSymbolAssemblyYAML([]byte("name: [this is not a mapping"))
	assert.Error(t, err)
}
