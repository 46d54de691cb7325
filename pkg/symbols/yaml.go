package symbols

import (
	"gopkg.in/yaml.v3"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
)

// yamlAssembly is the on-disk shape of a symbol-file *logical table* fixture:
// a stand-in for whatever a real symbol-file decoder would produce, used to
// load test fixtures and ad hoc method tables without needing the actual
// on-device symbol-file format (§6 "symbol-file format decoders are out of
// scope").
type yamlAssembly struct {
	Name    string       `yaml:"name"`
	Methods []yamlMethod `yaml:"methods"`
}

type yamlMethod struct {
	Token      uint32            `yaml:"token"`
	SourceFile string            `yaml:"source_file"`
	Lines      []yamlLineMapping `yaml:"lines"`
	Locals     []string          `yaml:"locals"`
}

type yamlLineMapping struct {
	ILOffset uint32 `yaml:"il_offset"`
	Line     int    `yaml:"line"`
}

// LoadSymbolAssemblyYAML decodes a logical symbol table from YAML into a
// SymbolAssembly ready to hand to Resolver.LoadSymbols.
func LoadSymbolAssemblyYAML(data []byte) (*SymbolAssembly, error) {
	var doc yamlAssembly
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	methods := make([]*SymbolMethod, 0, len(doc.Methods))
	for _, m := range doc.Methods {
		lines := make([]LineMapping, len(m.Lines))
		for i, l := range m.Lines {
			lines[i] = LineMapping{ILOffset: l.ILOffset, Line: l.Line}
		}
		methods = append(methods, &SymbolMethod{
			Token:      proto.SymbolMethodToken(m.Token),
			SourceFile: m.SourceFile,
			Lines:      lines,
			Locals:     m.Locals,
		})
	}
	return NewSymbolAssembly(doc.Name, methods), nil
}
