package variables

import (
	"context"
	"testing"

	"github.com/nanoframework/nf-debug-bridge/pkg/assembly"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAssemblyIdx = proto.AssemblyIndex(1)

var testMethodIndex = proto.NewDeviceMethodIndex(testAssemblyIdx, 3)

type fakeDevice struct {
	frameInfo     proto.StackFrameInfo
	locals        []proto.RuntimeValue
	arguments     []proto.RuntimeValue
	arrayElements []proto.RuntimeValue
	objectFields  map[int]proto.RuntimeValue
	fieldDescs    []proto.FieldDescriptor
	// fieldDescsByAssembly, when set, replaces fieldDescs with a
	// per-assembly listing (an absent assembly lists no fields).
	fieldDescsByAssembly map[proto.AssemblyIndex][]proto.FieldDescriptor
	fieldInfos    map[proto.FieldDescriptor]proto.FieldInfo
	staticValues  map[proto.FieldDescriptor]proto.RuntimeValue

	lastSetKind  proto.ValueKind
	lastSetIndex int
	lastSetValue proto.RuntimeValue
}

func (f *fakeDevice) GetStackFrameInfo(ctx context.Context, pid uint32, depth int) (proto.StackFrameInfo, error) {
	return f.frameInfo, nil
}

func (f *fakeDevice) GetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int) (proto.RuntimeValue, error) {
	if kind == proto.ValueKindArgument {
		return f.arguments[index], nil
	}
	return f.locals[index], nil
}

func (f *fakeDevice) GetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor) (proto.RuntimeValue, error) {
	return f.staticValues[fd], nil
}

func (f *fakeDevice) GetArrayElement(ctx context.Context, address uint32, index int) (proto.RuntimeValue, error) {
	return f.arrayElements[index], nil
}

func (f *fakeDevice) GetObjectField(ctx context.Context, address uint32, offset int) (proto.RuntimeValue, error) {
	return f.objectFields[offset], nil
}

func (f *fakeDevice) ResolveField(ctx context.Context, fd proto.FieldDescriptor) (proto.FieldInfo, error) {
	return f.fieldInfos[fd], nil
}

func (f *fakeDevice) ListFieldDescriptors(ctx context.Context, assemblyIdx proto.AssemblyIndex) ([]proto.FieldDescriptor, error) {
	if f.fieldDescsByAssembly != nil {
		return f.fieldDescsByAssembly[assemblyIdx], nil
	}
	return f.fieldDescs, nil
}

func (f *fakeDevice) SetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int, value proto.RuntimeValue) (proto.RuntimeValue, error) {
	f.lastSetKind = kind
	f.lastSetIndex = index
	f.lastSetValue = value
	if kind == proto.ValueKindArgument {
		f.arguments[index] = value
	} else {
		f.locals[index] = value
	}
	return value, nil
}

func newTestInspector(t *testing.T, dev Device) (*Inspector, int) {
	t.Helper()
	resolver := symbols.NewResolver()
	method := &symbols.SymbolMethod{
		Token:      0x06000003,
		SourceFile: "Program.cs",
		Locals:     []string{"count", "local1"},
		Lines:      []symbols.LineMapping{{ILOffset: 0x10, Line: 10}},
	}
	resolver.LoadSymbols("App", symbols.NewSymbolAssembly("App", []*symbols.SymbolMethod{method}))
	registry := assembly.NewRegistry()
	registry.RegisterDeviceAssembly("App", "1.0.0.0", 0, testAssemblyIdx)

	insp := NewInspector(dev, resolver, registry)
	frame := insp.NewFrame(1, 0, testMethodIndex, "App")
	return insp, frame
}

func intPrimitive(n int64) proto.RuntimeValue {
	return proto.RuntimeValue{DataType: "Int32", IsPrimitive: true, NumericPayload: uint64(n)}
}

func TestGetScopesEmitsLocalsAlwaysAndArgumentsWhenNonEmpty(t *testing.T) {
	dev := &fakeDevice{frameInfo: proto.StackFrameInfo{NumLocals: 2, NumArguments: 1}}
	insp, frame := newTestInspector(t, dev)

	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, "Locals", scopes[0].Name)
	assert.Equal(t, 2, scopes[0].Count)
	assert.Equal(t, "Arguments", scopes[1].Name)
	assert.Equal(t, 1, scopes[1].Count)
}

func TestGetScopesOmitsArgumentsWhenEmpty(t *testing.T) {
	dev := &fakeDevice{frameInfo: proto.StackFrameInfo{NumLocals: 1, NumArguments: 0}}
	insp, frame := newTestInspector(t, dev)

	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)
	require.Len(t, scopes, 1)
	assert.Equal(t, "Locals", scopes[0].Name)
}

func TestGetVariablesNamesLocalsPositionallyAndHidesCompilerGenerated(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 2},
		locals:    []proto.RuntimeValue{intPrimitive(7), intPrimitive(9)},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	vars, err := insp.GetVariables(context.Background(), scopes[0].Handle, 0, -1)
	require.NoError(t, err)
	require.Len(t, vars, 1, "the second local is named local1, matching the compiler-generated filter, and must be hidden")
	assert.Equal(t, "count", vars[0].Name)
	assert.Equal(t, "7", vars[0].Value)
}

func TestGetVariablesArgumentsAreAlwaysArgN(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 0, NumArguments: 2},
		arguments: []proto.RuntimeValue{intPrimitive(1), intPrimitive(2)},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	vars, err := insp.GetVariables(context.Background(), scopes[1].Handle, 0, -1)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "arg0", vars[0].Name)
	assert.Equal(t, "arg1", vars[1].Name)
}

func TestGetVariablesAllocatesExpandHandleForNonPrimitiveValue(t *testing.T) {
	obj := proto.RuntimeValue{DataType: "Point", TypeDescriptor: 42, FieldCount: 2, Address: 0x1000}
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 1},
		locals:    []proto.RuntimeValue{obj},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	vars, err := insp.GetVariables(context.Background(), scopes[0].Handle, 0, -1)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.NotZero(t, vars[0].Handle, "a non-primitive value must get an expandable handle")
}

func TestExpandObjectResolvesFieldNamesFromFieldTable(t *testing.T) {
	obj := proto.RuntimeValue{DataType: "Point", TypeDescriptor: 42, FieldCount: 2, Address: 0x1000}
	dev := &fakeDevice{
		frameInfo:  proto.StackFrameInfo{NumLocals: 1},
		locals:     []proto.RuntimeValue{obj},
		fieldDescs: []proto.FieldDescriptor{1, 2},
		fieldInfos: map[proto.FieldDescriptor]proto.FieldInfo{
			1: {DeclaringType: 42, Offset: 0, Name: "Point::X"},
			2: {DeclaringType: 42, Offset: 1, Name: "Point::Y"},
		},
		objectFields: map[int]proto.RuntimeValue{0: intPrimitive(3), 1: intPrimitive(4)},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)
	vars, err := insp.GetVariables(context.Background(), scopes[0].Handle, 0, -1)
	require.NoError(t, err)
	require.NotZero(t, vars[0].Handle)

	fields, err := insp.Expand(context.Background(), vars[0].Handle)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "X", fields[0].Name)
	assert.Equal(t, "3", fields[0].Value)
	assert.Equal(t, "Y", fields[1].Name)
}

func TestExpandObjectFallsBackToSystemAssemblyFieldTable(t *testing.T) {
	obj := proto.RuntimeValue{DataType: "Base", TypeDescriptor: 99, FieldCount: 1, Address: 0x2000}
	dev := &fakeDevice{
		frameInfo:    proto.StackFrameInfo{NumLocals: 1},
		locals:       []proto.RuntimeValue{obj},
		fieldDescsByAssembly: map[proto.AssemblyIndex][]proto.FieldDescriptor{77: {7}},
		fieldInfos:   map[proto.FieldDescriptor]proto.FieldInfo{7: {DeclaringType: 99, Offset: 0, Name: "Base::Flag"}},
		objectFields: map[int]proto.RuntimeValue{0: intPrimitive(1)},
	}
	insp, frame := newTestInspector(t, dev)
	insp.SetSystemAssemblies([]proto.AssemblyIndex{77})
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)
	vars, err := insp.GetVariables(context.Background(), scopes[0].Handle, 0, -1)
	require.NoError(t, err)

	fields, err := insp.Expand(context.Background(), vars[0].Handle)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "Flag", fields[0].Name, "field table for the value's own assembly (index 1) is empty, so the fallback scan over system assemblies must find it")
}

func TestExpandArrayCapsAtOneHundredWithTruncationEntry(t *testing.T) {
	elements := make([]proto.RuntimeValue, 150)
	for i := range elements {
		elements[i] = intPrimitive(int64(i))
	}
	arr := proto.RuntimeValue{DataType: "Int32", IsArray: true, ArrayLength: 150, Address: 0x3000}
	dev := &fakeDevice{
		frameInfo:     proto.StackFrameInfo{NumLocals: 1},
		locals:        []proto.RuntimeValue{arr},
		arrayElements: elements,
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)
	vars, err := insp.GetVariables(context.Background(), scopes[0].Handle, 0, -1)
	require.NoError(t, err)

	items, err := insp.Expand(context.Background(), vars[0].Handle)
	require.NoError(t, err)
	require.Len(t, items, 101)
	assert.Equal(t, "[0]", items[0].Name)
	assert.Equal(t, "...", items[100].Name)
	assert.Contains(t, items[100].Value, "50 more")
}

func TestEvaluateResolvesLocalThenArgumentThenStaticField(t *testing.T) {
	dev := &fakeDevice{
		frameInfo:  proto.StackFrameInfo{NumLocals: 2, NumArguments: 1},
		locals:     []proto.RuntimeValue{intPrimitive(7), intPrimitive(9)},
		arguments:  []proto.RuntimeValue{intPrimitive(42)},
		fieldDescs: []proto.FieldDescriptor{3},
		fieldInfos: map[proto.FieldDescriptor]proto.FieldInfo{3: {Name: "App.Program::Counter"}},
		staticValues: map[proto.FieldDescriptor]proto.RuntimeValue{
			3: intPrimitive(100),
		},
	}
	insp, frame := newTestInspector(t, dev)

	v, err := insp.Evaluate(context.Background(), "count", frame)
	require.NoError(t, err)
	assert.Equal(t, "7", v.Value)

	v, err = insp.Evaluate(context.Background(), "arg0", frame)
	require.NoError(t, err)
	assert.Equal(t, "42", v.Value)

	v, err = insp.Evaluate(context.Background(), "Counter", frame)
	require.NoError(t, err)
	assert.Equal(t, "100", v.Value)

	_, err = insp.Evaluate(context.Background(), "nonexistent", frame)
	assert.ErrorIs(t, err, proto.ErrUnsupportedEvaluation)
}

func TestSetVariableParsesIntegerAndWritesThroughDevice(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 1},
		locals:    []proto.RuntimeValue{intPrimitive(1)},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	display, err := insp.SetVariable(context.Background(), scopes[0].Handle, "count", "55")
	require.NoError(t, err)
	assert.Equal(t, "55", display)
	assert.EqualValues(t, 55, dev.lastSetValue.NumericPayload)
}

func TestSetVariableParsesBooleanTokens(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 1},
		locals:    []proto.RuntimeValue{{DataType: "Boolean", IsPrimitive: true}},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	display, err := insp.SetVariable(context.Background(), scopes[0].Handle, "count", "true")
	require.NoError(t, err)
	assert.Equal(t, "True", display)
}

func TestSetVariableRejectsUnparsableBoolean(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 1},
		locals:    []proto.RuntimeValue{{DataType: "Boolean", IsPrimitive: true}},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	_, err = insp.SetVariable(context.Background(), scopes[0].Handle, "count", "banana")
	require.Error(t, err)
	assert.ErrorIs(t, err, proto.ErrUnsupportedEvaluation)
	assert.ErrorContains(t, err, "Cannot parse 'banana' as Boolean")
}

func TestSetVariableRejectsNullAssignment(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 1},
		locals:    []proto.RuntimeValue{intPrimitive(1)},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	_, err = insp.SetVariable(context.Background(), scopes[0].Handle, "count", "null")
	assert.ErrorIs(t, err, proto.ErrUnsupportedEvaluation)
}

func TestSetVariableRejectsNonPrimitiveTarget(t *testing.T) {
	dev := &fakeDevice{
		frameInfo: proto.StackFrameInfo{NumLocals: 1},
		locals:    []proto.RuntimeValue{{DataType: "Point", FieldCount: 2}},
	}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	_, err = insp.SetVariable(context.Background(), scopes[0].Handle, "count", "5")
	assert.ErrorIs(t, err, proto.ErrUnsupportedEvaluation)
}

func TestInvalidateAllClearsEveryHandleTable(t *testing.T) {
	dev := &fakeDevice{frameInfo: proto.StackFrameInfo{NumLocals: 1}, locals: []proto.RuntimeValue{intPrimitive(1)}}
	insp, frame := newTestInspector(t, dev)
	scopes, err := insp.GetScopes(context.Background(), frame)
	require.NoError(t, err)

	insp.InvalidateAll()

	_, err = insp.GetVariables(context.Background(), scopes[0].Handle, 0, -1)
	assert.ErrorIs(t, err, proto.ErrInvalidHandle)
	_, err = insp.GetScopes(context.Background(), frame)
	assert.ErrorIs(t, err, proto.ErrInvalidHandle)
}
