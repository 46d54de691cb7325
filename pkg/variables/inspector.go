// Package variables implements the Variable Inspector (C7): frame scopes,
// local/argument decoding, and object/array expansion, per §4.7.
package variables

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/nanoframework/nf-debug-bridge/pkg/assembly"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/symbols"
)

// compilerGeneratedLocal matches resolved local names the symbol table marks
// as compiler-generated (§4.7: "hidden from the response (filtered, not
// blanked)").
var compilerGeneratedLocal = regexp.MustCompile(`^local\d+$`)

// Device is the subset of wire.Device the Variable Inspector reads and
// writes values through.
type Device interface {
	GetStackFrameInfo(ctx context.Context, pid uint32, depth int) (proto.StackFrameInfo, error)
	GetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int) (proto.RuntimeValue, error)
	GetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor) (proto.RuntimeValue, error)
	GetArrayElement(ctx context.Context, address uint32, index int) (proto.RuntimeValue, error)
	GetObjectField(ctx context.Context, address uint32, offset int) (proto.RuntimeValue, error)
	ResolveField(ctx context.Context, fd proto.FieldDescriptor) (proto.FieldInfo, error)
	ListFieldDescriptors(ctx context.Context, assemblyIdx proto.AssemblyIndex) ([]proto.FieldDescriptor, error)
	SetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int, value proto.RuntimeValue) (proto.RuntimeValue, error)
}

// FrameHandle identifies one stack frame a caller has asked to inspect (§3
// FrameHandle).
type FrameHandle struct {
	ThreadID     uint32
	Depth        int
	MethodIndex  proto.DeviceMethodIndex
	AssemblyName string
}

// ScopeKind distinguishes a Locals scope from an Arguments scope.
type ScopeKind int

const (
	ScopeLocals ScopeKind = iota
	ScopeArguments
)

func (k ScopeKind) String() string {
	if k == ScopeArguments {
		return "Arguments"
	}
	return "Locals"
}

// Scope is one entry returned by GetScopes.
type Scope struct {
	Handle int
	Name   string
	Count  int
}

// Variable is one entry returned by GetVariables, Evaluate, or SetVariable.
// Handle is non-zero only when the value can be expanded further.
type Variable struct {
	Name     string
	Value    string
	TypeName string
	Handle   int
}

type scopeEntry struct {
	frame FrameHandle
	kind  ScopeKind
	count int
}

type storedValue struct {
	value        proto.RuntimeValue
	assemblyName string
	assemblyIdx  proto.AssemblyIndex
}

// Inspector decodes stack frame and object state for one device connection.
// All handle tables are invalidated together on resume (§3 handle lifetime).
type Inspector struct {
	mu       sync.Mutex
	device   Device
	resolver *symbols.Resolver
	registry *assembly.Registry

	nextHandle int
	frames     map[int]FrameHandle
	scopes     map[int]scopeEntry
	values     map[int]storedValue

	// fieldTables caches resolve_field results per (assembly, type), and
	// persists for the session (§4.7 "the cache persists for the session").
	fieldTables map[proto.AssemblyIndex]map[proto.TypeDescriptor]map[int]string

	// systemAssemblies bounds the fallback scan for inherited fields whose
	// declaring type lives outside the value's own assembly.
	systemAssemblies []proto.AssemblyIndex
}

// NewInspector creates a Variable Inspector wired to the given collaborators.
func NewInspector(device Device, resolver *symbols.Resolver, registry *assembly.Registry) *Inspector {
	return &Inspector{
		device:      device,
		resolver:    resolver,
		registry:    registry,
		frames:      make(map[int]FrameHandle),
		scopes:      make(map[int]scopeEntry),
		values:      make(map[int]storedValue),
		fieldTables: make(map[proto.AssemblyIndex]map[proto.TypeDescriptor]map[int]string),
	}
}

// SetSystemAssemblies configures the bounded set of assemblies scanned as a
// fallback when a value's own assembly doesn't declare a field its type
// descriptor claims to have (§4.7 "bounded scan across a small set of system
// assemblies, to handle inherited fields").
func (insp *Inspector) SetSystemAssemblies(indexes []proto.AssemblyIndex) {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	insp.systemAssemblies = indexes
}

// InvalidateAll drops every frame, scope, and value handle. The facade calls
// this on every resume (§3: handles are "valid only until the next
// continue/step/resume").
func (insp *Inspector) InvalidateAll() {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	insp.frames = make(map[int]FrameHandle)
	insp.scopes = make(map[int]scopeEntry)
	insp.values = make(map[int]storedValue)
}

// NewFrame registers a stack frame and returns its handle, for later use
// with GetScopes.
func (insp *Inspector) NewFrame(threadID uint32, depth int, methodIndex proto.DeviceMethodIndex, assemblyName string) int {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	insp.nextHandle++
	h := insp.nextHandle
	insp.frames[h] = FrameHandle{ThreadID: threadID, Depth: depth, MethodIndex: methodIndex, AssemblyName: assemblyName}
	return h
}

func (insp *Inspector) lookupFrame(handle int) (FrameHandle, bool) {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	f, ok := insp.frames[handle]
	return f, ok
}

func (insp *Inspector) lookupScope(handle int) (scopeEntry, bool) {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	s, ok := insp.scopes[handle]
	return s, ok
}

func (insp *Inspector) lookupValue(handle int) (storedValue, bool) {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	v, ok := insp.values[handle]
	return v, ok
}

// GetScopes discovers a frame's Locals and Arguments scopes via
// get_stack_frame_info (§4.7).
func (insp *Inspector) GetScopes(ctx context.Context, frameHandle int) ([]Scope, error) {
	frame, ok := insp.lookupFrame(frameHandle)
	if !ok {
		return nil, fmt.Errorf("%w: frame %d", proto.ErrInvalidHandle, frameHandle)
	}
	info, err := insp.device.GetStackFrameInfo(ctx, frame.ThreadID, frame.Depth)
	if err != nil {
		return nil, err
	}

	var scopes []Scope
	scopes = append(scopes, Scope{Handle: insp.newScope(frame, ScopeLocals, info.NumLocals), Name: ScopeLocals.String(), Count: info.NumLocals})
	if info.NumArguments > 0 {
		scopes = append(scopes, Scope{Handle: insp.newScope(frame, ScopeArguments, info.NumArguments), Name: ScopeArguments.String(), Count: info.NumArguments})
	}
	return scopes, nil
}

func (insp *Inspector) newScope(frame FrameHandle, kind ScopeKind, count int) int {
	insp.mu.Lock()
	defer insp.mu.Unlock()
	insp.nextHandle++
	h := insp.nextHandle
	insp.scopes[h] = scopeEntry{frame: frame, kind: kind, count: count}
	return h
}

// GetVariables fetches [start, start+count) slots of a scope (§4.7). A
// negative count means "to the end". Compiler-generated locals are filtered
// out entirely, never returned as blank entries.
func (insp *Inspector) GetVariables(ctx context.Context, scopeHandle int, start, count int) ([]Variable, error) {
	scope, ok := insp.lookupScope(scopeHandle)
	if !ok {
		return nil, fmt.Errorf("%w: scope %d", proto.ErrInvalidHandle, scopeHandle)
	}
	end := scope.count
	if count >= 0 && start+count < end {
		end = start + count
	}
	if start < 0 {
		start = 0
	}

	deviceKind := proto.ValueKindLocal
	if scope.kind == ScopeArguments {
		deviceKind = proto.ValueKindArgument
	}

	var localNames []string
	if scope.kind == ScopeLocals {
		localNames, _ = insp.resolver.GetLocalVariableNames(scope.frame.AssemblyName, scope.frame.MethodIndex)
	}

	assemblyIdx := scope.frame.MethodIndex.AssemblyIndex()
	var out []Variable
	for i := start; i < end; i++ {
		name := insp.variableName(scope.kind, i, localNames)
		if scope.kind == ScopeLocals && compilerGeneratedLocal.MatchString(name) {
			continue
		}
		val, err := insp.device.GetStackFrameValue(ctx, scope.frame.ThreadID, scope.frame.Depth, deviceKind, i)
		if err != nil {
			return nil, err
		}
		out = append(out, insp.toVariable(name, val, scope.frame.AssemblyName, assemblyIdx))
	}
	return out, nil
}

func (insp *Inspector) variableName(kind ScopeKind, index int, localNames []string) string {
	if kind == ScopeArguments {
		return fmt.Sprintf("arg%d", index)
	}
	if index < len(localNames) && localNames[index] != "" {
		return localNames[index]
	}
	return fmt.Sprintf("localUnnamed%d", index)
}

// Expand lists the children of a non-primitive value handle: array elements
// (bounded to 100, with a trailing truncation entry) or object fields
// resolved through the per-type field table (§4.7).
func (insp *Inspector) Expand(ctx context.Context, valueHandle int) ([]Variable, error) {
	sv, ok := insp.lookupValue(valueHandle)
	if !ok {
		return nil, fmt.Errorf("%w: value %d", proto.ErrInvalidHandle, valueHandle)
	}
	if sv.value.IsArray {
		return insp.expandArray(ctx, sv)
	}
	return insp.expandObject(ctx, sv)
}

const maxArrayElements = 100

func (insp *Inspector) expandArray(ctx context.Context, sv storedValue) ([]Variable, error) {
	limit := sv.value.ArrayLength
	truncated := false
	if limit > maxArrayElements {
		limit = maxArrayElements
		truncated = true
	}
	out := make([]Variable, 0, limit+1)
	for i := 0; i < limit; i++ {
		val, err := insp.device.GetArrayElement(ctx, sv.value.Address, i)
		if err != nil {
			return nil, err
		}
		out = append(out, insp.toVariable(fmt.Sprintf("[%d]", i), val, sv.assemblyName, sv.assemblyIdx))
	}
	if truncated {
		out = append(out, Variable{Name: "...", Value: fmt.Sprintf("(%d more elements)", sv.value.ArrayLength-limit)})
	}
	return out, nil
}

func (insp *Inspector) expandObject(ctx context.Context, sv storedValue) ([]Variable, error) {
	table, err := insp.fieldTableFor(ctx, sv.assemblyIdx, sv.value.TypeDescriptor)
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		insp.mu.Lock()
		fallbacks := append([]proto.AssemblyIndex(nil), insp.systemAssemblies...)
		insp.mu.Unlock()
		for _, sysIdx := range fallbacks {
			t, err := insp.fieldTableFor(ctx, sysIdx, sv.value.TypeDescriptor)
			if err == nil && len(t) > 0 {
				table = t
				break
			}
		}
	}

	out := make([]Variable, 0, sv.value.FieldCount)
	for offset := 0; offset < sv.value.FieldCount; offset++ {
		val, err := insp.device.GetObjectField(ctx, sv.value.Address, offset)
		if err != nil {
			return nil, err
		}
		name := table[offset]
		if name == "" {
			name = fmt.Sprintf("field%d", offset)
		}
		out = append(out, insp.toVariable(name, val, sv.assemblyName, sv.assemblyIdx))
	}
	return out, nil
}

// fieldTableFor resolves (and caches) the offset→name table for typeDesc's
// fields declared in assemblyIdx.
func (insp *Inspector) fieldTableFor(ctx context.Context, assemblyIdx proto.AssemblyIndex, typeDesc proto.TypeDescriptor) (map[int]string, error) {
	insp.mu.Lock()
	if byType, ok := insp.fieldTables[assemblyIdx]; ok {
		if table, ok := byType[typeDesc]; ok {
			insp.mu.Unlock()
			return table, nil
		}
	}
	insp.mu.Unlock()

	fds, err := insp.device.ListFieldDescriptors(ctx, assemblyIdx)
	if err != nil {
		return nil, err
	}
	table := make(map[int]string)
	for _, fd := range fds {
		info, err := insp.device.ResolveField(ctx, fd)
		if err != nil {
			continue
		}
		if info.DeclaringType != typeDesc {
			continue
		}
		table[info.Offset] = trailingFieldName(info.Name)
	}

	insp.mu.Lock()
	if insp.fieldTables[assemblyIdx] == nil {
		insp.fieldTables[assemblyIdx] = make(map[proto.TypeDescriptor]map[int]string)
	}
	insp.fieldTables[assemblyIdx][typeDesc] = table
	insp.mu.Unlock()
	return table, nil
}

// Evaluate resolves a single identifier against locals, then arguments, then
// static fields of frameHandle's assembly (§4.7).
func (insp *Inspector) Evaluate(ctx context.Context, expression string, frameHandle int) (Variable, error) {
	frame, ok := insp.lookupFrame(frameHandle)
	if !ok {
		return Variable{}, fmt.Errorf("%w: frame %d", proto.ErrInvalidHandle, frameHandle)
	}
	assemblyIdx := frame.MethodIndex.AssemblyIndex()

	if names, ok := insp.resolver.GetLocalVariableNames(frame.AssemblyName, frame.MethodIndex); ok {
		for i, name := range names {
			if name == expression {
				val, err := insp.device.GetStackFrameValue(ctx, frame.ThreadID, frame.Depth, proto.ValueKindLocal, i)
				if err != nil {
					return Variable{}, err
				}
				return insp.toVariable(expression, val, frame.AssemblyName, assemblyIdx), nil
			}
		}
	}

	if idx, ok := parseArgIndex(expression); ok {
		info, err := insp.device.GetStackFrameInfo(ctx, frame.ThreadID, frame.Depth)
		if err == nil && idx < info.NumArguments {
			val, err := insp.device.GetStackFrameValue(ctx, frame.ThreadID, frame.Depth, proto.ValueKindArgument, idx)
			if err != nil {
				return Variable{}, err
			}
			return insp.toVariable(expression, val, frame.AssemblyName, assemblyIdx), nil
		}
	}

	fds, err := insp.device.ListFieldDescriptors(ctx, assemblyIdx)
	if err == nil {
		for _, fd := range fds {
			info, err := insp.device.ResolveField(ctx, fd)
			if err != nil {
				continue
			}
			if trailingFieldName(info.Name) == expression {
				val, err := insp.device.GetStaticFieldValue(ctx, fd)
				if err != nil {
					return Variable{}, err
				}
				return insp.toVariable(expression, val, frame.AssemblyName, assemblyIdx), nil
			}
		}
	}

	return Variable{}, fmt.Errorf("%w: Cannot evaluate '%s'", proto.ErrUnsupportedEvaluation, expression)
}

// SetVariable writes a new value into a local or argument of scopeHandle
// (§4.7). Only primitive targets are writable.
func (insp *Inspector) SetVariable(ctx context.Context, scopeHandle int, name, valueString string) (string, error) {
	scope, ok := insp.lookupScope(scopeHandle)
	if !ok {
		return "", fmt.Errorf("%w: scope %d", proto.ErrInvalidHandle, scopeHandle)
	}
	if strings.EqualFold(valueString, "null") {
		return "", fmt.Errorf("%w: null assignment is not supported", proto.ErrUnsupportedEvaluation)
	}

	index := -1
	deviceKind := proto.ValueKindLocal
	if scope.kind == ScopeArguments {
		deviceKind = proto.ValueKindArgument
		if idx, ok := parseArgIndex(name); ok {
			index = idx
		}
	} else if names, ok := insp.resolver.GetLocalVariableNames(scope.frame.AssemblyName, scope.frame.MethodIndex); ok {
		for i, n := range names {
			if n == name {
				index = i
				break
			}
		}
	}
	if index < 0 {
		return "", fmt.Errorf("%w: unknown variable '%s'", proto.ErrInvalidHandle, name)
	}

	current, err := insp.device.GetStackFrameValue(ctx, scope.frame.ThreadID, scope.frame.Depth, deviceKind, index)
	if err != nil {
		return "", err
	}
	if !current.IsPrimitive || current.IsNull {
		return "", fmt.Errorf("%w: '%s' is not a writable primitive", proto.ErrUnsupportedEvaluation, name)
	}

	updated, err := parsePrimitive(current, valueString)
	if err != nil {
		return "", err
	}

	result, err := insp.device.SetStackFrameValue(ctx, scope.frame.ThreadID, scope.frame.Depth, deviceKind, index, updated)
	if err != nil {
		return "", err
	}
	return formatDisplay(result), nil
}

func (insp *Inspector) toVariable(name string, v proto.RuntimeValue, assemblyName string, assemblyIdx proto.AssemblyIndex) Variable {
	variable := Variable{Name: name, Value: formatDisplay(v), TypeName: v.DataType}
	expandable := !v.IsNull && (v.IsArray || (!v.IsPrimitive && v.FieldCount > 0))
	if expandable {
		insp.mu.Lock()
		insp.nextHandle++
		h := insp.nextHandle
		insp.values[h] = storedValue{value: v, assemblyName: assemblyName, assemblyIdx: assemblyIdx}
		insp.mu.Unlock()
		variable.Handle = h
	}
	return variable
}

var argPattern = regexp.MustCompile(`^arg(\d+)$`)

func parseArgIndex(expression string) (int, bool) {
	m := argPattern.FindStringSubmatch(expression)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func trailingFieldName(fullyQualified string) string {
	if i := strings.LastIndex(fullyQualified, "::"); i >= 0 {
		return fullyQualified[i+2:]
	}
	return fullyQualified
}

// parsePrimitive parses valueString against current's data type, using
// invariant-culture numeric parsing, boolean true/false/0/1, and a
// single-character or quoted-character form for char (§4.7 set_variable).
func parsePrimitive(current proto.RuntimeValue, valueString string) (proto.RuntimeValue, error) {
	updated := current
	switch strings.ToLower(current.DataType) {
	case "boolean", "bool":
		switch valueString {
		case "true", "1":
			updated.NumericPayload = 1
		case "false", "0":
			updated.NumericPayload = 0
		default:
			return proto.RuntimeValue{}, parseError(valueString, "Boolean")
		}
	case "char":
		r := []rune(strings.Trim(valueString, "'"))
		if len(r) != 1 {
			return proto.RuntimeValue{}, parseError(valueString, "Char")
		}
		updated.NumericPayload = uint64(r[0])
	case "single", "float32":
		f, err := strconv.ParseFloat(valueString, 32)
		if err != nil {
			return proto.RuntimeValue{}, parseError(valueString, current.DataType)
		}
		updated.NumericPayload = uint64(math.Float32bits(float32(f)))
	case "double", "float64":
		f, err := strconv.ParseFloat(valueString, 64)
		if err != nil {
			return proto.RuntimeValue{}, parseError(valueString, current.DataType)
		}
		updated.NumericPayload = math.Float64bits(f)
	case "string":
		return proto.RuntimeValue{}, fmt.Errorf("%w: reference types are not assignable", proto.ErrUnsupportedEvaluation)
	default:
		n, err := strconv.ParseInt(valueString, 10, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(valueString, 10, 64)
			if uerr != nil {
				return proto.RuntimeValue{}, parseError(valueString, current.DataType)
			}
			updated.NumericPayload = u
		} else {
			updated.NumericPayload = uint64(n)
		}
	}
	return updated, nil
}

// parseError reports a set_variable parse failure in the device's own
// error-message convention: a capitalized "Cannot", a single-quoted value,
// and the .NET type name (§4.7 set_variable, §8 scenario 6).
func parseError(valueString, typeName string) error {
	return fmt.Errorf("%w: Cannot parse '%s' as %s", proto.ErrUnsupportedEvaluation, valueString, typeName)
}

// formatDisplay renders a RuntimeValue as the IDE-facing display string.
func formatDisplay(v proto.RuntimeValue) string {
	if v.IsNull {
		return "null"
	}
	switch strings.ToLower(v.DataType) {
	case "boolean", "bool":
		if v.NumericPayload != 0 {
			return "True"
		}
		return "False"
	case "char":
		return fmt.Sprintf("'%c'", rune(v.NumericPayload))
	case "single", "float32":
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.NumericPayload))), 'g', -1, 32)
	case "double", "float64":
		return strconv.FormatFloat(math.Float64frombits(v.NumericPayload), 'g', -1, 64)
	case "string":
		if v.HasStringPayload {
			return v.StringPayload
		}
		return ""
	}
	if v.IsPrimitive {
		return strconv.FormatInt(int64(v.NumericPayload), 10)
	}
	if v.IsArray {
		return fmt.Sprintf("%s[%d]", v.DataType, v.ArrayLength)
	}
	if v.HasStringPayload {
		return v.StringPayload
	}
	return fmt.Sprintf("{%s}", v.DataType)
}
