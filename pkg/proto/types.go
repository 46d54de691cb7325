// Package proto defines the wire-level data model shared by every layer of the
// debug bridge: device token formats, breakpoint descriptor flags, runtime value
// shapes, and the handful of small result types the device protocol returns.
//
// Nothing in this package talks to a byte stream. It exists so that pkg/wire,
// pkg/assembly, pkg/symbols, pkg/breakpoints, pkg/stepping, pkg/variables and
// pkg/session can all agree on the same vocabulary without importing each other.
package proto

import "fmt"

// AssemblyIndex is the device's 32-bit opaque identifier for a loaded assembly.
// The device reports these verbatim; the bridge never reinterprets the bit
// layout of an AssemblyIndex on its own (see DeviceMethodIndex for the one
// place the high/low split is meaningful).
type AssemblyIndex uint32

// DeviceMethodIndex is the device's namespace for methods: the high 16 bits
// identify the assembly, the low 16 bits identify a row inside it. This is a
// different namespace than SymbolMethodToken (the symbol file's own method
// identifier) — the two must never be compared or mixed without going through
// the Symbol Resolver / Assembly Registry.
type DeviceMethodIndex uint32

// NewDeviceMethodIndex packs an assembly index and method row into the
// device's method-index encoding: (assembly_index << 16) | method_row.
func NewDeviceMethodIndex(assemblyIdx AssemblyIndex, methodRow uint16) DeviceMethodIndex {
	return DeviceMethodIndex(uint32(assemblyIdx)<<16 | uint32(methodRow))
}

// AssemblyIndex returns the high 16 bits of the method index.
func (m DeviceMethodIndex) AssemblyIndex() AssemblyIndex {
	return AssemblyIndex(uint32(m) >> 16)
}

// MethodRow returns the low 16 bits of the method index.
func (m DeviceMethodIndex) MethodRow() uint16 {
	return uint16(uint32(m) & 0xFFFF)
}

func (m DeviceMethodIndex) String() string {
	return fmt.Sprintf("0x%04X:0x%04X", m.AssemblyIndex(), m.MethodRow())
}

// SymbolMethodToken is the method identifier as it appears inside a symbol
// file (e.g. 0x06000003). It is unrelated to DeviceMethodIndex except through
// the Symbol Resolver's lookup tables.
type SymbolMethodToken uint32

// MethodRow extracts the low 16 bits of a symbol-file method token, which is
// the row used to key a SymbolAssembly's method table.
func (t SymbolMethodToken) MethodRow() uint16 {
	return uint16(uint32(t) & 0xFFFF)
}

// BreakpointFlag mirrors the device's breakpoint-descriptor flag bits (§6).
// Flags are OR-combined to describe what a descriptor watches for.
type BreakpointFlag uint32

const (
	FlagStepIn             BreakpointFlag = 1 << iota // STEP_IN
	FlagStepOver                                       // STEP_OVER
	FlagStepOut                                        // STEP_OUT
	FlagHard                                           // HARD: a user/source breakpoint
	FlagExceptionThrown                                // EXCEPTION_THROWN
	FlagExceptionCaught                                // EXCEPTION_CAUGHT
	FlagExceptionUncaught                              // EXCEPTION_UNCAUGHT
	FlagThreadTerminated                               // THREAD_TERMINATED
	FlagThreadCreated                                   // THREAD_CREATED
)

// FlagStep is the union of every step-kind flag, used when classifying a stop
// as "some kind of step" without caring which.
const FlagStep = FlagStepIn | FlagStepOver | FlagStepOut

// StepDepth mirrors the device's step-depth constants.
type StepDepth uint32

const (
	StepNormal StepDepth = iota
	StepCall
	StepReturn
)

// ThreadFilter selects which thread a descriptor applies to.
type ThreadFilter uint32

// PIDAny means "any thread" (thread_filter = any, per §4.1/§6).
const PIDAny ThreadFilter = 0xFFFFFFFF

// Reserved negative breakpoint descriptor IDs (§3 DeviceBreakpointDescriptor).
const (
	StepMarkerID          int32 = -1
	EntryPointOneShotID    int32 = -2
	TempStepPlantID        int32 = -100
	TempStepOutMarkerID    int32 = -101
)

// DeviceBreakpointDescriptor is the device-level shape of a breakpoint or
// step marker, as transmitted via Device.SetBreakpoints (§3).
type DeviceBreakpointDescriptor struct {
	ID           int32
	Flags        BreakpointFlag
	ThreadFilter ThreadFilter
	StackDepth   int
	MethodIndex  DeviceMethodIndex
	IP           uint32
	IPStart      uint32
	IPEnd        uint32
}

// IsUserBreakpoint reports whether this descriptor represents a user-set
// breakpoint (positive ID), as opposed to a step marker or temporary
// step-planting descriptor (§3 "IDs ≥ 1 are user breakpoints").
func (d DeviceBreakpointDescriptor) IsUserBreakpoint() bool {
	return d.ID >= 1
}

// ExecutionModeBit is a bit in the device's execution-mode bitmask (§6.a).
type ExecutionModeBit uint32

const (
	// ModeStopped is bit 0x80000000 (§6.d): the CLR is stopped.
	ModeStopped ExecutionModeBit = 0x80000000
	// ModeSourceLevelDebugging indicates source-level debugging is enabled.
	ModeSourceLevelDebugging ExecutionModeBit = 0x00000001
	// ModeExceptionThrown indicates the last stop carries an exception.
	ModeExceptionThrown ExecutionModeBit = 0x00000002
)

// ExecutionMode is the bitmask returned by Device.GetExecutionMode.
type ExecutionMode uint32

// Has reports whether the given bit is set.
func (m ExecutionMode) Has(bit ExecutionModeBit) bool {
	return uint32(m)&uint32(bit) != 0
}

// BreakpointStatus is the device's "breakpoint status" reply (§6.e):
// { id (signed 16-bit), flags, method_index, ip, stack_depth }.
type BreakpointStatus struct {
	ID          int16
	Flags       BreakpointFlag
	MethodIndex DeviceMethodIndex
	IP          uint32
	StackDepth  int
}

// ValueKind distinguishes a local variable slot from an argument slot when
// reading a stack frame value.
type ValueKind int

const (
	ValueKindLocal ValueKind = iota
	ValueKindArgument
)

// RuntimeValue is a decoded, device-opaque view of a value living on the
// device (§3 RuntimeValue).
type RuntimeValue struct {
	DataType         string
	TypeDescriptor   TypeDescriptor
	IsNull           bool
	IsPrimitive      bool
	IsValueType      bool
	IsArray          bool
	IsBoxed          bool
	NumericPayload   uint64
	StringPayload    string
	HasStringPayload bool
	FieldCount       int
	ArrayLength      int
	// Address is the device-side handle needed to fetch children (array
	// elements, fields); opaque to everything except Device.
	Address uint32
}

// TypeDescriptor is an opaque device-side type handle.
type TypeDescriptor uint32

// FieldDescriptor is an opaque device-side field handle.
type FieldDescriptor uint32

// TypeInfo is the device's reply to ResolveType.
type TypeInfo struct {
	Name      string
	IsArray   bool
	ElementTD TypeDescriptor
}

// FieldInfo is the device's reply to ResolveField: { declaring_type, offset, name }.
type FieldInfo struct {
	DeclaringType TypeDescriptor
	Offset        int
	Name          string
}

// AssemblyInfo is one entry of Device.ResolveAllAssemblies.
type AssemblyInfo struct {
	Index   AssemblyIndex
	Name    string
	Version string
}

// StackFrameInfo is the device's reply to GetStackFrameInfo.
type StackFrameInfo struct {
	NumArguments int
	NumLocals    int
	EvalDepth    int
	MethodIndex  DeviceMethodIndex
	IP           uint32
}

// RebootOption selects how the device should reboot (§6 clr_only_reboot).
type RebootOption int

const (
	RebootNormal RebootOption = iota
	RebootCLROnly
)

// DeployBlob is a single firmware/assembly image to be written to the device.
type DeployBlob struct {
	Name string
	Data []byte
}

// DeployProgress reports incremental progress of a Deploy operation.
type DeployProgress struct {
	BlobIndex   int
	BlobCount   int
	BytesSent   int
	BytesTotal  int
	Message     string
}
