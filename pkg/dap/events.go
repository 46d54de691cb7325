// Package dap defines the northbound event and result types the Debug
// Session Facade emits and returns, shaped for consumption by a DAP adapter
// (§6 "Northbound (facade, consumed by the DAP adapter)"). It never talks
// DAP wire JSON itself — that plumbing is explicitly out of scope (§1).
package dap

// StopReason is the reason a stopped event carries.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopPause      StopReason = "pause"
	StopEntry      StopReason = "entry"
	StopException  StopReason = "exception"
)

// OutputCategory distinguishes adapter-facing console text from the
// program's own stdout.
type OutputCategory string

const (
	OutputConsole OutputCategory = "console"
	OutputStdout  OutputCategory = "stdout"
)

// Event is the tagged union of everything the facade's event sink can emit
// (§6). Exactly one of the reason-specific fields is meaningful at a time;
// Kind says which.
type Event struct {
	Kind EventKind

	// Stopped
	Reason            StopReason
	ThreadID          uint32
	AllThreadsStopped bool
	HitBreakpointIDs  []int32
	Text              string

	// Breakpoint changed
	Breakpoint Breakpoint

	// Output
	Category OutputCategory
	Output   string
}

// EventKind identifies which event shape an Event carries.
type EventKind int

const (
	EventInitialized EventKind = iota
	EventStopped
	EventBreakpointChanged
	EventOutput
	EventTerminated
)

// Breakpoint is the facade-facing view of a breakpoint, independent of the
// internal pkg/breakpoints representation.
type Breakpoint struct {
	ID         int
	SourcePath string
	Line       int
	Verified   bool
	Message    string
}

// Variable is one entry of a GetVariables/Evaluate/SetVariable response.
type Variable struct {
	Name     string
	Value    string
	TypeName string
	// Ref is non-zero when the value can be expanded further (array
	// elements or object fields).
	Ref int
}

// Scope is one entry of a GetScopes response.
type Scope struct {
	Name string
	Ref  int
	// Count is the number of variables this scope exposes, so a client can
	// request a bounded slice without an extra round trip.
	Count int
}

// StackFrame is one entry of a GetStackTrace response.
type StackFrame struct {
	// FrameRef identifies this frame for a subsequent GetScopes call.
	FrameRef int
	Name     string
	// Source is empty when the frame has no symbol mapping (§7: "Symbol
	// resolution failures when reporting a stop produce a stack frame with
	// no source attached").
	Source string
	Line   int
}

// Thread is one entry of a GetThreads response.
type Thread struct {
	ID   uint32
	Name string
}
