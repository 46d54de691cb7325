// Package stepping implements the Stepping Engine (C6): source-level
// step-over/in/out built over the device's IL-level step and
// replace-all-breakpoints primitives (§4.6).
package stepping

import (
	"context"
	"time"

	"github.com/nanoframework/nf-debug-bridge/pkg/assembly"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/symbols"
	"github.com/nanoframework/nf-debug-bridge/pkg/wire"
)

// pollInterval is how often the engine polls execution mode while waiting
// for a planted step to land (§4.5 poller uses the same cadence).
const pollInterval = 50 * time.Millisecond

// ilStepCap bounds the IL-stepping fallback loop (§4.6 "safety cap ~1000 iterations").
const ilStepCap = 1000

// StopReason classifies why a step finished (§4.6 stop classification rule).
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
	StopException  StopReason = "exception"
)

// Result is the outcome of a step operation.
type Result struct {
	Reason           StopReason
	ThreadID         uint32
	MethodIndex      proto.DeviceMethodIndex
	IP               uint32
	StackDepth       int
	HitBreakpointIDs []int32
	Warning          string
}

// Device is the subset of wire.Device the Stepping Engine drives.
type Device interface {
	Resume(ctx context.Context) error
	Pause(ctx context.Context) error
	GetExecutionMode(ctx context.Context) (proto.ExecutionMode, error)
	GetBreakpointStatus(ctx context.Context) (proto.BreakpointStatus, bool, error)
	GetThreadStack(ctx context.Context, pid uint32) ([]uint32, error)
	GetStackFrameInfo(ctx context.Context, pid uint32, depth int) (proto.StackFrameInfo, error)
}

// BreakpointInstaller is the subset of breakpoints.Manager the engine needs:
// installing/clearing the temporary descriptors a step plants, and reading
// the currently verified user breakpoints for stop classification.
type BreakpointInstaller interface {
	SetStepDescriptors(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error
	ClearStepDescriptors(ctx context.Context) error
	VerifiedDescriptors() []proto.DeviceBreakpointDescriptor
}

// Engine drives source-level stepping for one device connection.
type Engine struct {
	device   Device
	resolver *symbols.Resolver
	registry *assembly.Registry
	bp       BreakpointInstaller
}

// NewEngine creates a Stepping Engine wired to the given collaborators.
func NewEngine(device Device, resolver *symbols.Resolver, registry *assembly.Registry, bp BreakpointInstaller) *Engine {
	return &Engine{device: device, resolver: resolver, registry: registry, bp: bp}
}

type userFrame struct {
	depth        int
	info         proto.StackFrameInfo
	loc          symbols.SourceLocation
	assemblyName string
}

// findUserFrame walks the thread's stack from frame 0 outward, looking for
// the topmost frame with a source mapping (§4.6 step 1).
func (e *Engine) findUserFrame(ctx context.Context, threadID uint32) (userFrame, bool, error) {
	frames, err := e.device.GetThreadStack(ctx, threadID)
	if err != nil {
		return userFrame{}, false, err
	}
	for depth := 0; depth < len(frames); depth++ {
		info, err := e.device.GetStackFrameInfo(ctx, threadID, depth)
		if err != nil {
			return userFrame{}, false, err
		}
		entry, ok := e.registry.GetAssemblyByDeviceIndex(info.MethodIndex.AssemblyIndex())
		if !ok {
			continue
		}
		loc, ok := e.resolver.GetSourceLocation(entry.Name, info.MethodIndex, info.IP)
		if ok {
			return userFrame{depth: depth, info: info, loc: loc, assemblyName: entry.Name}, true, nil
		}
	}
	return userFrame{}, false, nil
}

// StepOver implements §4.6's step-over: the breakpoint-planted fast path
// when a next-line target can be computed, falling back to the IL-stepping
// loop otherwise.
func (e *Engine) StepOver(ctx context.Context, threadID uint32) (*Result, error) {
	frame, ok, err := e.findUserFrame(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		startMethod, startIP := e.currentLocation(ctx, threadID)
		return e.ilStepLoop(ctx, threadID, startMethod, startIP, false, "")
	}

	for frame.depth != 0 {
		outDesc := proto.DeviceBreakpointDescriptor{
			ID:           proto.TempStepOutMarkerID,
			Flags:        proto.FlagStepOut | proto.FlagExceptionCaught | proto.FlagThreadTerminated,
			ThreadFilter: proto.ThreadFilter(threadID),
			StackDepth:   frame.depth,
		}
		res, err := e.planAndWait(ctx, threadID, []proto.DeviceBreakpointDescriptor{outDesc}, wire.TimeoutStepWait, frame.info.MethodIndex, frame.info.IP)
		if err != nil || res.Reason != StopStep {
			return res, err
		}
		frame, ok, err = e.findUserFrame(ctx, threadID)
		if err != nil {
			return nil, err
		}
		if !ok {
			startMethod, startIP := e.currentLocation(ctx, threadID)
			return e.ilStepLoop(ctx, threadID, startMethod, startIP, false, "")
		}
	}

	currentToken, _ := e.resolver.GetMethodToken(frame.assemblyName, frame.info.MethodIndex.MethodRow())
	nextLoc, found := e.resolver.GetNextLineBreakpointLocation(frame.loc.File, frame.loc.Line, currentToken)
	if !found {
		return e.ilStepLoop(ctx, threadID, frame.info.MethodIndex, frame.info.IP, true, frame.loc.File)
	}

	assemblyIdx, ok := e.registry.GetAssemblyIndex(nextLoc.AssemblyName)
	if !ok {
		assemblyIdx = assembly.DefaultAssemblyIndex
	}
	plant := proto.DeviceBreakpointDescriptor{
		ID:           proto.TempStepPlantID,
		Flags:        proto.FlagHard,
		ThreadFilter: proto.PIDAny,
		MethodIndex:  proto.NewDeviceMethodIndex(assemblyIdx, nextLoc.MethodToken.MethodRow()),
		IP:           nextLoc.ILOffset,
	}
	stepOut := proto.DeviceBreakpointDescriptor{
		ID:           proto.TempStepOutMarkerID,
		Flags:        proto.FlagStepOut | proto.FlagExceptionCaught | proto.FlagThreadTerminated,
		ThreadFilter: proto.ThreadFilter(threadID),
		StackDepth:   frame.depth,
	}
	return e.planAndWait(ctx, threadID, []proto.DeviceBreakpointDescriptor{plant, stepOut}, wire.TimeoutStepOverWait, frame.info.MethodIndex, frame.info.IP)
}

// StepIn implements §4.6's step-in: a single STEP_IN|STEP_CALL descriptor.
func (e *Engine) StepIn(ctx context.Context, threadID uint32) (*Result, error) {
	startMethod, startIP := e.currentLocation(ctx, threadID)
	desc := proto.DeviceBreakpointDescriptor{
		ID:           proto.StepMarkerID,
		Flags:        proto.FlagStepIn,
		ThreadFilter: proto.ThreadFilter(threadID),
		StackDepth:   int(proto.StepCall),
	}
	return e.planAndWait(ctx, threadID, []proto.DeviceBreakpointDescriptor{desc}, wire.TimeoutStepWait, startMethod, startIP)
}

// StepOut implements §4.6's step-out: a single STEP_OUT|STEP_RETURN descriptor.
func (e *Engine) StepOut(ctx context.Context, threadID uint32) (*Result, error) {
	startMethod, startIP := e.currentLocation(ctx, threadID)
	desc := proto.DeviceBreakpointDescriptor{
		ID:           proto.StepMarkerID,
		Flags:        proto.FlagStepOut,
		ThreadFilter: proto.ThreadFilter(threadID),
		StackDepth:   int(proto.StepReturn),
	}
	return e.planAndWait(ctx, threadID, []proto.DeviceBreakpointDescriptor{desc}, wire.TimeoutStepWait, startMethod, startIP)
}

func (e *Engine) currentLocation(ctx context.Context, threadID uint32) (proto.DeviceMethodIndex, uint32) {
	info, err := e.device.GetStackFrameInfo(ctx, threadID, 0)
	if err != nil {
		return 0, 0
	}
	return info.MethodIndex, info.IP
}

// ilStepLoop is the fallback of §4.6's step-over: repeated single IL
// step-overs (a lone STEP_OVER descriptor), checked after each step against
// the exit conditions in the order the spec lists them.
func (e *Engine) ilStepLoop(ctx context.Context, threadID uint32, startMethod proto.DeviceMethodIndex, startIP uint32, haveLine bool, startFile string) (*Result, error) {
	startLine := 0
	if haveLine {
		if entry, ok := e.registry.GetAssemblyByDeviceIndex(startMethod.AssemblyIndex()); ok {
			if loc, ok := e.resolver.GetSourceLocation(entry.Name, startMethod, startIP); ok {
				startLine = loc.Line
			}
		}
	}
	startFrames, err := e.device.GetThreadStack(ctx, threadID)
	if err != nil {
		return nil, err
	}
	startDepth := len(startFrames)

	for i := 0; i < ilStepCap; i++ {
		step := proto.DeviceBreakpointDescriptor{
			ID:           proto.StepMarkerID,
			Flags:        proto.FlagStepOver,
			ThreadFilter: proto.ThreadFilter(threadID),
		}
		res, err := e.planAndWait(ctx, threadID, []proto.DeviceBreakpointDescriptor{step}, wire.TimeoutStepWait, startMethod, startIP)
		if err != nil {
			return nil, err
		}
		if res.Reason == StopBreakpoint {
			return res, nil
		}
		if res.MethodIndex != startMethod || res.StackDepth != startDepth {
			return res, nil
		}
		if haveLine {
			entry, ok := e.registry.GetAssemblyByDeviceIndex(res.MethodIndex.AssemblyIndex())
			if ok {
				if loc, ok := e.resolver.GetSourceLocation(entry.Name, res.MethodIndex, res.IP); ok {
					if loc.Line != startLine || loc.File != startFile {
						return res, nil
					}
					continue
				}
			}
			// Lost the source mapping mid-loop: treat as a line change.
			return res, nil
		}
		if res.IP != startIP {
			return res, nil
		}
	}
	return &Result{Reason: StopStep, ThreadID: threadID, Warning: "step iteration cap reached"}, nil
}

// planAndWait installs descriptors as the active step descriptors, resumes
// the device, and waits (up to timeout) for it to stop again, then restores
// the original descriptor list (§4.6 steps 3-5).
func (e *Engine) planAndWait(ctx context.Context, threadID uint32, descriptors []proto.DeviceBreakpointDescriptor, timeout time.Duration, startMethod proto.DeviceMethodIndex, startIP uint32) (*Result, error) {
	if err := e.bp.SetStepDescriptors(ctx, descriptors); err != nil {
		return nil, err
	}
	defer e.bp.ClearStepDescriptors(context.Background())

	if err := e.device.Resume(ctx); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			_ = e.device.Pause(context.Background())
			return &Result{ThreadID: threadID, Reason: StopStep, Warning: "step timed out"}, nil
		case <-ticker.C:
		}

		mode, err := e.device.GetExecutionMode(ctx)
		if err != nil {
			return nil, err
		}
		if !mode.Has(proto.ModeStopped) {
			continue
		}
		return e.classifyStop(ctx, threadID, startMethod, startIP)
	}
}

// classifyStop applies §4.6's stop-classification rule: a stop is a
// breakpoint stop iff an active user descriptor's (method_index, ip)
// matches the current location and the IP has moved since the step started.
func (e *Engine) classifyStop(ctx context.Context, threadID uint32, startMethod proto.DeviceMethodIndex, startIP uint32) (*Result, error) {
	status, hasStatus, err := e.device.GetBreakpointStatus(ctx)
	if err != nil {
		return nil, err
	}

	frames, err := e.device.GetThreadStack(ctx, threadID)
	if err != nil {
		return nil, err
	}

	result := &Result{ThreadID: threadID, Reason: StopStep, StackDepth: len(frames)}
	if len(frames) > 0 {
		info, err := e.device.GetStackFrameInfo(ctx, threadID, 0)
		if err != nil {
			return nil, err
		}
		result.MethodIndex = info.MethodIndex
		result.IP = info.IP
	}

	if hasStatus && status.Flags&(proto.FlagExceptionThrown|proto.FlagExceptionUncaught) != 0 {
		result.Reason = StopException
		return result, nil
	}

	moved := result.MethodIndex != startMethod || result.IP != startIP
	if moved {
		for _, d := range e.bp.VerifiedDescriptors() {
			if d.MethodIndex == result.MethodIndex && d.IP == result.IP {
				result.Reason = StopBreakpoint
				result.HitBreakpointIDs = append(result.HitBreakpointIDs, d.ID)
			}
		}
	}
	return result, nil
}
