// Package session implements the Execution State Machine (C5) and the
// Debug Session Facade (C8): the top-level orchestrator that drives the
// connection, the background poller, and every public debug operation,
// wiring together pkg/wire, pkg/assembly, pkg/symbols, pkg/breakpoints,
// pkg/stepping, and pkg/variables.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nanoframework/nf-debug-bridge/pkg/assembly"
	"github.com/nanoframework/nf-debug-bridge/pkg/breakpoints"
	"github.com/nanoframework/nf-debug-bridge/pkg/dap"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/stepping"
	"github.com/nanoframework/nf-debug-bridge/pkg/symbols"
	"github.com/nanoframework/nf-debug-bridge/pkg/variables"
)

// State is one of the four Execution State Machine states (§4.5).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStopped
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	default:
		return "Disconnected"
	}
}

const (
	pollInterval          = 50 * time.Millisecond
	rebootRecoveryTimeout = 10 * time.Second

	// exceptionDescriptorID is a bridge-internal reserved descriptor id for
	// the permanent exception-catching descriptor the break_on_all /
	// break_on_uncaught config options install at connect. It is outside
	// the spec's explicitly named reserved ids (-1, -2, -100, -101) but
	// follows the same convention: negative ids are never user breakpoints.
	exceptionDescriptorID int32 = -3
)

// Facade is the Debug Session Facade (C8): the only type northbound callers
// (a DAP adapter, a REPL, a TUI) need to hold. It exclusively owns execution
// state, the breakpoint table, and every handle table (§3 Ownership).
type Facade struct {
	device   Device
	resolver *symbols.Resolver
	registry *assembly.Registry
	bpMgr    *breakpoints.Manager
	stepEng  *stepping.Engine
	vars     *variables.Inspector
	logger   *slog.Logger

	mu              sync.Mutex
	state           State
	cfg             Config
	stoppedThreadID uint32
	lastThreadList  []uint32
	pollCancel      context.CancelFunc
	pollWG          sync.WaitGroup

	events chan dap.Event
}

// New creates a Debug Session Facade wired to device, with symbol resolution
// and breakpoint/step/variable state starting empty.
func New(device Device, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := symbols.NewResolver()
	registry := assembly.NewRegistry()
	bpMgr := breakpoints.NewManager(resolver, registry, device)
	stepEng := stepping.NewEngine(device, resolver, registry, bpMgr)
	vars := variables.NewInspector(device, resolver, registry)

	f := &Facade{
		device:   device,
		resolver: resolver,
		registry: registry,
		bpMgr:    bpMgr,
		stepEng:  stepEng,
		vars:     vars,
		logger:   logger,
		events:   make(chan dap.Event, 64),
	}
	bpMgr.SetChangeListener(func(bp breakpoints.Breakpoint) {
		f.emit(dap.Event{Kind: dap.EventBreakpointChanged, Breakpoint: dap.Breakpoint{
			ID: bp.ID, SourcePath: bp.SourcePath, Line: bp.Line, Verified: bp.Verified, Message: bp.Message,
		}})
	})
	return f
}

// Events returns the channel every facade-emitted event is delivered on, in
// emission order (§5 "event emission is serialized through a single event
// sink").
func (f *Facade) Events() <-chan dap.Event {
	return f.events
}

// State returns the current Execution State Machine state.
func (f *Facade) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Resolver exposes the Symbol Resolver so a caller can load symbol files
// (§4.3); loading is itself out of scope for the facade (format decoders
// are an external collaborator, §6).
func (f *Facade) Resolver() *symbols.Resolver { return f.resolver }

// Breakpoints exposes the Breakpoint Manager for set/remove/list operations.
func (f *Facade) Breakpoints() *breakpoints.Manager { return f.bpMgr }

func (f *Facade) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Facade) emit(evt dap.Event) {
	select {
	case f.events <- evt:
	default:
		f.logger.Warn("event channel full, dropping event", "kind", evt.Kind)
	}
}

// Connect establishes the device connection, loads assemblies, installs any
// permanent exception descriptors, reapplies known breakpoints, and either
// stops at entry or resumes, per cfg (§4.5, §6 stop_on_entry/break_on_all/
// break_on_uncaught).
func (f *Facade) Connect(ctx context.Context, cfg Config) error {
	f.logger.Debug("connecting", "stop_on_entry", cfg.StopOnEntry, "break_on_all", cfg.BreakOnAll, "break_on_uncaught", cfg.BreakOnUncaught)
	f.mu.Lock()
	f.cfg = cfg
	f.state = StateConnecting
	f.mu.Unlock()

	if err := f.device.Connect(ctx); err != nil {
		f.setState(StateDisconnected)
		return fmt.Errorf("%w: connect failed: %v", proto.ErrTransport, err)
	}
	if err := f.device.UpdateDebugFlags(ctx); err != nil {
		return fmt.Errorf("%w: %v", proto.ErrTransport, err)
	}
	if err := f.reloadAssemblies(ctx); err != nil {
		return err
	}
	if err := f.installExceptionDescriptors(ctx); err != nil {
		return err
	}
	if err := f.bpMgr.ReapplyAllAfterReboot(ctx); err != nil {
		return err
	}

	f.setState(StateStopped)
	f.emit(dap.Event{Kind: dap.EventInitialized})
	f.logger.Debug("connected", "assemblies", len(f.registry.All()))

	if cfg.StopOnEntry {
		f.emit(dap.Event{Kind: dap.EventStopped, Reason: dap.StopEntry, AllThreadsStopped: true})
		return nil
	}
	return f.Continue(ctx)
}

func (f *Facade) reloadAssemblies(ctx context.Context) error {
	assemblies, err := f.device.ResolveAllAssemblies(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.ErrTransport, err)
	}
	f.registry.Clear()
	for _, a := range assemblies {
		f.registry.RegisterDeviceAssembly(a.Name, a.Version, 0, a.Index)
	}
	return nil
}

func (f *Facade) installExceptionDescriptors(ctx context.Context) error {
	f.mu.Lock()
	cfg := f.cfg
	f.mu.Unlock()

	var flags proto.BreakpointFlag
	switch {
	case cfg.BreakOnAll:
		flags = proto.FlagExceptionCaught | proto.FlagExceptionUncaught
	case cfg.BreakOnUncaught:
		flags = proto.FlagExceptionUncaught
	default:
		return nil
	}
	descriptor := proto.DeviceBreakpointDescriptor{ID: exceptionDescriptorID, Flags: flags, ThreadFilter: proto.PIDAny}
	return f.bpMgr.SetPermanentDescriptors(ctx, []proto.DeviceBreakpointDescriptor{descriptor})
}

// Disconnect cancels the poller, waits for it to exit (§5 "internally waits
// for the poller to exit before tearing down the transport"), drops handle
// tables and assembly bindings, and closes the transport.
func (f *Facade) Disconnect(ctx context.Context) error {
	f.logger.Debug("disconnecting")
	f.stopPoller()
	f.vars.InvalidateAll()
	f.registry.Clear()
	err := f.device.Transport().Close()
	f.setState(StateDisconnected)
	f.emit(dap.Event{Kind: dap.EventTerminated})
	if err != nil {
		return fmt.Errorf("%w: %v", proto.ErrTransport, err)
	}
	return nil
}

// IsConnected reports whether the session has an active (non-Disconnected)
// state.
func (f *Facade) IsConnected() bool {
	return f.State() != StateDisconnected
}

// stopPoller cancels any running poller and blocks until it has exited,
// guaranteeing no poller is alive before an operation that changes
// execution state (§5).
func (f *Facade) stopPoller() {
	f.mu.Lock()
	cancel := f.pollCancel
	f.pollCancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	f.pollWG.Wait()
}

func (f *Facade) startPoller() {
	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.pollCancel = cancel
	f.state = StateRunning
	f.mu.Unlock()
	f.pollWG.Add(1)
	go f.pollLoop(ctx)
}

// pollLoop is the single cooperative poller task (§4.5): wakes every
// ~50ms, checks get_execution_mode, and on Stopped classifies and emits
// exactly one stopped event before exiting.
func (f *Facade) pollLoop(ctx context.Context) {
	defer f.pollWG.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mode, err := f.device.GetExecutionMode(ctx)
		if err != nil {
			if errors.Is(err, proto.ErrTransport) || errors.Is(err, proto.ErrNotConnected) {
				if recErr := f.recoverFromReboot(ctx); recErr != nil {
					f.logger.Error("reboot recovery failed", "error", recErr)
					return
				}
				f.setState(StateStopped)
				f.emit(dap.Event{Kind: dap.EventStopped, Reason: dap.StopStep, Text: "Stopped after device reboot"})
				return
			}
			continue
		}
		if !mode.Has(proto.ModeStopped) {
			continue
		}
		f.classifyAndEmitStop(ctx, mode)
		return
	}
}

func (f *Facade) classifyAndEmitStop(ctx context.Context, mode proto.ExecutionMode) {
	threads, err := f.device.GetThreadList(ctx)
	if err != nil {
		threads = nil
	}
	var threadID uint32
	if len(threads) > 0 {
		threadID = threads[0]
	}

	status, hasStatus, err := f.device.GetBreakpointStatus(ctx)
	reason := dap.StopStep
	var hitIDs []int32
	switch {
	case mode.Has(proto.ModeExceptionThrown):
		reason = dap.StopException
	case err != nil || !hasStatus:
		reason = dap.StopPause
	case status.ID >= 1:
		reason = dap.StopBreakpoint
		hitIDs = []int32{int32(status.ID)}
	default:
		reason = dap.StopStep
	}

	f.mu.Lock()
	f.state = StateStopped
	f.stoppedThreadID = threadID
	f.lastThreadList = threads
	f.mu.Unlock()

	f.emit(dap.Event{Kind: dap.EventStopped, Reason: reason, ThreadID: threadID, AllThreadsStopped: true, HitBreakpointIDs: hitIDs})
}

// recoverFromReboot implements the §4.5 device-reboot recovery routine:
// wait for connectivity, re-enable source-level debugging, re-query
// assemblies, and reapply breakpoints.
func (f *Facade) recoverFromReboot(ctx context.Context) error {
	f.logger.Debug("recovering from device reboot")
	deadline := time.Now().Add(rebootRecoveryTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if _, err := f.device.GetExecutionMode(ctx); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%w: device did not reconnect: %v", proto.ErrDeviceRebooted, lastErr)
	}
	if err := f.device.UpdateDebugFlags(ctx); err != nil {
		return err
	}
	if err := f.reloadAssemblies(ctx); err != nil {
		return err
	}
	if err := f.installExceptionDescriptors(ctx); err != nil {
		return err
	}
	return f.bpMgr.ReapplyAllAfterReboot(ctx)
}

// Continue resumes execution and starts a fresh poller (§4.5).
func (f *Facade) Continue(ctx context.Context) error {
	f.logger.Debug("continue")
	f.stopPoller()
	f.vars.InvalidateAll()
	if err := f.device.Resume(ctx); err != nil {
		return fmt.Errorf("%w: resume failed: %v", proto.ErrTransport, err)
	}
	f.startPoller()
	return nil
}

// Pause cancels the poller, pauses the device, and synchronously emits
// stopped{pause} (§4.5 Cancellation).
func (f *Facade) Pause(ctx context.Context) error {
	f.logger.Debug("pause")
	f.stopPoller()
	if err := f.device.Pause(ctx); err != nil {
		return fmt.Errorf("%w: pause failed: %v", proto.ErrTransport, err)
	}
	threads, err := f.device.GetThreadList(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", proto.ErrTransport, err)
	}
	var threadID uint32
	if len(threads) > 0 {
		threadID = threads[0]
	}
	f.mu.Lock()
	f.state = StateStopped
	f.stoppedThreadID = threadID
	f.lastThreadList = threads
	f.mu.Unlock()
	f.emit(dap.Event{Kind: dap.EventStopped, Reason: dap.StopPause, ThreadID: threadID, AllThreadsStopped: true})
	return nil
}

// StepOver, StepIn, and StepOut drive the Stepping Engine for threadID and
// emit the resulting stopped event. A transport/connectivity failure mid-step
// is recovered internally per §4.5/§7: no error surfaces to the caller.
func (f *Facade) StepOver(ctx context.Context, threadID uint32) error {
	return f.doStep(ctx, func(ctx context.Context) (*stepping.Result, error) { return f.stepEng.StepOver(ctx, threadID) })
}

func (f *Facade) StepIn(ctx context.Context, threadID uint32) error {
	return f.doStep(ctx, func(ctx context.Context) (*stepping.Result, error) { return f.stepEng.StepIn(ctx, threadID) })
}

func (f *Facade) StepOut(ctx context.Context, threadID uint32) error {
	return f.doStep(ctx, func(ctx context.Context) (*stepping.Result, error) { return f.stepEng.StepOut(ctx, threadID) })
}

func (f *Facade) doStep(ctx context.Context, op func(context.Context) (*stepping.Result, error)) error {
	f.logger.Debug("step")
	f.stopPoller()
	f.vars.InvalidateAll()
	result, err := op(ctx)
	if err != nil {
		if errors.Is(err, proto.ErrTransport) || errors.Is(err, proto.ErrNotConnected) {
			if recErr := f.recoverFromReboot(ctx); recErr != nil {
				return fmt.Errorf("%w: recovery failed: %v", proto.ErrDeviceRebooted, recErr)
			}
			f.setState(StateStopped)
			f.emit(dap.Event{Kind: dap.EventStopped, Reason: dap.StopStep, Text: "Stopped after device reboot"})
			return nil
		}
		return err
	}

	reason := dap.StopStep
	switch result.Reason {
	case stepping.StopBreakpoint:
		reason = dap.StopBreakpoint
	case stepping.StopException:
		reason = dap.StopException
	}
	hitIDs := append([]int32(nil), result.HitBreakpointIDs...)

	f.mu.Lock()
	f.state = StateStopped
	f.stoppedThreadID = result.ThreadID
	f.mu.Unlock()

	f.emit(dap.Event{Kind: dap.EventStopped, Reason: reason, ThreadID: result.ThreadID, AllThreadsStopped: true, HitBreakpointIDs: hitIDs, Text: result.Warning})
	return nil
}

// Threads returns the device's current thread list.
func (f *Facade) Threads(ctx context.Context) ([]dap.Thread, error) {
	ids, err := f.device.GetThreadList(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrTransport, err)
	}
	out := make([]dap.Thread, len(ids))
	for i, id := range ids {
		out[i] = dap.Thread{ID: id, Name: fmt.Sprintf("Thread %d", id)}
	}
	return out, nil
}

// StackTrace walks threadID's call stack, attaching source coordinates
// where symbols resolve (§7: unresolved frames carry no source) and
// allocating a FrameHandle per frame for subsequent GetScopes calls.
func (f *Facade) StackTrace(ctx context.Context, threadID uint32) ([]dap.StackFrame, error) {
	frames, err := f.device.GetThreadStack(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", proto.ErrTransport, err)
	}
	out := make([]dap.StackFrame, len(frames))
	for depth := range frames {
		info, err := f.device.GetStackFrameInfo(ctx, threadID, depth)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", proto.ErrTransport, err)
		}

		name := info.MethodIndex.String()
		if methodName, err := f.device.GetMethodName(ctx, info.MethodIndex, false); err == nil && methodName != "" {
			name = methodName
		}

		frame := dap.StackFrame{Name: name}
		assemblyName := ""
		if entry, ok := f.registry.GetAssemblyByDeviceIndex(info.MethodIndex.AssemblyIndex()); ok {
			assemblyName = entry.Name
			if loc, ok := f.resolver.GetSourceLocation(entry.Name, info.MethodIndex, info.IP); ok {
				frame.Source = loc.File
				frame.Line = loc.Line
			}
		}
		frame.FrameRef = f.vars.NewFrame(threadID, depth, info.MethodIndex, assemblyName)
		out[depth] = frame
	}
	return out, nil
}

// Scopes returns the Locals/Arguments scopes for a frame (§4.7).
func (f *Facade) Scopes(ctx context.Context, frameRef int) ([]dap.Scope, error) {
	scopes, err := f.vars.GetScopes(ctx, frameRef)
	if err != nil {
		return nil, err
	}
	out := make([]dap.Scope, len(scopes))
	for i, s := range scopes {
		out[i] = dap.Scope{Name: s.Name, Ref: s.Handle, Count: s.Count}
	}
	return out, nil
}

// Variables resolves a scope or value reference into its child variables
// (§4.7); ref may be either a ScopeHandle or a ValueHandle.
func (f *Facade) Variables(ctx context.Context, ref int, start, count int) ([]dap.Variable, error) {
	vars, err := f.vars.GetVariables(ctx, ref, start, count)
	if err != nil {
		if errors.Is(err, proto.ErrInvalidHandle) {
			vars, err = f.vars.Expand(ctx, ref)
		}
		if err != nil {
			return nil, err
		}
	}
	return toDapVariables(vars), nil
}

// Evaluate resolves a single-identifier expression against frameRef
// (§4.7).
func (f *Facade) Evaluate(ctx context.Context, expression string, frameRef int) (dap.Variable, error) {
	v, err := f.vars.Evaluate(ctx, expression, frameRef)
	if err != nil {
		return dap.Variable{}, err
	}
	return dap.Variable{Name: v.Name, Value: v.Value, TypeName: v.TypeName, Ref: v.Handle}, nil
}

// SetVariable writes a new primitive value into scopeRef's variable named
// name (§4.7).
func (f *Facade) SetVariable(ctx context.Context, scopeRef int, name, valueString string) (string, error) {
	return f.vars.SetVariable(ctx, scopeRef, name, valueString)
}

// Deploy writes blobs to the device and optionally reboots it afterward.
func (f *Facade) Deploy(ctx context.Context, blobs []proto.DeployBlob, rebootAfter, skipErase bool, progressCh chan<- proto.DeployProgress) error {
	f.logger.Debug("deploy", "blobs", len(blobs), "reboot_after", rebootAfter, "skip_erase", skipErase)
	if err := f.device.Deploy(ctx, blobs, rebootAfter, skipErase, progressCh); err != nil {
		return fmt.Errorf("%w: deploy failed: %v", proto.ErrTransport, err)
	}
	if rebootAfter {
		return f.reloadAssemblies(ctx)
	}
	return nil
}

// Reboot reboots the device per cfg.CLROnlyReboot and runs the same
// recovery routine as an in-step reboot, so the registry and breakpoints
// stay consistent afterward.
func (f *Facade) Reboot(ctx context.Context) error {
	f.logger.Debug("reboot requested")
	f.stopPoller()
	f.mu.Lock()
	opt := f.cfg.rebootOption()
	f.mu.Unlock()
	if err := f.device.Reboot(ctx, opt); err != nil {
		return fmt.Errorf("%w: reboot failed: %v", proto.ErrTransport, err)
	}
	return f.recoverFromReboot(ctx)
}

// Terminate disconnects and releases the session. It is the facade's final
// operation; the Facade is not reusable afterward.
func (f *Facade) Terminate(ctx context.Context) error {
	return f.Disconnect(ctx)
}

func toDapVariables(vars []variables.Variable) []dap.Variable {
	out := make([]dap.Variable, len(vars))
	for i, v := range vars {
		out[i] = dap.Variable{Name: v.Name, Value: v.Value, TypeName: v.TypeName, Ref: v.Handle}
	}
	return out
}
