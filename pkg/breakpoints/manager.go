// Package breakpoints implements the Breakpoint Manager (C4): the set of
// user breakpoints (verified and pending), their device descriptors, and
// re-application across CLR reboots.
package breakpoints

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nanoframework/nf-debug-bridge/pkg/assembly"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/symbols"
)

// Breakpoint is a user breakpoint (§3). Verified breakpoints always carry a
// DeviceDescriptor that has been transmitted to the device.
type Breakpoint struct {
	ID         int
	SourcePath string
	Line       int
	Condition  string // accepted, never evaluated (§1 Non-goals)
	Verified   bool
	Message    string

	DeviceDescriptor *proto.DeviceBreakpointDescriptor
}

// DeviceSetter is the subset of wire.Device the manager needs: transmitting
// the replace-all breakpoint list. Defined as an interface here so tests can
// substitute a fake without depending on pkg/wire.
type DeviceSetter interface {
	SetBreakpoints(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error
}

// ChangeListener is notified whenever a breakpoint's verified/message state
// changes, so the facade can emit the northbound breakpoint{reason=changed}
// event (§6).
type ChangeListener func(bp Breakpoint)

// Manager owns the set of user breakpoints and keeps the device's active
// descriptor list exactly in sync with it (§4.4 invariants).
type Manager struct {
	mu       sync.Mutex
	byID     map[int]*Breakpoint
	nextID   int
	resolver *symbols.Resolver
	registry *assembly.Registry
	device   DeviceSetter

	// stepDescriptors are temporary, non-user descriptors the stepping
	// engine asks to have installed alongside verified breakpoints (§4.6).
	stepDescriptors []proto.DeviceBreakpointDescriptor

	// permanent holds descriptors installed for the lifetime of a session
	// (e.g. the exception-catching descriptors break_on_all/break_on_uncaught
	// plant at connect time), merged into every active list alongside user
	// breakpoints and step descriptors.
	permanent []proto.DeviceBreakpointDescriptor

	onChange ChangeListener
}

// NewManager creates a Breakpoint Manager wired to the given resolver,
// registry, and device.
func NewManager(resolver *symbols.Resolver, registry *assembly.Registry, device DeviceSetter) *Manager {
	return &Manager{
		byID:     make(map[int]*Breakpoint),
		nextID:   1,
		resolver: resolver,
		registry: registry,
		device:   device,
	}
}

// SetChangeListener installs the callback invoked when a breakpoint's
// verified state changes.
func (m *Manager) SetChangeListener(fn ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetBreakpoint implements the §4.4 algorithm: allocate an ID, try to
// resolve via the Symbol Resolver, and if resolved, push the updated active
// list to the device.
func (m *Manager) SetBreakpoint(ctx context.Context, file string, line int, condition string) (*Breakpoint, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	bp := &Breakpoint{ID: id, SourcePath: file, Line: line, Condition: condition}
	m.byID[id] = bp
	m.mu.Unlock()

	if err := m.resolveAndInstall(ctx, bp); err != nil {
		return bp, err
	}
	return bp, nil
}

// resolveAndInstall attempts to resolve bp against the Symbol Resolver and,
// on success, pushes the full active list to the device. On failure to
// resolve, bp is left pending (never an error — §7 "Symbol-resolution
// failures when setting a breakpoint downgrade to a pending breakpoint").
func (m *Manager) resolveAndInstall(ctx context.Context, bp *Breakpoint) error {
	loc, ok := m.resolver.GetBreakpointLocation(bp.SourcePath, bp.Line)
	if !ok {
		m.mu.Lock()
		bp.Verified = false
		bp.Message = "symbols not loaded"
		m.mu.Unlock()
		m.notify(*bp)
		return nil
	}

	assemblyIdx, ok := m.registry.GetAssemblyIndex(loc.AssemblyName)
	warning := ""
	if !ok {
		assemblyIdx = assembly.DefaultAssemblyIndex
		warning = fmt.Sprintf("assembly %q not registered; falling back to default assembly index", loc.AssemblyName)
	}

	descriptor := proto.DeviceBreakpointDescriptor{
		ID:           int32(bp.ID),
		Flags:        proto.FlagHard,
		ThreadFilter: proto.PIDAny,
		MethodIndex:  proto.NewDeviceMethodIndex(assemblyIdx, loc.MethodToken.MethodRow()),
		IP:           loc.ILOffset,
	}

	m.mu.Lock()
	bp.DeviceDescriptor = &descriptor
	bp.Line = loc.Line // the resolver may have rounded forward (§4.3)
	m.mu.Unlock()

	if err := m.pushActiveList(ctx); err != nil {
		m.mu.Lock()
		bp.Verified = false
		bp.DeviceDescriptor = nil
		bp.Message = "device rejected breakpoint"
		m.mu.Unlock()
		m.notify(*bp)
		return fmt.Errorf("%w: device rejected breakpoint at %s:%d", err, bp.SourcePath, bp.Line)
	}

	m.mu.Lock()
	bp.Verified = true
	if warning != "" {
		bp.Message = warning
	} else {
		bp.Message = ""
	}
	m.mu.Unlock()
	m.notify(*bp)
	return nil
}

// RemoveBreakpoint deletes bp and re-transmits the entire active list so the
// device's view converges (§4.4 invariant).
func (m *Manager) RemoveBreakpoint(ctx context.Context, id int) error {
	m.mu.Lock()
	_, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("breakpoint %d not found", id)
	}
	delete(m.byID, id)
	m.mu.Unlock()

	return m.pushActiveList(ctx)
}

// RebindPending re-resolves every pending (unverified) breakpoint, e.g.
// after new symbols are loaded (§4.4).
func (m *Manager) RebindPending(ctx context.Context) error {
	m.mu.Lock()
	var pending []*Breakpoint
	for _, bp := range m.byID {
		if !bp.Verified {
			pending = append(pending, bp)
		}
	}
	m.mu.Unlock()

	for _, bp := range pending {
		if err := m.resolveAndInstall(ctx, bp); err != nil {
			return err
		}
	}
	return nil
}

// ReapplyAllAfterReboot re-resolves every stored breakpoint (assembly
// indices may have shifted across a reboot) and re-transmits the list in one
// call (§4.4). Idempotent: running it twice in a row leaves the device
// descriptor list unchanged, since resolution is deterministic.
func (m *Manager) ReapplyAllAfterReboot(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Breakpoint, 0, len(m.byID))
	for _, bp := range m.byID {
		all = append(all, bp)
	}
	m.mu.Unlock()

	for _, bp := range all {
		loc, ok := m.resolver.GetBreakpointLocation(bp.SourcePath, bp.Line)
		if !ok {
			m.mu.Lock()
			bp.Verified = false
			bp.DeviceDescriptor = nil
			bp.Message = "symbols not loaded"
			m.mu.Unlock()
			continue
		}
		assemblyIdx, ok := m.registry.GetAssemblyIndex(loc.AssemblyName)
		if !ok {
			assemblyIdx = assembly.DefaultAssemblyIndex
		}
		descriptor := proto.DeviceBreakpointDescriptor{
			ID:           int32(bp.ID),
			Flags:        proto.FlagHard,
			ThreadFilter: proto.PIDAny,
			MethodIndex:  proto.NewDeviceMethodIndex(assemblyIdx, loc.MethodToken.MethodRow()),
			IP:           loc.ILOffset,
		}
		m.mu.Lock()
		bp.DeviceDescriptor = &descriptor
		bp.Verified = true
		bp.Line = loc.Line
		m.mu.Unlock()
	}

	return m.pushActiveList(ctx)
}

// SetStepDescriptors installs temporary step-related descriptors (§4.6) to
// be transmitted alongside verified user breakpoints, and immediately pushes
// the merged list to the device.
func (m *Manager) SetStepDescriptors(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error {
	m.mu.Lock()
	m.stepDescriptors = descriptors
	m.mu.Unlock()
	return m.pushActiveList(ctx)
}

// ClearStepDescriptors removes any installed step descriptors and restores
// the device's active list to the verified user breakpoints plus any
// permanent descriptors (§4.6 step 5).
func (m *Manager) ClearStepDescriptors(ctx context.Context) error {
	return m.SetStepDescriptors(ctx, nil)
}

// SetPermanentDescriptors installs descriptors that persist across steps and
// resumes (e.g. exception-catching descriptors driven by the break_on_all /
// break_on_uncaught configuration options), and immediately pushes the
// merged list to the device.
func (m *Manager) SetPermanentDescriptors(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error {
	m.mu.Lock()
	m.permanent = descriptors
	m.mu.Unlock()
	return m.pushActiveList(ctx)
}

// ActiveDescriptors returns the descriptor list that should currently be
// active on the device: every verified breakpoint, then any permanent
// descriptors, then any installed step descriptors (§4.4 invariant).
func (m *Manager) ActiveDescriptors() []proto.DeviceBreakpointDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeDescriptorsLocked()
}

// VerifiedDescriptors returns only the verified user breakpoints' device
// descriptors, excluding any transient step descriptors. The Stepping Engine
// uses this to apply the stop-classification rule of §4.6, which only
// considers user breakpoints, never internal step markers.
func (m *Manager) VerifiedDescriptors() []proto.DeviceBreakpointDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proto.DeviceBreakpointDescriptor
	ids := make([]int, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		bp := m.byID[id]
		if bp.Verified && bp.DeviceDescriptor != nil {
			out = append(out, *bp.DeviceDescriptor)
		}
	}
	return out
}

func (m *Manager) activeDescriptorsLocked() []proto.DeviceBreakpointDescriptor {
	var out []proto.DeviceBreakpointDescriptor
	ids := make([]int, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		bp := m.byID[id]
		if bp.Verified && bp.DeviceDescriptor != nil {
			out = append(out, *bp.DeviceDescriptor)
		}
	}
	out = append(out, m.permanent...)
	out = append(out, m.stepDescriptors...)
	return out
}

func (m *Manager) pushActiveList(ctx context.Context) error {
	m.mu.Lock()
	descriptors := m.activeDescriptorsLocked()
	m.mu.Unlock()
	return m.device.SetBreakpoints(ctx, descriptors)
}

func (m *Manager) notify(bp Breakpoint) {
	m.mu.Lock()
	listener := m.onChange
	m.mu.Unlock()
	if listener != nil {
		listener(bp)
	}
}

// List returns every breakpoint, sorted by ID.
func (m *Manager) List() []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Breakpoint, len(ids))
	for i, id := range ids {
		out[i] = *m.byID[id]
	}
	return out
}

// Get returns one breakpoint by ID.
func (m *Manager) Get(id int) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.byID[id]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}
