package breakpoints

import (
	"context"
	"testing"

	"github.com/nanoframework/nf-debug-bridge/pkg/assembly"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/symbols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	lastDescriptors []proto.DeviceBreakpointDescriptor
	calls           int
	rejectNext      bool
}

func (f *fakeDevice) SetBreakpoints(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error {
	f.calls++
	if f.rejectNext {
		f.rejectNext = false
		return proto.ErrProtocolRejected
	}
	f.lastDescriptors = descriptors
	return nil
}

func setup() (*Manager, *fakeDevice, *symbols.Resolver, *assembly.Registry) {
	resolver := symbols.NewResolver()
	method := &symbols.SymbolMethod{
		Token:      0x06000003,
		SourceFile: "Program.cs",
		Lines: []symbols.LineMapping{
			{ILOffset: 0x0010, Line: 10},
			{ILOffset: 0x0020, Line: 11},
		},
	}
	resolver.LoadSymbols("App", symbols.NewSymbolAssembly("App", []*symbols.SymbolMethod{method}))

	registry := assembly.NewRegistry()
	registry.RegisterDeviceAssembly("App", "1.0.0.0", 0, 1)

	dev := &fakeDevice{}
	mgr := NewManager(resolver, registry, dev)
	return mgr, dev, resolver, registry
}

func TestSetBreakpointResolvedIsVerifiedAndPushed(t *testing.T) {
	mgr, dev, _, _ := setup()

	bp, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)
	assert.True(t, bp.Verified)
	assert.Equal(t, 10, bp.Line)
	require.NotNil(t, bp.DeviceDescriptor)
	assert.Equal(t, proto.NewDeviceMethodIndex(1, 3), bp.DeviceDescriptor.MethodIndex)
	assert.Len(t, dev.lastDescriptors, 1)
}

func TestSetBreakpointUnresolvedIsPending(t *testing.T) {
	mgr, dev, _, _ := setup()

	bp, err := mgr.SetBreakpoint(context.Background(), "Missing.cs", 1, "")
	require.NoError(t, err)
	assert.False(t, bp.Verified)
	assert.Equal(t, "symbols not loaded", bp.Message)
	assert.Zero(t, dev.calls, "an unresolved breakpoint should never be transmitted")
}

func TestRemoveBreakpointRetransmitsFullList(t *testing.T) {
	mgr, dev, _, _ := setup()

	a, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)
	_, err = mgr.SetBreakpoint(context.Background(), "Program.cs", 11, "")
	require.NoError(t, err)
	assert.Len(t, dev.lastDescriptors, 2)

	require.NoError(t, mgr.RemoveBreakpoint(context.Background(), a.ID))
	assert.Len(t, dev.lastDescriptors, 1)
}

func TestRemoveAllBreakpointsYieldsEmptyDeviceList(t *testing.T) {
	mgr, dev, _, _ := setup()

	a, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)
	b, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 11, "")
	require.NoError(t, err)

	require.NoError(t, mgr.RemoveBreakpoint(context.Background(), a.ID))
	require.NoError(t, mgr.RemoveBreakpoint(context.Background(), b.ID))
	assert.Empty(t, dev.lastDescriptors)
}

func TestRebindPendingResolvesOnceSymbolsLoad(t *testing.T) {
	resolver := symbols.NewResolver()
	registry := assembly.NewRegistry()
	registry.RegisterDeviceAssembly("App", "1.0.0.0", 0, 1)
	dev := &fakeDevice{}
	mgr := NewManager(resolver, registry, dev)

	bp, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)
	assert.False(t, bp.Verified)

	method := &symbols.SymbolMethod{
		Token:      0x06000003,
		SourceFile: "Program.cs",
		Lines:      []symbols.LineMapping{{ILOffset: 0x0010, Line: 10}},
	}
	resolver.LoadSymbols("App", symbols.NewSymbolAssembly("App", []*symbols.SymbolMethod{method}))

	require.NoError(t, mgr.RebindPending(context.Background()))
	got, ok := mgr.Get(bp.ID)
	require.True(t, ok)
	assert.True(t, got.Verified)
	assert.Len(t, dev.lastDescriptors, 1)
}

func TestReapplyAllAfterRebootIsIdempotent(t *testing.T) {
	mgr, dev, _, _ := setup()

	_, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)

	require.NoError(t, mgr.ReapplyAllAfterReboot(context.Background()))
	first := append([]proto.DeviceBreakpointDescriptor(nil), dev.lastDescriptors...)

	require.NoError(t, mgr.ReapplyAllAfterReboot(context.Background()))
	assert.Equal(t, first, dev.lastDescriptors)
}

func TestReapplyAllAfterRebootUsesFallbackIndexWhenAssemblyUnregistered(t *testing.T) {
	resolver := symbols.NewResolver()
	method := &symbols.SymbolMethod{
		Token:      0x06000003,
		SourceFile: "Program.cs",
		Lines:      []symbols.LineMapping{{ILOffset: 0x0010, Line: 10}},
	}
	resolver.LoadSymbols("Unregistered", symbols.NewSymbolAssembly("Unregistered", []*symbols.SymbolMethod{method}))
	registry := assembly.NewRegistry()
	dev := &fakeDevice{}
	mgr := NewManager(resolver, registry, dev)

	bp, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)
	assert.True(t, bp.Verified)
	assert.Equal(t, assembly.DefaultAssemblyIndex, bp.DeviceDescriptor.MethodIndex.AssemblyIndex())

	require.NoError(t, mgr.ReapplyAllAfterReboot(context.Background()))
	require.Len(t, dev.lastDescriptors, 1)
	assert.Equal(t, assembly.DefaultAssemblyIndex, dev.lastDescriptors[0].MethodIndex.AssemblyIndex())
}

func TestSetStepDescriptorsAreMergedWithVerifiedBreakpoints(t *testing.T) {
	mgr, dev, _, _ := setup()

	_, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)

	step := []proto.DeviceBreakpointDescriptor{{ID: proto.StepMarkerID, Flags: proto.FlagStepOver}}
	require.NoError(t, mgr.SetStepDescriptors(context.Background(), step))
	assert.Len(t, dev.lastDescriptors, 2)

	require.NoError(t, mgr.ClearStepDescriptors(context.Background()))
	assert.Len(t, dev.lastDescriptors, 1)
}

func TestChangeListenerFiresOnVerifiedTransition(t *testing.T) {
	mgr, _, _, _ := setup()

	var seen []Breakpoint
	mgr.SetChangeListener(func(bp Breakpoint) { seen = append(seen, bp) })

	_, err := mgr.SetBreakpoint(context.Background(), "Program.cs", 10, "")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Verified)
}
