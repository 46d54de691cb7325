package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nanoframework/nf-debug-bridge/pkg/dap"
	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopConn is a no-op io.ReadWriteCloser, just enough to back a *wire.Transport
// so Device.Transport().Close() has something real to call.
type nopConn struct{}

func (nopConn) Read(p []byte) (int, error)  { return 0, io.EOF }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

// fakeDevice is a scripted Device: most calls return canned values; Resume
// advances a cursor through a scripted stop sequence so the poller observes
// state changes without a real transport.
type fakeDevice struct {
	mu sync.Mutex

	transport *wire.Transport

	connectErr error
	modes      []proto.ExecutionMode // modes[cursor] is the current mode
	cursor     int
	status     proto.BreakpointStatus
	hasStatus  bool
	threads    []uint32

	assemblies []proto.AssemblyInfo

	// modeErrUntil, when non-zero, makes GetExecutionMode return
	// proto.ErrTransport for this many calls before it starts answering
	// from modes again, simulating a device reboot mid-poll.
	modeErrUntil int

	resumeCount int
	pauseCount  int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		transport: wire.NewTransport(nopConn{}, nil),
		modes:     []proto.ExecutionMode{proto.ExecutionMode(proto.ModeStopped)},
		threads:   []uint32{1},
	}
}

func (f *fakeDevice) Transport() *wire.Transport { return f.transport }

func (f *fakeDevice) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeDevice) GetExecutionMode(ctx context.Context) (proto.ExecutionMode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modeErrUntil > 0 {
		f.modeErrUntil--
		return 0, proto.ErrTransport
	}
	if f.cursor >= len(f.modes) {
		return f.modes[len(f.modes)-1], nil
	}
	return f.modes[f.cursor], nil
}

func (f *fakeDevice) Pause(ctx context.Context) error {
	f.mu.Lock()
	f.pauseCount++
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) Resume(ctx context.Context) error {
	f.mu.Lock()
	f.resumeCount++
	if f.cursor < len(f.modes)-1 {
		f.cursor++
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) SetBreakpoints(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error {
	return nil
}

func (f *fakeDevice) GetBreakpointStatus(ctx context.Context) (proto.BreakpointStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.hasStatus, nil
}

func (f *fakeDevice) GetThreadList(ctx context.Context) ([]uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads, nil
}

func (f *fakeDevice) GetThreadStack(ctx context.Context, pid uint32) ([]uint32, error) {
	return []uint32{0}, nil
}

func (f *fakeDevice) GetStackFrameInfo(ctx context.Context, pid uint32, depth int) (proto.StackFrameInfo, error) {
	return proto.StackFrameInfo{MethodIndex: proto.NewDeviceMethodIndex(1, 3)}, nil
}

func (f *fakeDevice) GetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int) (proto.RuntimeValue, error) {
	return proto.RuntimeValue{}, nil
}

func (f *fakeDevice) GetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor) (proto.RuntimeValue, error) {
	return proto.RuntimeValue{}, nil
}

func (f *fakeDevice) GetArrayElement(ctx context.Context, address uint32, index int) (proto.RuntimeValue, error) {
	return proto.RuntimeValue{}, nil
}

func (f *fakeDevice) GetObjectField(ctx context.Context, address uint32, offset int) (proto.RuntimeValue, error) {
	return proto.RuntimeValue{}, nil
}

func (f *fakeDevice) ResolveField(ctx context.Context, fd proto.FieldDescriptor) (proto.FieldInfo, error) {
	return proto.FieldInfo{}, nil
}

func (f *fakeDevice) ListFieldDescriptors(ctx context.Context, assemblyIdx proto.AssemblyIndex) ([]proto.FieldDescriptor, error) {
	return nil, nil
}

func (f *fakeDevice) SetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int, value proto.RuntimeValue) (proto.RuntimeValue, error) {
	return value, nil
}

func (f *fakeDevice) SetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor, value proto.RuntimeValue) (proto.RuntimeValue, error) {
	return value, nil
}

func (f *fakeDevice) GetMethodName(ctx context.Context, md proto.DeviceMethodIndex, fullyQualified bool) (string, error) {
	return "App.Program::Main", nil
}

func (f *fakeDevice) ResolveAllAssemblies(ctx context.Context) ([]proto.AssemblyInfo, error) {
	return f.assemblies, nil
}

func (f *fakeDevice) UpdateDebugFlags(ctx context.Context) error { return nil }

func (f *fakeDevice) SetExecutionMode(ctx context.Context, setMask, clearMask proto.ExecutionMode) error {
	return nil
}

func (f *fakeDevice) Reboot(ctx context.Context, option proto.RebootOption) error { return nil }

func (f *fakeDevice) Deploy(ctx context.Context, blobs []proto.DeployBlob, rebootAfter, skipErase bool, progressCh chan<- proto.DeployProgress) error {
	return nil
}

func waitForEvent(t *testing.T, events <-chan dap.Event, timeout time.Duration) dap.Event {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return dap.Event{}
	}
}

func TestConnectWithoutStopOnEntryResumesAndEmitsInitializedThenStopped(t *testing.T) {
	dev := newFakeDevice()
	dev.modes = []proto.ExecutionMode{
		proto.ExecutionMode(0), // running, after Connect's implicit Continue
		proto.ExecutionMode(proto.ModeStopped),
	}
	f := New(dev, nil)

	err := f.Connect(context.Background(), Config{})
	require.NoError(t, err)

	init := waitForEvent(t, f.Events(), time.Second)
	assert.Equal(t, dap.EventInitialized, init.Kind)

	stopped := waitForEvent(t, f.Events(), time.Second)
	assert.Equal(t, dap.EventStopped, stopped.Kind)
	assert.Equal(t, StateStopped, f.State())
}

func TestConnectWithStopOnEntryDoesNotResume(t *testing.T) {
	dev := newFakeDevice()
	f := New(dev, nil)

	err := f.Connect(context.Background(), Config{StopOnEntry: true})
	require.NoError(t, err)

	waitForEvent(t, f.Events(), time.Second) // initialized
	stopped := waitForEvent(t, f.Events(), time.Second)
	assert.Equal(t, dap.StopEntry, stopped.Reason)
	assert.Zero(t, dev.resumeCount, "stop_on_entry must not resume the device")
}

func TestPauseCancelsPollerAndEmitsStoppedPause(t *testing.T) {
	dev := newFakeDevice()
	dev.modes = []proto.ExecutionMode{proto.ExecutionMode(0)} // stays running
	f := New(dev, nil)
	require.NoError(t, f.Connect(context.Background(), Config{StopOnEntry: true}))
	waitForEvent(t, f.Events(), time.Second)
	waitForEvent(t, f.Events(), time.Second)

	require.NoError(t, f.Continue(context.Background()))
	require.NoError(t, f.Pause(context.Background()))

	evt := waitForEvent(t, f.Events(), time.Second)
	assert.Equal(t, dap.StopPause, evt.Reason)
	assert.Equal(t, 1, dev.pauseCount)
	assert.Equal(t, StateStopped, f.State())
}

func TestDisconnectWaitsForPollerExit(t *testing.T) {
	dev := newFakeDevice()
	dev.modes = []proto.ExecutionMode{proto.ExecutionMode(0), proto.ExecutionMode(proto.ModeStopped)}
	f := New(dev, nil)
	require.NoError(t, f.Connect(context.Background(), Config{StopOnEntry: true}))
	waitForEvent(t, f.Events(), time.Second)
	waitForEvent(t, f.Events(), time.Second)
	require.NoError(t, f.Continue(context.Background()))

	require.NoError(t, f.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, f.State())
}

func TestPollerRecoversFromDeviceReboot(t *testing.T) {
	dev := newFakeDevice()
	dev.modes = []proto.ExecutionMode{proto.ExecutionMode(0)} // stays running once Continue resumes
	dev.assemblies = []proto.AssemblyInfo{{Index: 1, Name: "App", Version: "1.0.0.0"}}
	f := New(dev, nil)
	require.NoError(t, f.Connect(context.Background(), Config{StopOnEntry: true}))
	waitForEvent(t, f.Events(), time.Second)
	waitForEvent(t, f.Events(), time.Second)

	dev.mu.Lock()
	dev.modeErrUntil = 1 // one poll tick reports the device gone, then it's back
	dev.mu.Unlock()

	require.NoError(t, f.Continue(context.Background()))

	evt := waitForEvent(t, f.Events(), 2*time.Second)
	assert.Equal(t, dap.EventStopped, evt.Kind)
	assert.Equal(t, dap.StopStep, evt.Reason)
	assert.Equal(t, "Stopped after device reboot", evt.Text)
	assert.Equal(t, StateStopped, f.State())
}

func TestRecoverFromRebootReloadsAssemblies(t *testing.T) {
	dev := newFakeDevice()
	dev.assemblies = []proto.AssemblyInfo{{Index: 1, Name: "App", Version: "1.0.0.0"}}
	f := New(dev, nil)
	require.NoError(t, f.recoverFromReboot(context.Background()))

	entry, ok := f.registry.GetAssemblyByDeviceIndex(1)
	require.True(t, ok)
	assert.Equal(t, "App", entry.Name)
}
