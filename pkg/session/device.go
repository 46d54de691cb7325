package session

import (
	"context"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/nanoframework/nf-debug-bridge/pkg/wire"
)

// Device is the full set of device operations the facade and its
// collaborators (Breakpoint Manager, Stepping Engine, Variable Inspector)
// need. *wire.Device satisfies it; tests substitute a fake. Declaring it
// here (rather than depending on pkg/wire's concrete type throughout) keeps
// the facade unit-testable without a real transport.
type Device interface {
	Connect(ctx context.Context) error
	GetExecutionMode(ctx context.Context) (proto.ExecutionMode, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetBreakpoints(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error
	GetBreakpointStatus(ctx context.Context) (proto.BreakpointStatus, bool, error)
	GetThreadList(ctx context.Context) ([]uint32, error)
	GetThreadStack(ctx context.Context, pid uint32) ([]uint32, error)
	GetStackFrameInfo(ctx context.Context, pid uint32, depth int) (proto.StackFrameInfo, error)
	GetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int) (proto.RuntimeValue, error)
	GetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor) (proto.RuntimeValue, error)
	GetArrayElement(ctx context.Context, address uint32, index int) (proto.RuntimeValue, error)
	GetObjectField(ctx context.Context, address uint32, offset int) (proto.RuntimeValue, error)
	ResolveField(ctx context.Context, fd proto.FieldDescriptor) (proto.FieldInfo, error)
	ListFieldDescriptors(ctx context.Context, assemblyIdx proto.AssemblyIndex) ([]proto.FieldDescriptor, error)
	SetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int, value proto.RuntimeValue) (proto.RuntimeValue, error)
	SetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor, value proto.RuntimeValue) (proto.RuntimeValue, error)
	GetMethodName(ctx context.Context, md proto.DeviceMethodIndex, fullyQualified bool) (string, error)
	ResolveAllAssemblies(ctx context.Context) ([]proto.AssemblyInfo, error)
	UpdateDebugFlags(ctx context.Context) error
	SetExecutionMode(ctx context.Context, setMask, clearMask proto.ExecutionMode) error
	Reboot(ctx context.Context, option proto.RebootOption) error
	Deploy(ctx context.Context, blobs []proto.DeployBlob, rebootAfter, skipErase bool, progressCh chan<- proto.DeployProgress) error
	Transport() *wire.Transport
}
