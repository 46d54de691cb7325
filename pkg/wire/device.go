package wire

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
)

// Device exposes the typed operations of §4.1 against a Transport. Device
// itself holds no execution state; every method other than Deploy (one
// round trip per chunk) is a single framed request/reply round trip.
type Device struct {
	t *Transport
}

// NewDevice wraps a Transport with the typed device operation surface.
func NewDevice(t *Transport) *Device {
	return &Device{t: t}
}

// Transport returns the underlying Transport, e.g. to call Reconnect or
// observe Messages().
func (d *Device) Transport() *Transport {
	return d.t
}

func (d *Device) call(ctx context.Context, op OpCode, payload []byte) (Frame, error) {
	reply, err := d.t.Request(ctx, op, payload)
	if err != nil {
		return Frame{}, err
	}
	if reply.Status != StatusOK {
		return Frame{}, fmt.Errorf("%w: operation %d", proto.ErrProtocolRejected, op)
	}
	return reply, nil
}

// Connect performs the initial handshake with the device.
func (d *Device) Connect(ctx context.Context) error {
	_, err := d.call(ctx, OpConnect, nil)
	return err
}

// GetExecutionMode returns the device's current execution-mode bitmask.
func (d *Device) GetExecutionMode(ctx context.Context) (proto.ExecutionMode, error) {
	reply, err := d.call(ctx, OpGetExecutionMode, nil)
	if err != nil {
		return 0, err
	}
	if len(reply.Payload) < 4 {
		return 0, fmt.Errorf("%w: short execution mode reply", proto.ErrTransport)
	}
	return proto.ExecutionMode(binary.LittleEndian.Uint32(reply.Payload)), nil
}

// Pause requests the device stop execution.
func (d *Device) Pause(ctx context.Context) error {
	_, err := d.call(ctx, OpPause, nil)
	return err
}

// Resume requests the device continue execution.
func (d *Device) Resume(ctx context.Context) error {
	_, err := d.call(ctx, OpResume, nil)
	return err
}

// SetBreakpoints replaces the device's entire active breakpoint/step-marker
// set in one call (§4.1 "idempotent replace-all").
func (d *Device) SetBreakpoints(ctx context.Context, descriptors []proto.DeviceBreakpointDescriptor) error {
	payload := make([]byte, 0, 4+len(descriptors)*28)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(descriptors)))
	for _, bp := range descriptors {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(bp.ID))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(bp.Flags))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(bp.ThreadFilter))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(bp.StackDepth))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(bp.MethodIndex))
		payload = binary.LittleEndian.AppendUint32(payload, bp.IP)
		payload = binary.LittleEndian.AppendUint32(payload, bp.IPStart)
		payload = binary.LittleEndian.AppendUint32(payload, bp.IPEnd)
	}
	_, err := d.call(ctx, OpSetBreakpoints, payload)
	return err
}

// GetBreakpointStatus returns the status of the most recent stop, if the
// device has one to report.
func (d *Device) GetBreakpointStatus(ctx context.Context) (proto.BreakpointStatus, bool, error) {
	reply, err := d.call(ctx, OpGetBreakpointStatus, nil)
	if err != nil {
		return proto.BreakpointStatus{}, false, err
	}
	if len(reply.Payload) == 0 {
		return proto.BreakpointStatus{}, false, nil
	}
	if len(reply.Payload) < 14 {
		return proto.BreakpointStatus{}, false, fmt.Errorf("%w: short breakpoint status reply", proto.ErrTransport)
	}
	status := proto.BreakpointStatus{
		ID:          int16(binary.LittleEndian.Uint16(reply.Payload[0:2])),
		Flags:       proto.BreakpointFlag(binary.LittleEndian.Uint32(reply.Payload[2:6])),
		MethodIndex: proto.DeviceMethodIndex(binary.LittleEndian.Uint32(reply.Payload[6:10])),
		IP:          binary.LittleEndian.Uint32(reply.Payload[10:14]),
	}
	return status, true, nil
}

// GetThreadList returns the device's current thread IDs.
func (d *Device) GetThreadList(ctx context.Context) ([]uint32, error) {
	reply, err := d.call(ctx, OpGetThreadList, nil)
	if err != nil {
		return nil, err
	}
	return decodeUint32Slice(reply.Payload)
}

// GetThreadStack returns the stack-frame addresses for a thread, innermost
// first (stack depth 0 = innermost).
func (d *Device) GetThreadStack(ctx context.Context, pid uint32) ([]uint32, error) {
	payload := binary.LittleEndian.AppendUint32(nil, pid)
	reply, err := d.call(ctx, OpGetThreadStack, payload)
	if err != nil {
		return nil, err
	}
	return decodeUint32Slice(reply.Payload)
}

// GetStackFrameInfo returns the argument/local counts and current IP for a
// stack frame.
func (d *Device) GetStackFrameInfo(ctx context.Context, pid uint32, depth int) (proto.StackFrameInfo, error) {
	payload := binary.LittleEndian.AppendUint32(nil, pid)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(depth))
	reply, err := d.call(ctx, OpGetStackFrameInfo, payload)
	if err != nil {
		return proto.StackFrameInfo{}, err
	}
	if len(reply.Payload) < 20 {
		return proto.StackFrameInfo{}, fmt.Errorf("%w: short stack frame info reply", proto.ErrTransport)
	}
	return proto.StackFrameInfo{
		NumArguments: int(binary.LittleEndian.Uint32(reply.Payload[0:4])),
		NumLocals:    int(binary.LittleEndian.Uint32(reply.Payload[4:8])),
		EvalDepth:    int(binary.LittleEndian.Uint32(reply.Payload[8:12])),
		MethodIndex:  proto.DeviceMethodIndex(binary.LittleEndian.Uint32(reply.Payload[12:16])),
		IP:           binary.LittleEndian.Uint32(reply.Payload[16:20]),
	}, nil
}

// GetStackFrameValue reads a single local or argument slot of a stack frame.
func (d *Device) GetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int) (proto.RuntimeValue, error) {
	payload := binary.LittleEndian.AppendUint32(nil, pid)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(depth))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(kind))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(index))
	reply, err := d.call(ctx, OpGetStackFrameValue, payload)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	return decodeRuntimeValue(reply.Payload)
}

// GetStaticFieldValue reads the current value of a static field.
func (d *Device) GetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor) (proto.RuntimeValue, error) {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(fd))
	reply, err := d.call(ctx, OpGetStaticFieldValue, payload)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	return decodeRuntimeValue(reply.Payload)
}

// ResolveType resolves a type descriptor to its display name.
func (d *Device) ResolveType(ctx context.Context, td proto.TypeDescriptor) (proto.TypeInfo, error) {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(td))
	reply, err := d.call(ctx, OpResolveType, payload)
	if err != nil {
		return proto.TypeInfo{}, err
	}
	if len(reply.Payload) < 5 {
		return proto.TypeInfo{}, fmt.Errorf("%w: short resolve-type reply", proto.ErrTransport)
	}
	isArray := reply.Payload[0] != 0
	elementTD := binary.LittleEndian.Uint32(reply.Payload[1:5])
	name, err := decodeString(reply.Payload[5:])
	if err != nil {
		return proto.TypeInfo{}, err
	}
	return proto.TypeInfo{Name: name, IsArray: isArray, ElementTD: proto.TypeDescriptor(elementTD)}, nil
}

// ResolveField resolves a field descriptor to its declaring type, offset and
// fully-qualified name ("Namespace.Type::Field").
func (d *Device) ResolveField(ctx context.Context, fd proto.FieldDescriptor) (proto.FieldInfo, error) {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(fd))
	reply, err := d.call(ctx, OpResolveField, payload)
	if err != nil {
		return proto.FieldInfo{}, err
	}
	if len(reply.Payload) < 8 {
		return proto.FieldInfo{}, fmt.Errorf("%w: short resolve-field reply", proto.ErrTransport)
	}
	declaringType := binary.LittleEndian.Uint32(reply.Payload[0:4])
	offset := int(int32(binary.LittleEndian.Uint32(reply.Payload[4:8])))
	name, err := decodeString(reply.Payload[8:])
	if err != nil {
		return proto.FieldInfo{}, err
	}
	return proto.FieldInfo{DeclaringType: proto.TypeDescriptor(declaringType), Offset: offset, Name: name}, nil
}

// ResolveAllAssemblies returns every assembly currently loaded on the device.
func (d *Device) ResolveAllAssemblies(ctx context.Context) ([]proto.AssemblyInfo, error) {
	reply, err := d.call(ctx, OpResolveAllAssemblies, nil)
	if err != nil {
		return nil, err
	}
	buf := reply.Payload
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: short assembly list reply", proto.ErrTransport)
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	result := make([]proto.AssemblyInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated assembly list", proto.ErrTransport)
		}
		idx := binary.LittleEndian.Uint32(buf)
		buf = buf[4:]
		name, rest, err := decodeStringAdvance(buf)
		if err != nil {
			return nil, err
		}
		buf = rest
		version, rest, err := decodeStringAdvance(buf)
		if err != nil {
			return nil, err
		}
		buf = rest
		result = append(result, proto.AssemblyInfo{Index: proto.AssemblyIndex(idx), Name: name, Version: version})
	}
	return result, nil
}

// UpdateDebugFlags pushes any pending debug-flag changes to the device.
func (d *Device) UpdateDebugFlags(ctx context.Context) error {
	_, err := d.call(ctx, OpUpdateDebugFlags, nil)
	return err
}

// SetExecutionMode ORs setMask into, and clears clearMask from, the device's
// execution-mode bitmask.
func (d *Device) SetExecutionMode(ctx context.Context, setMask, clearMask proto.ExecutionMode) error {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(setMask))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(clearMask))
	_, err := d.call(ctx, OpSetExecutionMode, payload)
	return err
}

// Reboot reboots the device, optionally just the managed runtime.
func (d *Device) Reboot(ctx context.Context, option proto.RebootOption) error {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(option))
	_, err := d.call(ctx, OpReboot, payload)
	return err
}

// Deploy writes blobs to the device, reporting progress on progressCh (which
// may be nil). If rebootAfter is set, the device reboots once the last blob
// is written.
func (d *Device) Deploy(ctx context.Context, blobs []proto.DeployBlob, rebootAfter, skipErase bool, progressCh chan<- proto.DeployProgress) error {
	totalBytes := 0
	for _, b := range blobs {
		totalBytes += len(b.Data)
	}
	sentBytes := 0

	const chunkSize = 2048
	for i, blob := range blobs {
		for offset := 0; offset < len(blob.Data) || len(blob.Data) == 0; offset += chunkSize {
			end := offset + chunkSize
			if end > len(blob.Data) {
				end = len(blob.Data)
			}
			chunk := blob.Data[offset:end]

			payload := make([]byte, 0, len(chunk)+16)
			payload = binary.LittleEndian.AppendUint32(payload, uint32(i))
			payload = binary.LittleEndian.AppendUint32(payload, uint32(offset))
			last := end == len(blob.Data)
			finalBlob := i == len(blobs)-1
			flags := uint32(0)
			if last && finalBlob {
				if rebootAfter {
					flags |= 1
				}
				if skipErase {
					flags |= 2
				}
			}
			payload = binary.LittleEndian.AppendUint32(payload, flags)
			payload = binary.LittleEndian.AppendUint32(payload, uint32(len(chunk)))
			payload = append(payload, chunk...)

			if _, err := d.call(ctx, OpDeployChunk, payload); err != nil {
				return fmt.Errorf("deploy blob %q chunk at %d: %w", blob.Name, offset, err)
			}

			sentBytes += len(chunk)
			if progressCh != nil {
				select {
				case progressCh <- proto.DeployProgress{
					BlobIndex:  i,
					BlobCount:  len(blobs),
					BytesSent:  sentBytes,
					BytesTotal: totalBytes,
					Message:    fmt.Sprintf("writing %s", blob.Name),
				}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if len(blob.Data) == 0 {
				break
			}
		}
	}
	return nil
}

// GetArrayElement reads element index of the array value living at address
// (§4.7 "arr.get_element(i)"). address is the opaque RuntimeValue.Address of
// the array value being expanded.
func (d *Device) GetArrayElement(ctx context.Context, address uint32, index int) (proto.RuntimeValue, error) {
	payload := binary.LittleEndian.AppendUint32(nil, address)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(index))
	reply, err := d.call(ctx, OpGetArrayElement, payload)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	return decodeRuntimeValue(reply.Payload)
}

// GetObjectField reads the field at offset of the object value living at
// address (§4.7 field/object expansion).
func (d *Device) GetObjectField(ctx context.Context, address uint32, offset int) (proto.RuntimeValue, error) {
	payload := binary.LittleEndian.AppendUint32(nil, address)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(offset))
	reply, err := d.call(ctx, OpGetObjectField, payload)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	return decodeRuntimeValue(reply.Payload)
}

// ListFieldDescriptors returns every field descriptor declared in the given
// assembly, the raw material the Variable Inspector resolves into a per-type
// field table (§4.7).
func (d *Device) ListFieldDescriptors(ctx context.Context, assemblyIdx proto.AssemblyIndex) ([]proto.FieldDescriptor, error) {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(assemblyIdx))
	reply, err := d.call(ctx, OpListFieldDescriptors, payload)
	if err != nil {
		return nil, err
	}
	raw, err := decodeUint32Slice(reply.Payload)
	if err != nil {
		return nil, err
	}
	out := make([]proto.FieldDescriptor, len(raw))
	for i, v := range raw {
		out[i] = proto.FieldDescriptor(v)
	}
	return out, nil
}

// SetStackFrameValue writes a primitive value into a local or argument slot
// and returns the value as the device now holds it (§4.7 set_variable).
func (d *Device) SetStackFrameValue(ctx context.Context, pid uint32, depth int, kind proto.ValueKind, index int, value proto.RuntimeValue) (proto.RuntimeValue, error) {
	payload := binary.LittleEndian.AppendUint32(nil, pid)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(depth))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(kind))
	payload = binary.LittleEndian.AppendUint32(payload, uint32(index))
	payload = append(payload, encodeRuntimeValue(value)...)
	reply, err := d.call(ctx, OpSetStackFrameValue, payload)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	return decodeRuntimeValue(reply.Payload)
}

// SetStaticFieldValue writes a primitive value into a static field and
// returns the value as the device now holds it (§4.7 set_variable).
func (d *Device) SetStaticFieldValue(ctx context.Context, fd proto.FieldDescriptor, value proto.RuntimeValue) (proto.RuntimeValue, error) {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(fd))
	payload = append(payload, encodeRuntimeValue(value)...)
	reply, err := d.call(ctx, OpSetStaticFieldValue, payload)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	return decodeRuntimeValue(reply.Payload)
}

// GetMethodName resolves a device method index to a method name, optionally
// including the declaring type and namespace.
func (d *Device) GetMethodName(ctx context.Context, md proto.DeviceMethodIndex, fullyQualified bool) (string, error) {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(md))
	fq := byte(0)
	if fullyQualified {
		fq = 1
	}
	payload = append(payload, fq)
	reply, err := d.call(ctx, OpGetMethodName, payload)
	if err != nil {
		return "", err
	}
	return decodeString(reply.Payload)
}

func decodeUint32Slice(buf []byte) ([]uint32, error) {
	if len(buf) < 4 {
		if len(buf) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: short uint32 slice header", proto.ErrTransport)
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < count*4 {
		return nil, fmt.Errorf("%w: truncated uint32 slice", proto.ErrTransport)
	}
	out := make([]uint32, count)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out, nil
}

func decodeString(buf []byte) (string, error) {
	s, _, err := decodeStringAdvance(buf)
	return s, err
}

func decodeStringAdvance(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("%w: short string header", proto.ErrTransport)
	}
	n := binary.LittleEndian.Uint16(buf)
	buf = buf[2:]
	if len(buf) < int(n) {
		return "", nil, fmt.Errorf("%w: truncated string", proto.ErrTransport)
	}
	return string(buf[:n]), buf[n:], nil
}

// encodeRuntimeValue is the write-side mirror of decodeRuntimeValue, used to
// send an updated primitive value back to the device (§4.7 set_variable).
func encodeRuntimeValue(v proto.RuntimeValue) []byte {
	flags := byte(0)
	if v.IsNull {
		flags |= 1
	}
	if v.IsPrimitive {
		flags |= 2
	}
	if v.IsValueType {
		flags |= 4
	}
	if v.IsArray {
		flags |= 8
	}
	if v.IsBoxed {
		flags |= 16
	}
	buf := []byte{flags}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.TypeDescriptor))
	buf = binary.LittleEndian.AppendUint64(buf, v.NumericPayload)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.FieldCount))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(v.ArrayLength))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v.DataType)))
	buf = append(buf, v.DataType...)
	if v.HasStringPayload {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v.StringPayload)))
		buf = append(buf, v.StringPayload...)
	}
	return buf
}

func decodeRuntimeValue(buf []byte) (proto.RuntimeValue, error) {
	if len(buf) < 21 {
		return proto.RuntimeValue{}, fmt.Errorf("%w: short runtime value reply", proto.ErrTransport)
	}
	flags := buf[0]
	v := proto.RuntimeValue{
		IsNull:      flags&1 != 0,
		IsPrimitive: flags&2 != 0,
		IsValueType: flags&4 != 0,
		IsArray:     flags&8 != 0,
		IsBoxed:     flags&16 != 0,
	}
	v.TypeDescriptor = proto.TypeDescriptor(binary.LittleEndian.Uint32(buf[1:5]))
	v.NumericPayload = binary.LittleEndian.Uint64(buf[5:13])
	v.FieldCount = int(binary.LittleEndian.Uint32(buf[13:17]))
	v.ArrayLength = int(binary.LittleEndian.Uint32(buf[17:21]))
	rest := buf[21:]
	name, rest, err := decodeStringAdvance(rest)
	if err != nil {
		return proto.RuntimeValue{}, err
	}
	v.DataType = name
	if len(rest) >= 2 {
		str, _, err := decodeStringAdvance(rest)
		if err == nil {
			v.StringPayload = str
			v.HasStringPayload = true
		}
	}
	return v, nil
}
