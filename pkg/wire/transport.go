// Package wire implements the framed request/reply transport to the device
// (C1 Wire Transport) and the typed device operations built on top of it.
//
// The byte-level framing here is a stand-in for the firmware's actual wire
// format (§6 treats the bit-exact framing as external and opaque); what this
// package guarantees is the contract §4.1 requires: every operation is
// request/reply with a sequence number, requests serialize on a per-connection
// lock, and a lost framing sync is reported as proto.ErrTransport without
// retrying the request. Nothing in this package reconnects on its own; the
// stream is re-established only by an explicit Transport.Reconnect call.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
)

// frameMagic marks the start of every frame, used to detect and resynchronize
// after a framing loss.
const frameMagic uint16 = 0x4E46 // "NF"

// OpCode identifies a device operation in the frame header.
type OpCode uint16

const (
	OpConnect OpCode = iota + 1
	OpGetExecutionMode
	OpPause
	OpResume
	OpSetBreakpoints
	OpGetBreakpointStatus
	OpGetThreadList
	OpGetThreadStack
	OpGetStackFrameInfo
	OpGetStackFrameValue
	OpGetStaticFieldValue
	OpResolveType
	OpResolveField
	OpResolveAllAssemblies
	OpUpdateDebugFlags
	OpSetExecutionMode
	OpReboot
	OpDeployChunk
	OpGetMethodName
	OpGetArrayElement
	OpGetObjectField
	OpListFieldDescriptors
	OpSetStackFrameValue
	OpSetStaticFieldValue
	OpMessageOutput // asynchronous, device-initiated
)

// ReplyStatus is the single byte carried by every reply (§4.1 "success flag
// or a typed result; no partial results").
type ReplyStatus byte

const (
	StatusOK ReplyStatus = iota
	StatusRejected
)

// Frame is one request or reply unit on the wire.
type Frame struct {
	Seq     uint32
	Op      OpCode
	Status  ReplyStatus
	Payload []byte
}

// Conn is the minimal byte-stream abstraction a Transport is built on; both
// the TCP dialer and the serial dialer in this package satisfy it, and tests
// substitute an in-memory pipe.
type Conn interface {
	io.ReadWriteCloser
}

// Transport owns the byte stream and the request-dispatch mutex (§3
// "Wire Transport owns the byte stream and a request-dispatch mutex").
// It frames requests, matches replies by sequence number, and returns an
// error wrapping proto.ErrTransport on any framing desynchronization
// so the caller can reconnect instead of retrying the offending request.
type Transport struct {
	mu       sync.Mutex
	conn     Conn
	reader   *bufio.Reader
	nextSeq  atomic.Uint32
	messages chan MessageEvent

	connectFn func(ctx context.Context) (Conn, error)
}

// MessageEvent is an asynchronous message-output event from the device (§4.1).
type MessageEvent struct {
	Text string
}

// NewTransport wraps an already-established connection. connectFn, if
// non-nil, is used by Reconnect to re-establish the stream after a framing
// loss or disconnect.
func NewTransport(conn Conn, connectFn func(ctx context.Context) (Conn, error)) *Transport {
	t := &Transport{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		messages:  make(chan MessageEvent, 16),
		connectFn: connectFn,
	}
	return t
}

// Messages returns the channel of asynchronous device message-output events.
func (t *Transport) Messages() <-chan MessageEvent {
	return t.messages
}

// Reconnect tears down the current connection (if any) and dials a fresh one
// via the configured connectFn. It does not retry the request that triggered
// the reconnect — per §4.1, a lost framing sync triggers reconnect, never
// retry of the offending request.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connectFn == nil {
		return fmt.Errorf("%w: no reconnect strategy configured", proto.ErrTransport)
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	conn, err := t.connectFn(ctx)
	if err != nil {
		return fmt.Errorf("%w: reconnect failed: %v", proto.ErrTransport, err)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Request sends op with payload and returns the matching reply, serialized
// against every other caller on this Transport via the dispatch mutex.
// A deadline from ctx is honored if the underlying Conn supports
// net.Conn-style deadlines; on a Conn without SetDeadline, ctx is not
// consulted.
func (t *Transport) Request(ctx context.Context, op OpCode, payload []byte) (Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return Frame{}, fmt.Errorf("%w: transport has no connection", proto.ErrTransport)
	}
	if dc, ok := t.conn.(interface{ SetDeadline(time.Time) error }); ok {
		deadline, _ := ctx.Deadline() // zero time clears any previous deadline
		_ = dc.SetDeadline(deadline)
	}

	seq := t.nextSeq.Add(1)
	if err := writeFrame(t.conn, Frame{Seq: seq, Op: op, Payload: payload}); err != nil {
		return Frame{}, fmt.Errorf("%w: write failed: %v", proto.ErrTransport, err)
	}

	for {
		reply, err := readFrame(t.reader)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: read failed: %v", proto.ErrTransport, err)
		}
		if reply.Op == OpMessageOutput {
			select {
			case t.messages <- MessageEvent{Text: string(reply.Payload)}:
			default:
			}
			continue
		}
		if reply.Seq != seq {
			// A reply for a different sequence number means the stream is out
			// of sync with our expectations; surface it as a transport error
			// rather than silently discarding it.
			return Frame{}, fmt.Errorf("%w: reply sequence mismatch: got %d want %d", proto.ErrTransport, reply.Seq, seq)
		}
		return reply, nil
	}
}

func writeFrame(w io.Writer, f Frame) error {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint16(header[0:2], frameMagic)
	binary.LittleEndian.PutUint32(header[2:6], f.Seq)
	binary.LittleEndian.PutUint16(header[6:8], uint16(f.Op))
	header[8] = byte(f.Status)
	binary.LittleEndian.PutUint16(header[9:11], uint16(len(f.Payload)))
	header[11] = 0
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func readFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	magic := binary.LittleEndian.Uint16(header[0:2])
	if magic != frameMagic {
		return Frame{}, fmt.Errorf("bad frame magic 0x%04X", magic)
	}
	f := Frame{
		Seq:    binary.LittleEndian.Uint32(header[2:6]),
		Op:     OpCode(binary.LittleEndian.Uint16(header[6:8])),
		Status: ReplyStatus(header[8]),
	}
	payloadLen := binary.LittleEndian.Uint16(header[9:11])
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Default per-operation timeouts (§5): connect ~5s, step waits ~10/20s,
// typical queries ~2s.
const (
	TimeoutConnect      = 5 * time.Second
	TimeoutQuery        = 2 * time.Second
	TimeoutStepWait     = 10 * time.Second
	TimeoutStepOverWait = 20 * time.Second
)

// WithTimeout is a small helper wrapping context.WithTimeout for the
// operation timeouts above.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
