package wire

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Target describes where to reach the device: either a serial port name
// (e.g. "COM3", "/dev/ttyUSB0") or a "host:port" TCP address (§6 "device").
type Target struct {
	Address  string
	BaudRate int // only meaningful for serial targets; default 921600
}

// IsSerial reports whether the target looks like a serial port path rather
// than a host:port pair.
func (t Target) IsSerial() bool {
	if strings.Contains(t.Address, ":") {
		// "host:port" parses as two non-empty, non-path-like segments; serial
		// device paths never contain a colon on the platforms this bridge
		// targets (Windows "COM3", POSIX "/dev/ttyUSB0").
		return false
	}
	return true
}

// Dial opens a Conn to target, either via TCP or a serial port.
func Dial(ctx context.Context, target Target) (Conn, error) {
	if target.IsSerial() {
		return dialSerial(target)
	}
	return dialTCP(ctx, target)
}

func dialTCP(ctx context.Context, target Target) (Conn, error) {
	d := net.Dialer{Timeout: TimeoutConnect}
	conn, err := d.DialContext(ctx, "tcp", target.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", target.Address, err)
	}
	return conn, nil
}

func dialSerial(target Target) (Conn, error) {
	baud := target.BaudRate
	if baud == 0 {
		baud = 921600
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(target.Address, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", target.Address, err)
	}
	_ = port.SetReadTimeout(time.Second)
	return port, nil
}

// NewDialConnectFn builds a connectFn suitable for Transport.Reconnect that
// re-dials the same target on every call.
func NewDialConnectFn(target Target) func(ctx context.Context) (Conn, error) {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, target)
	}
}
