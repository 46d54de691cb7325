package proto

import "errors"

// Sentinel error kinds per the error handling design (§7). Callers should use
// errors.Is against these, since concrete errors are always wrapped with
// additional context via fmt.Errorf("%w: ...").
var (
	// ErrNotConnected means the operation requires an active session.
	ErrNotConnected = errors.New("not connected")
	// ErrTransport means framing loss, timeout, or underlying I/O error.
	ErrTransport = errors.New("transport error")
	// ErrProtocolRejected means the device replied "no" to an operation.
	ErrProtocolRejected = errors.New("device rejected operation")
	// ErrUnresolvedSymbol means a location could not be mapped in either direction.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrInvalidHandle means a frame/scope/value handle is stale.
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrUnsupportedEvaluation means the expression isn't a single identifier,
	// or the target of a write isn't primitive.
	ErrUnsupportedEvaluation = errors.New("unsupported evaluation")
	// ErrDeviceRebooted means a previously stable session lost CLR connectivity.
	ErrDeviceRebooted = errors.New("device rebooted")
)
