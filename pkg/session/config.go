package session

import "github.com/nanoframework/nf-debug-bridge/pkg/proto"

// Config carries the recognized configuration options (§6) that shape how a
// session behaves from Connect onward.
type Config struct {
	// StopOnEntry leaves the device stopped after connect and emits a
	// stopped{entry} event instead of resuming. No breakpoint is planted at
	// the program entry point.
	StopOnEntry bool
	// BreakOnAll installs exception-catching descriptors for every thrown
	// exception, caught or not.
	BreakOnAll bool
	// BreakOnUncaught installs exception-catching descriptors for uncaught
	// exceptions only. Ignored when BreakOnAll is set.
	BreakOnUncaught bool
	// CLROnlyReboot reboots just the managed runtime instead of the full
	// device on Reboot/redeploy.
	CLROnlyReboot bool
}

// rebootOption translates CLROnlyReboot into the device's reboot option.
func (c Config) rebootOption() proto.RebootOption {
	if c.CLROnlyReboot {
		return proto.RebootCLROnly
	}
	return proto.RebootNormal
}
