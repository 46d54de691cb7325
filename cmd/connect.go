package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/nanoframework/nf-debug-bridge/cmd/repl"
	"github.com/nanoframework/nf-debug-bridge/cmd/watch"
	"github.com/nanoframework/nf-debug-bridge/internal/config"
	"github.com/nanoframework/nf-debug-bridge/internal/logging"
	"github.com/nanoframework/nf-debug-bridge/pkg/session"
	"github.com/nanoframework/nf-debug-bridge/pkg/wire"
	"github.com/spf13/cobra"
)

var watchMode bool

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a device and start an interactive debug console",
	Long: `Connects to the device named by the "device" config option (a serial port
path or a host:port address), brings up the Execution State Machine, and hands
control to an interactive console (or, with --watch, a live dashboard).`,
	RunE: runConnect,
}

func init() {
	RootCmd.AddCommand(connectCmd)
	connectCmd.Flags().BoolVar(&watchMode, "watch", false, "show a live dashboard instead of the interactive console")
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Device == "" {
		return fmt.Errorf("no device configured: set \"device\" in the config file, NF_DEBUG_BRIDGE_DEVICE, or --device")
	}

	logger, closeLog, err := logging.New(logging.Verbosity(cfg.Verbosity), cfg.LogFile)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	target := wire.Target{Address: cfg.Device, BaudRate: cfg.BaudRate}
	conn, err := wire.Dial(ctx, target)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", cfg.Device, err)
	}
	transport := wire.NewTransport(conn, wire.NewDialConnectFn(target))
	device := wire.NewDevice(transport)

	facade := session.New(device, logger)
	sessionCfg := session.Config{
		StopOnEntry:     cfg.StopOnEntry,
		BreakOnAll:      cfg.BreakOnAll,
		BreakOnUncaught: cfg.BreakOnUncaught,
		CLROnlyReboot:   cfg.CLROnlyReboot,
	}
	if err := facade.Connect(ctx, sessionCfg); err != nil {
		return fmt.Errorf("connecting to device: %w", err)
	}

	if watchMode {
		return watch.New(facade).Run(ctx)
	}
	repl.New(facade).Run(ctx)
	return nil
}
