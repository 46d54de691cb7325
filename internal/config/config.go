// Package config loads the bridge's recognized configuration options (§6)
// from a YAML file, environment variables, and flag overrides, the way the
// teacher's cmd/root.go wires viper.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config mirrors §6's configuration table.
type Config struct {
	Device          string `mapstructure:"device"`
	BaudRate        int    `mapstructure:"baud_rate"`
	Verbosity       string `mapstructure:"verbosity"`
	StopOnEntry     bool   `mapstructure:"stop_on_entry"`
	BreakOnAll      bool   `mapstructure:"break_on_all"`
	BreakOnUncaught bool   `mapstructure:"break_on_uncaught"`
	CLROnlyReboot   bool   `mapstructure:"clr_only_reboot"`
	LogFile         string `mapstructure:"log_file"`
}

func setDefaults() {
	viper.SetDefault("baud_rate", 921600)
	viper.SetDefault("verbosity", "information")
	viper.SetDefault("stop_on_entry", false)
	viper.SetDefault("break_on_all", false)
	viper.SetDefault("break_on_uncaught", true)
	viper.SetDefault("clr_only_reboot", false)
}

// Load decodes the global viper instance (already pointed at a config file
// and environment by cmd/root.go's initConfig) into Config.
func Load() (Config, error) {
	setDefaults()
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// BindFlags registers the flags that can override any config key on cmd and
// binds them into the global viper instance, following the teacher's pattern
// of per-command flag registration in init().
func BindFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("device", "", "serial port or host:port of the target device")
	cmd.PersistentFlags().Int("baud-rate", 0, "serial baud rate (0 uses the config default)")
	cmd.PersistentFlags().String("verbosity", "", "log verbosity: none, information, debug")
	cmd.PersistentFlags().Bool("stop-on-entry", false, "stop at program entry instead of resuming after connect")
	cmd.PersistentFlags().Bool("break-on-all", false, "break on every thrown exception, caught or not")
	cmd.PersistentFlags().Bool("break-on-uncaught", false, "break on uncaught exceptions only")
	cmd.PersistentFlags().Bool("clr-only-reboot", false, "reboot only the managed runtime, not the whole device")

	_ = viper.BindPFlag("device", cmd.PersistentFlags().Lookup("device"))
	_ = viper.BindPFlag("baud_rate", cmd.PersistentFlags().Lookup("baud-rate"))
	_ = viper.BindPFlag("verbosity", cmd.PersistentFlags().Lookup("verbosity"))
	_ = viper.BindPFlag("stop_on_entry", cmd.PersistentFlags().Lookup("stop-on-entry"))
	_ = viper.BindPFlag("break_on_all", cmd.PersistentFlags().Lookup("break-on-all"))
	_ = viper.BindPFlag("break_on_uncaught", cmd.PersistentFlags().Lookup("break-on-uncaught"))
	_ = viper.BindPFlag("clr_only_reboot", cmd.PersistentFlags().Lookup("clr-only-reboot"))
}
