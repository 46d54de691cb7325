package cmd

import (
	"fmt"
	"os"

	"github.com/nanoframework/nf-debug-bridge/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "nf-debug-bridge",
	Short: "Source-level debug bridge for a nanoFramework-style managed runtime",
	Long: `nf-debug-bridge translates between a DAP-style IDE client and the binary wire
protocol spoken by a managed-runtime device reached over serial or TCP: it resolves
breakpoints and call stacks against the device's own symbol tables and drives stepping
and variable inspection without the IDE ever speaking the device's protocol directly.`,
}

// Execute adds all child commands to RootCmd and runs it. Called once from main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.nf-debug-bridge.yaml)")
	config.BindFlags(RootCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nf-debug-bridge")
	}

	viper.SetEnvPrefix("NF_DEBUG_BRIDGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
