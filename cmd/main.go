package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.od2.network/conveyor/cmd/admin_tool"
	"go.od2.network/conveyor/cmd/providers"
	"go.od2.network/conveyor/cmd/relay"
)

var rootCmd = cobra.Command{
	Use:   "conveyor",
	Short: "Batch queue relay",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var logConfig zap.Config
		if devMode {
			logConfig = zap.NewDevelopmentConfig()
		} else {
			logConfig = zap.NewProductionConfig()
		}
		var err error
		providers.Log, err = logConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		viper.SetEnvPrefix("conveyor")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		viper.AutomaticEnv()
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			providers.Log.Info("Read config", zap.String("config", viper.ConfigFileUsed()))
		}
		return nil
	},
}

var devMode bool
var configFile string

func init() {
	persistentFlags := rootCmd.PersistentFlags()
	persistentFlags.BoolVar(&devMode, "dev", false, "Dev mode")
	persistentFlags.StringVar(&configFile, "config", "", "Config file")

	rootCmd.AddCommand(relay.Cmds...)
	rootCmd.AddCommand(&admin_tool.Cmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
