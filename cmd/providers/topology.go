package providers

import (
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go.od2.network/conveyor/pkg/topology"
)

// Topology config keys.
const (
	ConfTopologyConfigFile = "topology.config_file"
)

func init() {
	viper.SetDefault(ConfTopologyConfigFile, "")
}

// NewTopologyConfig reads the pipeline topology.
// Without a file, the defaults are used.
func NewTopologyConfig(log *zap.Logger) (*topology.Config, error) {
	configFilePath := viper.GetString(ConfTopologyConfigFile)
	if configFilePath == "" {
		log.Info("No topology config, using defaults")
		return topology.Default(), nil
	}
	log.Info("Reading topology config",
		zap.String(ConfTopologyConfigFile, configFilePath))
	f, err := os.Open(configFilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return topology.Load(f)
}
