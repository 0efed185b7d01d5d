package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/blemqtt/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration the bridge would run with after applying defaults, the
config file, BLEMQTT_* environment variables and flags. The output is a valid
config file.`,
	Example: `  blemqtt config > bridge.yaml
  blemqtt config --broker mqtt.local --qos 1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		out, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}
