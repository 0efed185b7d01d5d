package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemqtt/pkg/config"
)

// configureLogger creates the process logger from the effective configuration.
// Log lines go to the command's error stream so stdout stays clean for results.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
