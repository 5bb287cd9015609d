// services/lockplane/cmd/root.go
package cmd

import (
	"fmt"
	"os"

	"example.com/backstage/services/lockplane/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lockplane",
	Short: "Device lock enforcement and enrollment billing for financed phones.",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize Logger
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)

		// Load Config
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
			logger.SetLevel(level)
		} else {
			logger.WithField("level", cfg.Log.Level).Warn("Unknown log level, using info")
		}
		cfg.Logger = logger
		return nil
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file (default is ./config/config.yaml)")
}
