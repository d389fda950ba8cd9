// Package cli implements the eventpipe command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/eventpipe/pkg/config"
	"github.com/yairfalse/eventpipe/pkg/logging"
)

var (
	cfgFile   string
	verbose   bool
	configErr error
)

var rootCmd = &cobra.Command{
	Use:   "eventpipe",
	Short: "Event ingestion pipeline over NATS JetStream",
	Long: `eventpipe produces device events onto a partitioned stream, turns them
into documents through HTTP and stream triggers, and reacts to document
changes through a change feed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.eventpipe.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json, console")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add subcommands
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(envCmd)
	rootCmd.AddCommand(devCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	configErr = nil
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".eventpipe")
	}

	err := viper.ReadInConfig()
	switch {
	case err == nil:
		if verbose {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	case cfgFile != "":
		configErr = config.LoadError{File: cfgFile, Message: "failed to read config file", Cause: err}
	case !errors.As(err, &viper.ConfigFileNotFoundError{}):
		configErr = config.LoadError{File: viper.ConfigFileUsed(), Message: "failed to read config file", Cause: err}
	}
}

// loadConfig returns the effective configuration.
func loadConfig() (config.Config, error) {
	if configErr != nil {
		return config.Config{}, configErr
	}
	return config.Load(viper.GetViper())
}

// loadRuntime returns the configuration and a logger built from it.
func loadRuntime() (config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
