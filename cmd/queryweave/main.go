package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/queryweave/queryweave"
	"github.com/queryweave/queryweave/common/logger"
	"github.com/queryweave/queryweave/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "queryweave",
	Short: "Query routing with tiered caching and approved-SQL workflows",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tool surface on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		srv, err := queryweave.NewServer(cfg)
		if err != nil {
			return err
		}
		return srv.Serve(cmd.Context())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("config ok")
		return nil
	},
}

func loadConfig() (*config.Config, error) {
	logger.SetLevel(logger.ParseLevel(logLevel))
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "queryweave.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
