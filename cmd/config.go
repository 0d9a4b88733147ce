package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/llmrelay/pkg/config"
	"github.com/lkarlslund/llmrelay/pkg/wizard"
)

var (
	configServerPath string
	printConfigPath  string
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfigFile(configServerPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			return wizard.Run(cmd.InOrStdin(), cmd.OutOrStdout(), configServerPath, cfg)
		},
	}
	configCmd.Flags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)

	printCmd := &cobra.Command{
		Use:   "print-config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(printConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			b, err := config.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	printCmd.Flags().StringVar(&printConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(printCmd)
}
