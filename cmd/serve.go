package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/llmrelay/pkg/config"
	"github.com/lkarlslund/llmrelay/pkg/logutil"
	"github.com/lkarlslund/llmrelay/pkg/proxy"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if !cmd.Flags().Changed("loglevel") && cfg.LogLevel != "" {
				if err := logutil.Configure(cfg.LogLevel, logFormat); err != nil {
					return err
				}
			}
			if cfg.AccessPassword == "" {
				log.Warn("no access password configured; only bring-your-own-key requests will be served")
			} else if !cfg.LLM.Complete() {
				log.Warn("server LLM config incomplete; password mode requests will fail", "type", cfg.LLM.Type)
			}

			srv, err := proxy.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path (optional; environment variables override it)")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	rootCmd.AddCommand(serveCmd)
}
