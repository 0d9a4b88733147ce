package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lkarlslund/llmrelay/pkg/client"
	"github.com/lkarlslund/llmrelay/pkg/config"
	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/llm"
)

func init() {
	var (
		serverURL string
		password  string
		system    string
		llmType   string
		baseURL   string
		apiKey    string
		model     string
	)
	chatCmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt to a running relay and stream the answer",
		Long:  "Sends one prompt to a running relay. With --password (or ACCESS_PASSWORD) the server's LLM is used; otherwise --type and --api-key select your own provider. Without arguments the prompt is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			if prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = strings.TrimSpace(string(b))
			}
			if prompt == "" {
				return errors.New("prompt is required")
			}
			if !cmd.Flags().Changed("password") {
				password = os.Getenv(config.EnvAccessPassword)
			}

			var messages []llm.Message
			if system != "" {
				messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
			}
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

			var bundle *credentials.Bundle
			if password == "" {
				bundle = &credentials.Bundle{Type: llmType, BaseURL: baseURL, APIKey: apiKey, Model: model}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			out := cmd.OutOrStdout()
			err := client.New(serverURL, password).Stream(ctx, bundle, messages, func(text string) {
				fmt.Fprint(out, text)
			})
			fmt.Fprintln(out)
			return err
		},
	}
	chatCmd.Flags().StringVar(&serverURL, "url", "http://127.0.0.1:8080", "Relay base URL")
	chatCmd.Flags().StringVar(&password, "password", "", "Access password (defaults to $ACCESS_PASSWORD)")
	chatCmd.Flags().StringVar(&system, "system", "", "Optional system message")
	chatCmd.Flags().StringVar(&llmType, "type", "openai", "Provider type for bring-your-own-key mode")
	chatCmd.Flags().StringVar(&baseURL, "base-url", "", "Provider base URL for bring-your-own-key mode")
	chatCmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("LLMRELAY_API_KEY"), "Provider API key for bring-your-own-key mode (defaults to $LLMRELAY_API_KEY)")
	chatCmd.Flags().StringVar(&model, "model", "", "Model for bring-your-own-key mode")
	rootCmd.AddCommand(chatCmd)
}
