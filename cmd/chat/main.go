// Command chat is a terminal front-end for the client core: it signs in
// against the REST collaborator, drives the session store and prints the
// live message stream.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/loquihq/loqui/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	apiURL   string
	wsURL    string
	username string
	token    string
	debug    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Terminal chat client",
		Long: "Interactive chat client. Activate a chat with /group <id> or /dm <userID>;\n" +
			"every other input line is sent as a message.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil {
				log.Printf("warning: failed to load .env file: %v", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if opts.apiURL != "" {
				cfg.API.BaseURL = opts.apiURL
			}
			if opts.wsURL != "" {
				cfg.WS.BaseURL = opts.wsURL
			}

			logger, err := newLogger(opts.debug)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer logger.Sync()

			return run(cmd.Context(), cfg, opts, logger)
		},
	}

	cmd.Flags().StringVar(&opts.apiURL, "server", "", "REST base URL (defaults to CHAT_API_URL)")
	cmd.Flags().StringVar(&opts.wsURL, "ws", "", "websocket base URL (defaults to CHAT_WS_URL)")
	cmd.Flags().StringVar(&opts.username, "user", "", "display name to register as")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token from the credential provider")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "verbose logging")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
