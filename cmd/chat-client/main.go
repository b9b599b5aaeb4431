package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hirotachi/appsync-cli-chat/pkg/client"
	"github.com/hirotachi/appsync-cli-chat/pkg/config"
	"github.com/hirotachi/appsync-cli-chat/pkg/graphql"
)

var (
	envFile  string
	logLevel string
	logFile  string
)

func main() {
	root := &cobra.Command{
		Use:           "chat-client",
		Short:         "Terminal chat on top of an AppSync GraphQL API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", ".env", "file with CHAT_* variables, ignored when missing")
	root.Flags().StringVar(&logLevel, "log-level", "", "overrides CHAT_LOG_LEVEL")
	root.Flags().StringVar(&logFile, "log-file", "", "overrides CHAT_LOG_FILE, - for stderr")

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "chat-client:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.LogFile = logFile
	}

	logger, closer, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	api, err := graphql.NewAppSyncAPI(cfg, logger)
	if err != nil {
		return err
	}
	session := client.NewSession(api, logger, client.Options{
		RequestTimeout:       cfg.RequestTimeout,
		FetchRetries:         cfg.FetchRetries,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	})

	logger.Info().
		Str("endpoint", cfg.GraphQLEndpoint).
		Str("region", cfg.Region).
		Str("auth_mode", cfg.AuthMode).
		Msg("starting chat client")
	chatClient := client.NewChatClient(session, graphql.DisplayName(api.Authorizer()))
	return chatClient.Run(ctx)
}
