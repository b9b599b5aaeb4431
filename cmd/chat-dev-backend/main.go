package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hirotachi/appsync-cli-chat/pkg/server"
)

var (
	address   string
	apiKey    string
	redisAddr string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:          "chat-dev-backend",
		Short:        "Local stand-in for the AppSync chat API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
	root.Flags().StringVar(&address, "addr", ":20002", "listen address")
	root.Flags().StringVar(&apiKey, "api-key", "da2-dev", "api key clients must send")
	root.Flags().StringVar(&redisAddr, "redis-addr", "", "redis server, empty runs an in-memory one")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cobra.CheckErr(root.ExecuteContext(context.Background()))
}

func run(ctx context.Context) error {
	if redisAddr == "" {
		// temporary redis server for development
		mr, err := miniredis.Run()
		if err != nil {
			return err
		}
		defer mr.Close()
		redisAddr = mr.Addr()
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		return err
	}

	backend, err := server.NewServer(address, apiKey, redisClient)
	if err != nil {
		return err
	}
	log.Info().Str("endpoint", "http://localhost"+address+server.GraphQLPath).Str("api_key", apiKey).Msg("point CHAT_GRAPHQL_ENDPOINT here")
	return backend.Run(ctx)
}
