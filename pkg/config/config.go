package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	AuthModeAPIKey    = "API_KEY"
	AuthModeUserPools = "AMAZON_COGNITO_USER_POOLS"
)

// Config holds the client configuration. It is built once in main and handed to
// whatever needs it.
type Config struct {
	GraphQLEndpoint      string        `env:"CHAT_GRAPHQL_ENDPOINT" validate:"required,url"`
	RealtimeEndpoint     string        `env:"CHAT_REALTIME_ENDPOINT" validate:"omitempty,url"`
	Region               string        `env:"CHAT_REGION"`
	AuthMode             string        `env:"CHAT_AUTH_MODE,default=API_KEY" validate:"oneof=API_KEY AMAZON_COGNITO_USER_POOLS"`
	APIKey               string        `env:"CHAT_API_KEY" validate:"required_if=AuthMode API_KEY"`
	IDToken              string        `env:"CHAT_ID_TOKEN" validate:"required_if=AuthMode AMAZON_COGNITO_USER_POOLS"`
	AmplifyConfigPath    string        `env:"CHAT_AMPLIFY_CONFIG"`
	RequestTimeout       time.Duration `env:"CHAT_REQUEST_TIMEOUT,default=10s" validate:"gt=0"`
	FetchRetries         int           `env:"CHAT_FETCH_RETRIES,default=3" validate:"gte=0"`
	RetryInitialInterval time.Duration `env:"CHAT_RETRY_INITIAL_INTERVAL,default=500ms" validate:"gt=0"`
	RetryMaxInterval     time.Duration `env:"CHAT_RETRY_MAX_INTERVAL,default=30s" validate:"gtefield=RetryInitialInterval"`
	LogLevel             string        `env:"CHAT_LOG_LEVEL,default=info"`
	LogFile              string        `env:"CHAT_LOG_FILE,default=chat-client.log"`
}

// amplifyConfiguration is the subset of amplifyconfiguration.json / aws-exports
// the client understands.
type amplifyConfiguration struct {
	Endpoint string `json:"aws_appsync_graphqlEndpoint"`
	Region   string `json:"aws_appsync_region"`
	AuthType string `json:"aws_appsync_authenticationType"`
	APIKey   string `json:"aws_appsync_apiKey"`
}

// Load reads an optional env file, the environment and an optional Amplify
// configuration file, then validates the result.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.AmplifyConfigPath != "" {
		if err := cfg.applyAmplifyConfig(cfg.AmplifyConfigPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyAmplifyConfig fills the fields the environment left empty.
func (cfg *Config) applyAmplifyConfig(path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read amplify config: %w", err)
	}
	var amplify amplifyConfiguration
	if err := json.Unmarshal(bytes, &amplify); err != nil {
		return fmt.Errorf("failed to parse amplify config %s: %w", path, err)
	}
	if cfg.GraphQLEndpoint == "" {
		cfg.GraphQLEndpoint = amplify.Endpoint
	}
	if cfg.Region == "" {
		cfg.Region = amplify.Region
	}
	if cfg.APIKey == "" {
		cfg.APIKey = amplify.APIKey
	}
	if amplify.AuthType != "" && os.Getenv("CHAT_AUTH_MODE") == "" {
		cfg.AuthMode = amplify.AuthType
	}
	return nil
}

func (cfg *Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
