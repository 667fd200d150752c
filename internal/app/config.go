package app

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jnickel/tokengate/internal/tokensource"
	"github.com/jnickel/tokengate/internal/tokenstore"
)

// envPrefix namespaces the environment overrides, e.g.
// TOKENGATE_AUTH__CLIENT_ID maps to auth.client_id.
const envPrefix = "TOKENGATE_"

// Token storage backends.
const (
	TokenStorageTypeKeyring = "keyring"
	TokenStorageTypeFile    = "file"
	TokenStorageTypeEnv     = "env"
)

// Config is the full application configuration. Sources, lowest precedence
// first: built-in defaults, TOML config file, environment.
type Config struct {
	Listen   string     `koanf:"listen" validate:"required,hostname_port"`
	Upstream string     `koanf:"upstream" validate:"required,http_url"`
	Log      LogConfig  `koanf:"log"`
	Auth     AuthConfig `koanf:"auth"`
}

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// AuthConfig describes the credential source and where its refresh token
// lives between runs.
type AuthConfig struct {
	Storage string `koanf:"storage" validate:"oneof=keyring file env"`

	TokenURL    string   `koanf:"token_url" validate:"required,http_url"`
	AuthURL     string   `koanf:"auth_url" validate:"omitempty,http_url"`
	RedirectURL string   `koanf:"redirect_url" validate:"omitempty,http_url"`
	ClientID    string   `koanf:"client_id" validate:"required"`
	Scopes      []string `koanf:"scopes"`

	KeyringService string `koanf:"keyring_service"`
	KeyringUser    string `koanf:"keyring_user"`
	File           string `koanf:"file"`
	EnvVar         string `koanf:"env_var"`
}

// defaults returns the built-in configuration.
func defaults() map[string]any {
	return map[string]any{
		"listen":               "127.0.0.1:4000",
		"log.level":            "info",
		"log.format":           "text",
		"auth.storage":         TokenStorageTypeKeyring,
		"auth.keyring_service": "tokengate",
		"auth.keyring_user":    "default",
		"auth.env_var":         "TOKENGATE_REFRESH_TOKEN",
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// and the environment, then validates it.
func LoadConfig(path string, environ func() []string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:      envPrefix,
		EnvironFunc: environ,
		TransformFunc: func(key, value string) (string, any) {
			// TOKENGATE_AUTH__CLIENT_ID -> auth.client_id; a single
			// underscore stays part of the key name.
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// NewTokenStore constructs the configured refresh-token store.
func (a AuthConfig) NewTokenStore() (tokenstore.Store, error) {
	switch a.Storage {
	case TokenStorageTypeKeyring:
		return tokenstore.NewKeyring(a.KeyringService, a.KeyringUser)
	case TokenStorageTypeFile:
		return tokenstore.NewFile(a.File)
	case TokenStorageTypeEnv:
		return tokenstore.NewEnv(a.EnvVar)
	default:
		return nil, fmt.Errorf("unknown token storage %q", a.Storage)
	}
}

// NewSource constructs the credential source over the given store.
func (a AuthConfig) NewSource(store tokenstore.Store) (*tokensource.Source, error) {
	return tokensource.New(tokensource.Config{
		TokenURL: a.TokenURL,
		ClientID: a.ClientID,
		Scopes:   a.Scopes,
	}, store)
}
