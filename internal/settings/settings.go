// Package settings loads the user settings of the command-line tools from an
// optional JSON file, an optional .env file and the environment.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"saldo/pkg/core"
)

const (
	EnvAPIKey    = "BINANCE_API_KEY"
	EnvAPISecret = "BINANCE_API_SECRET"
)

// ErrMissingCredentials is returned when neither the environment nor the
// settings file provides an API key and secret.
var ErrMissingCredentials = errors.New("settings: api key and secret are required")

// Settings mirrors appsettings.json.
type Settings struct {
	User     User     `mapstructure:"user"`
	Exchange Exchange `mapstructure:"exchange"`
	Log      Log      `mapstructure:"log"`
}

type User struct {
	APIKey    string `mapstructure:"apikey"`
	APISecret string `mapstructure:"apisecret"`
}

// Exchange overrides core.DefaultConfig. Zero values keep the default.
type Exchange struct {
	Sandbox          bool          `mapstructure:"sandbox"`
	BaseURL          string        `mapstructure:"baseurl"`
	StreamURL        string        `mapstructure:"streamurl"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RecvWindow       time.Duration `mapstructure:"recvwindow"`
	KeepAlive        time.Duration `mapstructure:"keepalive"`
	OmitZeroBalances bool          `mapstructure:"omitzerobalances"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Options name the files to read. Missing files are skipped unless marked
// as required.
type Options struct {
	ConfigFile     string
	ConfigRequired bool
	EnvFile        string
	EnvRequired    bool
}

// Load reads settings. Environment variables win over the .env file, which
// only fills variables that are unset, and both win over the JSON file.
func Load(opts Options) (*Settings, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if opts.EnvRequired || !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
			}
		}
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("log.level", "info")

	if opts.ConfigFile != "" {
		if _, err := os.Stat(opts.ConfigFile); err == nil {
			v.SetConfigFile(opts.ConfigFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read settings file: %w", err)
			}
		} else if opts.ConfigRequired || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read settings file: %w", err)
		}
	}

	v.SetEnvPrefix("SALDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("user.apikey", EnvAPIKey); err != nil {
		return nil, err
	}
	if err := v.BindEnv("user.apisecret", EnvAPISecret); err != nil {
		return nil, err
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &s, nil
}

// Credentials builds the session credentials from the user section.
func (s *Settings) Credentials() (*core.Credentials, error) {
	if strings.TrimSpace(s.User.APIKey) == "" || strings.TrimSpace(s.User.APISecret) == "" {
		return nil, ErrMissingCredentials
	}
	return core.NewCredentials(s.User.APIKey, s.User.APISecret)
}

// ExchangeConfig returns a validated client configuration for exchange.
func (s *Settings) ExchangeConfig(exchange string) (*core.Config, error) {
	cfg := core.DefaultConfig(exchange).
		WithSandbox(s.Exchange.Sandbox).
		WithEndpoints(s.Exchange.BaseURL, s.Exchange.StreamURL)
	if s.Exchange.Timeout > 0 {
		cfg.WithTimeout(s.Exchange.Timeout)
	}
	if s.Exchange.RecvWindow > 0 {
		cfg.WithRecvWindow(s.Exchange.RecvWindow)
	}
	if s.Exchange.KeepAlive > 0 {
		cfg.WithKeepAlive(s.Exchange.KeepAlive)
	}
	cfg.OmitZeroBalances = s.Exchange.OmitZeroBalances
	cfg.LogLevel = strings.ToLower(s.Log.Level)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exchange settings: %w", err)
	}
	return cfg, nil
}
