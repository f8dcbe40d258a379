// Package config loads the accounts server configuration from defaults,
// an optional config file, .env files, ACCOUNTS_ prefixed environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "ACCOUNTS"

	EnvironmentDevelopment = "development"
	EnvironmentProduction  = "production"
	EnvironmentTest        = "test"

	// MinSigningKeyLength is the HS256 key size in bytes
	MinSigningKeyLength = 32
)

var (
	validEnvironments = []string{EnvironmentDevelopment, EnvironmentProduction, EnvironmentTest}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
)

type HTTPConfig struct {
	Addr  string `mapstructure:"addr"`
	Debug bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SessionConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	TTL        time.Duration `mapstructure:"ttl"`
	CookieName string        `mapstructure:"cookie_name"`
}

type TokensConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	InvalidatePrior bool          `mapstructure:"invalidate_prior"`
}

type PasswordsConfig struct {
	MinLength int `mapstructure:"min_length"`
}

type MailConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	BaseURL  string `mapstructure:"base_url"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

type JanitorConfig struct {
	Schedule       string        `mapstructure:"schedule"`
	InactiveAfter  time.Duration `mapstructure:"inactive_after"`
	TokenRetention time.Duration `mapstructure:"token_retention"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the server configuration. It satisfies accounts.Config.
type Config struct {
	Environment string          `mapstructure:"environment"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Session     SessionConfig   `mapstructure:"session"`
	Tokens      TokensConfig    `mapstructure:"tokens"`
	Passwords   PasswordsConfig `mapstructure:"passwords"`
	Mail        MailConfig      `mapstructure:"mail"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Janitor     JanitorConfig   `mapstructure:"janitor"`
	Log         LogConfig       `mapstructure:"log"`
}

// LoadOptions controls where Load looks for values
type LoadOptions struct {
	// ConfigFile is read when set, and must exist
	ConfigFile string
	// EnvFiles are loaded with godotenv. Missing files are skipped and
	// variables already set in the environment win.
	EnvFiles []string
	// Flags are bound to the matching keys, see RegisterFlags
	Flags *pflag.FlagSet
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvironmentDevelopment)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.debug", false)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:accounts.db?cache=shared&_pragma=foreign_keys(1)")

	v.SetDefault("session.signing_key", "")
	v.SetDefault("session.issuer", "go-accounts")
	v.SetDefault("session.ttl", time.Hour)
	v.SetDefault("session.cookie_name", "TOKEN")

	v.SetDefault("tokens.ttl", time.Hour)
	v.SetDefault("tokens.invalidate_prior", true)

	v.SetDefault("passwords.min_length", 8)

	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 587)
	v.SetDefault("mail.username", "")
	v.SetDefault("mail.password", "")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.base_url", "http://localhost:8080")

	v.SetDefault("redis.addr", "")

	v.SetDefault("janitor.schedule", "@every 15m")
	v.SetDefault("janitor.inactive_after", 72*time.Hour)
	v.SetDefault("janitor.token_retention", 24*time.Hour)

	v.SetDefault("log.level", "info")
}

// RegisterFlags adds the flags Load understands to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file")
	fs.String("environment", EnvironmentDevelopment, "development, production or test")
	fs.String("http.addr", ":8080", "HTTP listen address")
	fs.Bool("http.debug", false, "log request payloads")
	fs.String("database.dsn", "", "database DSN")
	fs.String("redis.addr", "", "redis address, enables logout everywhere")
	fs.String("log.level", "info", "log level")
}

// Load resolves the configuration and validates it
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFiles(opts.EnvFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}

		if opts.ConfigFile == "" {
			if f := opts.Flags.Lookup("config"); f != nil {
				opts.ConfigFile = f.Value.String()
			}
		}
	}

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}
	return nil
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file, %w", err)
		}
		return nil
	}

	v.SetConfigName("accounts")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file, %w", err)
	}

	return nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if !slices.Contains(validEnvironments, c.Environment) {
		return fmt.Errorf("invalid environment %q", c.Environment)
	}

	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	if len(c.Session.SigningKey) < MinSigningKeyLength {
		return fmt.Errorf("session.signing_key must be at least %d bytes", MinSigningKeyLength)
	}

	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}

	if c.Tokens.TTL <= 0 {
		return errors.New("tokens.ttl must be positive")
	}

	if c.Passwords.MinLength < 0 {
		return errors.New("passwords.min_length can't be negative")
	}

	if c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return errors.New("database.dsn can't be empty")
	}

	if c.Mail.Host != "" && c.Mail.Port <= 0 {
		return errors.New("mail.port must be positive")
	}

	if c.Janitor.Schedule == "" {
		return errors.New("janitor.schedule can't be empty")
	}

	return nil
}

func (c *Config) GetSigningKey() string {
	return c.Session.SigningKey
}

func (c *Config) GetIssuer() string {
	return c.Session.Issuer
}

func (c *Config) GetSessionTTL() time.Duration {
	return c.Session.TTL
}

func (c *Config) GetTokenTTL() time.Duration {
	return c.Tokens.TTL
}

func (c *Config) GetCookieName() string {
	return c.Session.CookieName
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvironmentProduction
}

func (c *Config) GetInvalidatePriorTokens() bool {
	return c.Tokens.InvalidatePrior
}
