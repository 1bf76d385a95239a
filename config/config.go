package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable the loader reads.
const EnvPrefix = "RIDE"

// ErrMissing marks a required setting that has no value.
var ErrMissing = errors.New("required setting is not set")

// ConfigError reports a setting that is absent or malformed.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config holds all configuration for the ride service
type Config struct {
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	} `mapstructure:"server"`

	MongoDB struct {
		URI            string        `mapstructure:"uri" validate:"required"`
		Database       string        `mapstructure:"database" validate:"required"`
		MaxPoolSize    uint64        `mapstructure:"max_pool_size" validate:"min=1"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
		ConnectRetries int           `mapstructure:"connect_retries" validate:"min=0,max=10"`
	} `mapstructure:"mongodb"`

	Broker struct {
		URL              string        `mapstructure:"url" validate:"required"`
		ClientName       string        `mapstructure:"client_name"`
		ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
		MaxReconnects    int           `mapstructure:"max_reconnects" validate:"min=0"`
		ReconnectWait    time.Duration `mapstructure:"reconnect_wait" validate:"gt=0"`
		MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait" validate:"gtefield=ReconnectWait"`
		HealthInterval   time.Duration `mapstructure:"health_interval" validate:"gt=0"`
		Codec            string        `mapstructure:"codec" validate:"oneof=json msgpack"`
	} `mapstructure:"broker"`

	API struct {
		BodyLimit        int64  `mapstructure:"body_limit" validate:"gt=0"`
		ParameterLimit   int    `mapstructure:"parameter_limit" validate:"gt=0"`
		FormDepth        int    `mapstructure:"form_depth" validate:"min=0,max=32"`
		CredentialCookie string `mapstructure:"credential_cookie" validate:"required"`
		TrustProxy       bool   `mapstructure:"trust_proxy"`
		RateLimit        struct {
			Enabled           bool    `mapstructure:"enabled"`
			RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
			Burst             int     `mapstructure:"burst" validate:"gte=0"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"log"`
}

// Addr returns the host:port the HTTP listener binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3003)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	// mongodb.uri and broker.url have no defaults; a deployment must name them
	v.SetDefault("mongodb.database", "ride")
	v.SetDefault("mongodb.max_pool_size", 10)
	v.SetDefault("mongodb.connect_timeout", 10*time.Second)
	v.SetDefault("mongodb.connect_retries", 0)

	v.SetDefault("broker.client_name", "ride-service")
	v.SetDefault("broker.connect_timeout", 10*time.Second)
	v.SetDefault("broker.max_reconnects", 10)
	v.SetDefault("broker.reconnect_wait", 500*time.Millisecond)
	v.SetDefault("broker.max_reconnect_wait", 30*time.Second)
	v.SetDefault("broker.health_interval", 5*time.Second)
	v.SetDefault("broker.codec", "json")

	v.SetDefault("api.body_limit", 100*1024) // 100kb
	v.SetDefault("api.parameter_limit", 1000)
	v.SetDefault("api.form_depth", 5)
	v.SetDefault("api.credential_cookie", "token")
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("api.rate_limit.enabled", false)
	v.SetDefault("api.rate_limit.requests_per_second", 50)
	v.SetDefault("api.rate_limit.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// envAliases are short names used by existing deployments of the service.
var envAliases = map[string][]string{
	"server.port": {"PORT"},
	"mongodb.uri": {"MONGO_URL", "MONGO_URI"},
	"broker.url":  {"BROKER_URL", "RABBIT_URL"},
	"log.level":   {"LOG_LEVEL"},
}

// envNames returns the variables read for key, prefixed name first.
func envNames(key string) []string {
	prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	return append([]string{prefixed}, envAliases[key]...)
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key := range envAliases {
		_ = v.BindEnv(append([]string{key}, envNames(key)...)...)
	}
}

// readDotEnv merges dotenv files without touching the process environment.
// Missing files are skipped; a name set by an earlier file wins.
func readDotEnv(files []string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, &ConfigError{Key: "env_file", Err: fmt.Errorf("%s: %w", file, err)}
		}
		for name, value := range values {
			if _, ok := merged[name]; !ok {
				merged[name] = value
			}
		}
	}
	return merged, nil
}

// applyDotEnv fills each key from the dotenv values unless the environment
// already provides it. Empty variables count as unset, as they do for viper.
func applyDotEnv(v *viper.Viper, values map[string]string) {
	if len(values) == 0 {
		return
	}
	for _, key := range v.AllKeys() {
		names := envNames(key)
		if inEnvironment(names) {
			continue
		}
		for _, name := range names {
			if value, ok := values[name]; ok && value != "" {
				v.Set(key, value)
				break
			}
		}
	}
}

func inEnvironment(names []string) bool {
	for _, name := range names {
		if os.Getenv(name) != "" {
			return true
		}
	}
	return false
}

// LoadConfig loads configuration from .env, config.yaml and the environment.
func LoadConfig() (*Config, error) {
	return Load(".env")
}

// Load is LoadConfig with explicit dotenv files. Missing files are skipped;
// variables already present in the environment win over dotenv values, and
// dotenv values win over config.yaml. The process environment is only read.
func Load(envFiles ...string) (*Config, error) {
	dotenv, err := readDotEnv(envFiles)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	loadFromEnv(v)
	applyDotEnv(v, dotenv)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, &ConfigError{Key: "config_file", Err: err}
		}
	}

	if err := checkScalars(v); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("unable to decode config: %w", err)}
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

var (
	intKeys = []string{
		"server.port",
		"mongodb.max_pool_size",
		"mongodb.connect_retries",
		"broker.max_reconnects",
		"api.body_limit",
		"api.parameter_limit",
		"api.form_depth",
		"api.rate_limit.burst",
	}
	durationKeys = []string{
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",
		"mongodb.connect_timeout",
		"broker.connect_timeout",
		"broker.reconnect_wait",
		"broker.max_reconnect_wait",
		"broker.health_interval",
	}
)

// checkScalars rejects unparsable numbers and durations with the offending
// key, which a failed Unmarshal does not report.
func checkScalars(v *viper.Viper) error {
	for _, key := range intKeys {
		if _, err := cast.ToIntE(v.Get(key)); err != nil {
			return &ConfigError{Key: key, Err: fmt.Errorf("not an integer: %q", v.GetString(key))}
		}
	}
	for _, key := range durationKeys {
		if _, err := cast.ToDurationE(v.Get(key)); err != nil {
			return &ConfigError{Key: key, Err: fmt.Errorf("not a duration: %q", v.GetString(key))}
		}
	}
	if _, err := cast.ToFloat64E(v.Get("api.rate_limit.requests_per_second")); err != nil {
		return &ConfigError{Key: "api.rate_limit.requests_per_second", Err: fmt.Errorf("not a number: %q", v.GetString("api.rate_limit.requests_per_second"))}
	}
	if _, err := cast.ToBoolE(v.Get("api.trust_proxy")); err != nil {
		return &ConfigError{Key: "api.trust_proxy", Err: fmt.Errorf("not a boolean: %q", v.GetString("api.trust_proxy"))}
	}
	return nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	// Report failures by setting key instead of Go field name
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return validate
}

// validateConfig validates the configuration for correctness
func validateConfig(config *Config) error {
	if err := newValidator().Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			if fe.Tag() == "required" {
				return &ConfigError{Key: key, Err: ErrMissing}
			}
			return &ConfigError{Key: key, Err: fmt.Errorf("failed %q constraint (value %v)", fe.Tag(), fe.Value())}
		}
		return &ConfigError{Err: err}
	}

	// Validate MongoDB URI
	if !strings.HasPrefix(config.MongoDB.URI, "mongodb://") && !strings.HasPrefix(config.MongoDB.URI, "mongodb+srv://") {
		return &ConfigError{Key: "mongodb.uri", Err: fmt.Errorf("must start with mongodb:// or mongodb+srv://")}
	}
	parsed, err := url.Parse(config.MongoDB.URI)
	if err != nil {
		return &ConfigError{Key: "mongodb.uri", Err: errors.New("unparsable connection string")}
	}
	if parsed.Host == "" {
		return &ConfigError{Key: "mongodb.uri", Err: errors.New("missing host")}
	}

	// Validate broker URL
	parsed, err = url.Parse(config.Broker.URL)
	if err != nil {
		return &ConfigError{Key: "broker.url", Err: errors.New("unparsable connection string")}
	}
	switch parsed.Scheme {
	case "nats", "tls", "redis", "rediss":
	default:
		return &ConfigError{Key: "broker.url", Err: fmt.Errorf("unsupported scheme %q (want nats, tls, redis or rediss)", parsed.Scheme)}
	}
	if parsed.Host == "" {
		return &ConfigError{Key: "broker.url", Err: errors.New("missing host")}
	}

	return nil
}

// RedactURI masks the password of a connection string for logs and errors.
func RedactURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparsable>"
	}
	return u.Redacted()
}

// Redacted returns a copy of the configuration that is safe to log.
func (c *Config) Redacted() Config {
	masked := *c
	masked.MongoDB.URI = RedactURI(c.MongoDB.URI)
	masked.Broker.URL = RedactURI(c.Broker.URL)
	return masked
}
