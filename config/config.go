package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/guseggert/backendproxy/internal/files"
	"github.com/guseggert/backendproxy/supervisor"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "BACKENDPROXY"
	FileName  = "backendproxy.yaml"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	OutputCapture = "capture"
	OutputInherit = "inherit"
)

const (
	PolicyBestEffort = "best-effort"
	PolicyFailFast   = "fail-fast"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`
}

func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Address, validation.Required, validation.By(validateHostPort)),
		validation.Field(&c.Environment, validation.Required, validation.In(EnvDev, EnvStaging, EnvProd)),
	)
}

type BackendConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Managed backends are launched and stopped by the proxy. Otherwise the proxy only forwards to them.
	Managed     bool          `mapstructure:"managed"`
	WorkingDir  string        `mapstructure:"working_dir"`
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	Env         []string      `mapstructure:"env"`
	InheritEnv  bool          `mapstructure:"inherit_env"`
	Output      string        `mapstructure:"output"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

func (c BackendConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required, is.Host),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.WorkingDir, validation.When(c.Managed, validation.Required)),
		validation.Field(&c.Command, validation.When(c.Managed, validation.Required)),
		validation.Field(&c.Env, validation.Each(validation.By(validateEnvPair))),
		validation.Field(&c.Output, validation.Required, validation.In(OutputCapture, OutputInherit)),
		validation.Field(&c.GracePeriod, validation.Required, validation.Min(time.Millisecond)),
	)
}

type HealthConfig struct {
	Path           string        `mapstructure:"path"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Interval       time.Duration `mapstructure:"interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	Policy         string        `mapstructure:"policy"`
}

func (c HealthConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required, validation.By(validatePath)),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.Interval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.AttemptTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.Policy, validation.Required, validation.In(PolicyBestEffort, PolicyFailFast)),
	)
}

type ForwardConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c ForwardConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

type RelayConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	ReadLimit   int64         `mapstructure:"read_limit"`
}

func (c RelayConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DialTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.ReadLimit, validation.Required, validation.Min(int64(1))),
	)
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.Required, validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)),
	)
}

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Health  HealthConfig  `mapstructure:"health"`
	Forward ForwardConfig `mapstructure:"forward"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Backend),
		validation.Field(&c.Health),
		validation.Field(&c.Forward),
		validation.Field(&c.Relay),
		validation.Field(&c.Logging),
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0:8001")
	v.SetDefault("server.environment", EnvDev)

	v.SetDefault("backend.host", "localhost")
	v.SetDefault("backend.port", 4000)
	v.SetDefault("backend.managed", true)
	v.SetDefault("backend.working_dir", ".")
	v.SetDefault("backend.command", "node")
	v.SetDefault("backend.args", []string{"dist/server.js"})
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.inherit_env", true)
	v.SetDefault("backend.output", OutputCapture)
	v.SetDefault("backend.grace_period", "10s")

	v.SetDefault("health.path", "/health")
	v.SetDefault("health.max_attempts", 30)
	v.SetDefault("health.interval", "1s")
	v.SetDefault("health.attempt_timeout", "2s")
	v.SetDefault("health.policy", PolicyBestEffort)

	v.SetDefault("forward.timeout", "300s")

	v.SetDefault("relay.dial_timeout", "10s")
	v.SetDefault("relay.read_limit", 1<<20)

	v.SetDefault("logging.level", LogLevelInfo)
}

// Load reads the configuration from defaults, then the config file, then BACKENDPROXY_* environment
// variables, then overrides, each layer winning over the previous one.
// With an empty path, backendproxy.yaml is looked up in . and its parents, then in ./config, and may be absent.
// Override keys use the dotted form, e.g. "backend.port".
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		found, err := files.FindUp(FileName, ".")
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", FileName, err)
		}
		path = found
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("backendproxy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	err := v.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	err = v.Unmarshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// BackendURL is the base URL requests are forwarded to.
func (c *Config) BackendURL() string {
	return "http://" + net.JoinHostPort(c.Backend.Host, strconv.Itoa(c.Backend.Port))
}

// StartRequest builds the request used to launch a managed backend.
func (c *Config) StartRequest() supervisor.StartRequest {
	return supervisor.StartRequest{
		WorkingDir: c.Backend.WorkingDir,
		Command:    c.Backend.Command,
		Args:       c.Backend.Args,
		Env:        c.Backend.Env,
		InheritEnv: c.Backend.InheritEnv,
	}
}

func (c *Config) OutputMode() supervisor.OutputMode {
	if c.Backend.Output == OutputInherit {
		return supervisor.OutputInherit
	}
	return supervisor.OutputCapture
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validatePath(value interface{}) error {
	p, _ := value.(string)
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "must start with /")
	}
	return nil
}

func validateEnvPair(value interface{}) error {
	s, _ := value.(string)
	if k, _, ok := strings.Cut(s, "="); !ok || k == "" {
		return validation.NewError("validation_invalid_env", "must be in KEY=VALUE format")
	}
	return nil
}
