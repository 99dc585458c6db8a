package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/portvisor/internal/logger"
	"github.com/spf13/viper"
)

// ErrInvalidConfig wraps every validation and parse failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is the prefix for environment overrides, e.g. PORTVISOR_SERVICE_PORT.
const EnvPrefix = "PORTVISOR"

type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Dev     DevConfig     `mapstructure:"dev"`
	Prod    ProdConfig    `mapstructure:"prod"`
	Log     logger.Config `mapstructure:"log"`
	Env     EnvConfig     `mapstructure:"env"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

// ServiceConfig identifies the managed process and the port it owns.
type ServiceConfig struct {
	Name           string        `mapstructure:"name"`
	Port           int           `mapstructure:"port"`
	Host           string        `mapstructure:"host"`
	PIDFile        string        `mapstructure:"pid_file"`
	WorkDir        string        `mapstructure:"work_dir"`
	App            string        `mapstructure:"app"`
	CommandPattern string        `mapstructure:"command_pattern"`
	Mode           string        `mapstructure:"mode"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	StartDuration  time.Duration `mapstructure:"start_duration"`
	WaitForPort    bool          `mapstructure:"wait_for_port"`
	PortTimeout    time.Duration `mapstructure:"port_timeout"`
}

// RuntimeConfig points at the provisioned runtime (a virtualenv).
type RuntimeConfig struct {
	Dir string `mapstructure:"dir"`
	Bin string `mapstructure:"bin"`
}

// DevConfig drives the foreground, auto-reloading launch.
type DevConfig struct {
	Command   string        `mapstructure:"command"`
	ReloadEnv []string      `mapstructure:"reload_env"`
	Watch     []string      `mapstructure:"watch"`
	Debounce  time.Duration `mapstructure:"debounce"`
}

// ProdConfig drives the detached worker-pool launch.
type ProdConfig struct {
	Command    string        `mapstructure:"command"`
	Workers    int           `mapstructure:"workers"`
	Timeout    time.Duration `mapstructure:"timeout"`
	LogFile    string        `mapstructure:"log_file"`
	MaxBackups int           `mapstructure:"max_backups"`
	MaxAgeDays int           `mapstructure:"max_age_days"`
	Compress   bool          `mapstructure:"compress"`
}

type EnvConfig struct {
	Vars     []string `mapstructure:"vars"`
	Files    []string `mapstructure:"files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`
}

// HistoryConfig enables lifecycle event export. Empty DSN disables it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// MetricsConfig enables writing metrics to a node_exporter textfile.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the status endpoint over HTTPS. Explicit cert/key files
// take precedence over Dir, where a self-signed pair can be generated.
type TLSConfig struct {
	Enabled      bool       `mapstructure:"enabled"`
	CertFile     string     `mapstructure:"cert_file"`
	KeyFile      string     `mapstructure:"key_file"`
	Dir          string     `mapstructure:"dir"`
	AutoGenerate bool       `mapstructure:"auto_generate"`
	MinVersion   string     `mapstructure:"min_version"`
	MaxVersion   string     `mapstructure:"max_version"`
	AutoGen      AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS shapes the generated self-signed certificate.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

const (
	DefaultDevCommand  = "flask --app {{.App}} run --host {{.Host}} --port {{.Port}} --reload --no-debugger"
	DefaultProdCommand = "gunicorn --workers {{.Workers}} --timeout {{.TimeoutSeconds}} --bind {{.Host}}:{{.Port}} {{.App}}"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "monitor")
	v.SetDefault("service.port", 8000)
	v.SetDefault("service.host", "127.0.0.1")
	v.SetDefault("service.pid_file", "run/monitor.pid")
	v.SetDefault("service.work_dir", ".")
	v.SetDefault("service.app", "app:app")
	v.SetDefault("service.command_pattern", "")
	v.SetDefault("service.mode", "prod")
	v.SetDefault("service.grace_period", time.Second)
	v.SetDefault("service.start_duration", time.Second)
	v.SetDefault("service.wait_for_port", false)
	v.SetDefault("service.port_timeout", 5*time.Second)

	v.SetDefault("runtime.dir", "venv")
	v.SetDefault("runtime.bin", "bin")

	v.SetDefault("dev.command", DefaultDevCommand)
	v.SetDefault("dev.reload_env", []string{"FLASK_DEBUG=0", "FLASK_RUN_RELOAD=1"})
	v.SetDefault("dev.watch", []string{})
	v.SetDefault("dev.debounce", 300*time.Millisecond)

	v.SetDefault("prod.command", DefaultProdCommand)
	v.SetDefault("prod.workers", 4)
	v.SetDefault("prod.timeout", 30*time.Second)
	v.SetDefault("prod.log_file", "logs/monitor.out.log")
	v.SetDefault("prod.max_backups", 0)
	v.SetDefault("prod.max_age_days", 0)
	v.SetDefault("prod.compress", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", 0)
	v.SetDefault("log.file.max_backups", 0)
	v.SetDefault("log.file.max_age_days", 0)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("env.vars", []string{})
	v.SetDefault("env.files", []string{})
	v.SetDefault("env.use_os_env", true)

	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.listen", "127.0.0.1:9101")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.max_version", "")
}

// Load reads the configuration file at path (TOML, YAML or JSON by extension)
// on top of built-in defaults and PORTVISOR_* environment overrides. An empty
// path loads defaults and environment only. Relative paths in the result are
// resolved against the service work_dir, which itself is resolved against
// the directory of the config file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
		}
		baseDir = filepath.Dir(path)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}
	if err := c.resolvePaths(baseDir); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// EffectivePattern is the configured command pattern or, when none is set,
// one derived from the dev and prod commands.
func (c *Config) EffectivePattern() string {
	if c.Service.CommandPattern != "" {
		return c.Service.CommandPattern
	}
	return c.derivePattern()
}

func (c *Config) resolvePaths(baseDir string) error {
	wd := c.Service.WorkDir
	if wd == "" {
		wd = "."
	}
	if !filepath.IsAbs(wd) {
		wd = filepath.Join(baseDir, wd)
	}
	abs, err := filepath.Abs(wd)
	if err != nil {
		return fmt.Errorf("%w: work_dir: %v", ErrInvalidConfig, err)
	}
	c.Service.WorkDir = abs

	c.Service.PIDFile = c.resolve(c.Service.PIDFile)
	c.Runtime.Dir = c.resolve(c.Runtime.Dir)
	c.Prod.LogFile = c.resolve(c.Prod.LogFile)
	c.Log.File.Path = c.resolve(c.Log.File.Path)
	c.Metrics.Textfile = c.resolve(c.Metrics.Textfile)
	c.Server.TLS.CertFile = c.resolve(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = c.resolve(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = c.resolve(c.Server.TLS.Dir)
	for i, f := range c.Env.Files {
		c.Env.Files[i] = c.resolve(f)
	}
	for i, w := range c.Dev.Watch {
		c.Dev.Watch[i] = c.resolve(w)
	}
	return nil
}

// resolve makes p absolute relative to the work dir; empty stays empty.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Service.WorkDir, p)
}

// Validate checks the fields every operation depends on.
func (c *Config) Validate() error {
	var errs []error
	s := c.Service
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("service.port %d out of range", s.Port))
	}
	if s.PIDFile == "" {
		errs = append(errs, errors.New("service.pid_file is required"))
	}
	switch s.Mode {
	case "dev", "prod":
	default:
		errs = append(errs, fmt.Errorf("service.mode %q must be dev or prod", s.Mode))
	}
	if s.CommandPattern != "" {
		if _, err := regexp.Compile(s.CommandPattern); err != nil {
			errs = append(errs, fmt.Errorf("service.command_pattern: %v", err))
		}
	}
	for name, d := range map[string]time.Duration{
		"service.grace_period":   s.GracePeriod,
		"service.start_duration": s.StartDuration,
		"service.port_timeout":   s.PortTimeout,
		"dev.debounce":           c.Dev.Debounce,
		"prod.timeout":           c.Prod.Timeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Runtime.Dir == "" {
		errs = append(errs, errors.New("runtime.dir is required"))
	}
	if c.Prod.Workers <= 0 {
		errs = append(errs, fmt.Errorf("prod.workers %d must be positive", c.Prod.Workers))
	}
	if c.Prod.LogFile == "" {
		errs = append(errs, errors.New("prod.log_file is required"))
	}
	data := c.CommandData()
	for name, tpl := range map[string]string{"dev.command": c.Dev.Command, "prod.command": c.Prod.Command} {
		if strings.TrimSpace(tpl) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		if _, err := RenderCommand(tpl, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", name, err))
		}
	}
	switch c.Log.Format {
	case logger.FormatText, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if t := c.Server.TLS; t.Enabled {
		hasPair := t.CertFile != "" && t.KeyFile != ""
		if !hasPair && t.Dir == "" {
			errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
