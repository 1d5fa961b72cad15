// Package config manages campuslink configuration: the portal and SSO
// endpoints, connection tuning, and the optional storage and messaging backends.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	ConfigDirName   = ".campuslink"
	ConfigFileName  = "config.json"
	ConfigPathEnv   = "CAMPUSLINK_CONFIG"
	DefaultLogLevel = "info"

	DefaultServer      = "vpn.aufe.edu.cn"
	DefaultSSOBaseURL  = "http://uaap-aufe-edu-cn.vpn2.aufe.edu.cn:8118/cas"
	DefaultSSOLoginURL = "http://uaap-aufe-edu-cn.vpn2.aufe.edu.cn:8118/cas/login?service=http%3A%2F%2Fjwcxk2.aufe.edu.cn%2Fj_spring_cas_security_check"
	DefaultSSOOrigin   = "http://uaap.aufe.edu.cn"
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel   string           `json:"log_level" toml:"log_level"`
	DataDir    string           `json:"data_dir" toml:"data_dir"`
	Connection ConnectionConfig `json:"connection" toml:"connection"`
	API        APIConfig        `json:"api" toml:"api"`
	Kafka      KafkaConfig      `json:"kafka" toml:"kafka"`
	S3         S3Config         `json:"s3" toml:"s3"`
	Secrets    SecretsConfig    `json:"secrets" toml:"secrets"`
}

// ConnectionConfig tunes every Connection the engine creates.
type ConnectionConfig struct {
	Server             string            `json:"server" toml:"server"`
	SSOBaseURL         string            `json:"sso_base_url" toml:"sso_base_url"`
	SSOLoginURL        string            `json:"sso_login_url" toml:"sso_login_url"`
	SSOOrigin          string            `json:"sso_origin" toml:"sso_origin"`
	UserAgent          string            `json:"user_agent" toml:"user_agent"`
	DefaultHeaders     map[string]string `json:"default_headers,omitempty" toml:"default_headers"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify" toml:"insecure_skip_verify"`

	DefaultTimeoutSeconds  int `json:"default_timeout_seconds" toml:"default_timeout_seconds"`
	ProbeTimeoutSeconds    int `json:"probe_timeout_seconds" toml:"probe_timeout_seconds"`
	CloseTimeoutSeconds    int `json:"close_timeout_seconds" toml:"close_timeout_seconds"`
	ActivityTimeoutSeconds int `json:"activity_timeout_seconds" toml:"activity_timeout_seconds"`
	MonitorIntervalSeconds int `json:"monitor_interval_seconds" toml:"monitor_interval_seconds"`
	JanitorIntervalSeconds int `json:"janitor_interval_seconds" toml:"janitor_interval_seconds"`

	MaxRetries             int     `json:"max_retries" toml:"max_retries"`
	RetryStrategy          string  `json:"retry_strategy" toml:"retry_strategy"`
	RetryBaseDelaySeconds  float64 `json:"retry_base_delay_seconds" toml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds   float64 `json:"retry_max_delay_seconds" toml:"retry_max_delay_seconds"`
	RetryExponentialBase   float64 `json:"retry_exponential_base" toml:"retry_exponential_base"`
	RetryJitter            bool    `json:"retry_jitter" toml:"retry_jitter"`
	RateLimitPerHost       int     `json:"rate_limit_per_host" toml:"rate_limit_per_host"` // req/s, 0 disables
	CacheTTLSeconds        int     `json:"cache_ttl_seconds" toml:"cache_ttl_seconds"`
	CacheSweepEvery        int     `json:"cache_sweep_every" toml:"cache_sweep_every"`
}

// APIConfig holds the listen addresses of the control surfaces.
type APIConfig struct {
	GRPCAddr string `json:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `json:"http_addr" toml:"http_addr"`
	TLSCert  string `json:"tls_cert,omitempty" toml:"tls_cert"`
	TLSKey   string `json:"tls_key,omitempty" toml:"tls_key"`
}

// KafkaConfig enables lifecycle event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty" toml:"brokers"`
	Topic   string   `json:"topic" toml:"topic"`
}

// S3Config enables remote capture of undecodable responses when Bucket is set.
type S3Config struct {
	Bucket          string `json:"bucket,omitempty" toml:"bucket"`
	Prefix          string `json:"prefix" toml:"prefix"`
	Region          string `json:"region" toml:"region"`
	Endpoint        string `json:"endpoint,omitempty" toml:"endpoint"`
	AccessKeyID     string `json:"access_key_id,omitempty" toml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key,omitempty" toml:"secret_access_key"`
	UsePathStyle    bool   `json:"use_path_style" toml:"use_path_style"`
}

// SecretsConfig selects where credentials come from: the local encrypted
// store ("store") or AWS Secrets Manager ("secretsmanager").
type SecretsConfig struct {
	Source          string `json:"source" toml:"source"`
	Prefix          string `json:"prefix" toml:"prefix"`
	Region          string `json:"region" toml:"region"`
	Endpoint        string `json:"endpoint,omitempty" toml:"endpoint"`
	AccessKeyID     string `json:"access_key_id,omitempty" toml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key,omitempty" toml:"secret_access_key"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel:   DefaultLogLevel,
		DataDir:    ConfigDir(),
		Connection: DefaultConnection(),
		API: APIConfig{
			GRPCAddr: "127.0.0.1:50061",
			HTTPAddr: "127.0.0.1:8061",
		},
		Kafka:   KafkaConfig{Topic: "campuslink.connection-events"},
		S3:      S3Config{Prefix: "captures", Region: "us-east-1"},
		Secrets: SecretsConfig{Source: "store", Prefix: "campuslink/", Region: "us-east-1"},
	}
}

// DefaultConnection returns connection defaults.
func DefaultConnection() ConnectionConfig {
	return ConnectionConfig{
		Server:                 DefaultServer,
		SSOBaseURL:             DefaultSSOBaseURL,
		SSOLoginURL:            DefaultSSOLoginURL,
		SSOOrigin:              DefaultSSOOrigin,
		UserAgent:              DefaultUserAgent,
		DefaultTimeoutSeconds:  30,
		ProbeTimeoutSeconds:    5,
		CloseTimeoutSeconds:    5,
		ActivityTimeoutSeconds: 300,
		MonitorIntervalSeconds: 60,
		JanitorIntervalSeconds: 120,
		MaxRetries:             3,
		RetryStrategy:          "exponential",
		RetryBaseDelaySeconds:  1.0,
		RetryMaxDelaySeconds:   60,
		RetryExponentialBase:   2,
		RetryJitter:            true,
		RateLimitPerHost:       10,
		CacheTTLSeconds:        300,
		CacheSweepEvery:        10,
	}
}

func (c ConnectionConfig) DefaultTimeout() time.Duration  { return seconds(c.DefaultTimeoutSeconds) }
func (c ConnectionConfig) ProbeTimeout() time.Duration    { return seconds(c.ProbeTimeoutSeconds) }
func (c ConnectionConfig) CloseTimeout() time.Duration    { return seconds(c.CloseTimeoutSeconds) }
func (c ConnectionConfig) ActivityTimeout() time.Duration { return seconds(c.ActivityTimeoutSeconds) }
func (c ConnectionConfig) MonitorInterval() time.Duration { return seconds(c.MonitorIntervalSeconds) }
func (c ConnectionConfig) JanitorInterval() time.Duration { return seconds(c.JanitorIntervalSeconds) }
func (c ConnectionConfig) CacheTTL() time.Duration        { return seconds(c.CacheTTLSeconds) }

func (c ConnectionConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds * float64(time.Second))
}

func (c ConnectionConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySeconds * float64(time.Second))
}

// ServerURL returns the portal base URL. A bare host gets an https scheme.
func (c ConnectionConfig) ServerURL(server string) string {
	if server == "" {
		server = c.Server
	}
	if strings.Contains(server, "://") {
		return strings.TrimRight(server, "/")
	}
	return "https://" + strings.TrimRight(server, "/")
}

// Validate rejects configurations the engine cannot run with.
func (c ConnectionConfig) Validate() error {
	switch {
	case c.SSOLoginURL == "":
		return fmt.Errorf("sso_login_url is required")
	case c.MaxRetries < 1:
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	case c.ActivityTimeoutSeconds <= 0:
		return fmt.Errorf("activity_timeout_seconds must be positive")
	case c.MonitorIntervalSeconds <= 0:
		return fmt.Errorf("monitor_interval_seconds must be positive")
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ConfigDir returns the global campuslink config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// DefaultPath returns $CAMPUSLINK_CONFIG or ~/.campuslink/config.json.
func DefaultPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// Load reads the config at path on top of the defaults. A missing file
// yields the defaults. Files ending in .toml are decoded as TOML, anything
// else as JSON.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Connection.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save persists cfg as JSON at path.
func Save(path string, cfg Config) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
