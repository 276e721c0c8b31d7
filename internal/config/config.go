// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Client() ClientConfig

	// Client Setters
	SetClientTimeout(d time.Duration)
	SetClientKeepAlive(bool)
	SetClientProxy(proxy string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg LoggerConfig `mapstructure:"logger" yaml:"logger"`
	ClientCfg ClientConfig `mapstructure:"client" yaml:"client"`
}

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Client() ClientConfig { return c.ClientCfg }

func (c *Config) SetClientTimeout(d time.Duration) { c.ClientCfg.Timeout = d }
func (c *Config) SetClientKeepAlive(b bool)        { c.ClientCfg.KeepAlive = b }
func (c *Config) SetClientProxy(proxy string)      { c.ClientCfg.Proxy = proxy }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ClientConfig configures the HTTP client session engine.
type ClientConfig struct {
	// ConnectTimeout bounds the TCP connect and TLS handshake.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// Timeout is armed when a request is sent. Zero disables it.
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	KeepAlive bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
	// WebSocketMask masks outgoing frames. RFC 6455 requires it for clients.
	WebSocketMask      bool   `mapstructure:"websocket_mask" yaml:"websocket_mask"`
	HeaderBufferSize   int    `mapstructure:"header_buffer_size" yaml:"header_buffer_size"`
	MaxFrameSize       int64  `mapstructure:"max_frame_size" yaml:"max_frame_size"`
	AcceptEncoding     string `mapstructure:"accept_encoding" yaml:"accept_encoding"`
	Proxy              string `mapstructure:"proxy" yaml:"proxy"`
	SendRate           int    `mapstructure:"send_rate" yaml:"send_rate"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "asynchttp")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Client --
	v.SetDefault("client.connect_timeout", "10s")
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.keep_alive", true)
	v.SetDefault("client.websocket_mask", true)
	v.SetDefault("client.header_buffer_size", 64*1024)
	v.SetDefault("client.max_frame_size", 16*1024*1024)
	v.SetDefault("client.accept_encoding", "gzip")
	v.SetDefault("client.proxy", "")
	v.SetDefault("client.send_rate", 0)
	v.SetDefault("client.insecure_skip_verify", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.ClientCfg.Validate(); err != nil {
		return fmt.Errorf("client configuration invalid: %w", err)
	}
	return nil
}

// minHeaderBuffer is the smallest header buffer that can hold a status line
// and a handful of headers.
const minHeaderBuffer = 256

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.HeaderBufferSize < minHeaderBuffer {
		return fmt.Errorf("header_buffer_size must be at least %d bytes", minHeaderBuffer)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be a positive integer")
	}
	if c.SendRate < 0 {
		return fmt.Errorf("send_rate must not be negative")
	}
	return nil
}
