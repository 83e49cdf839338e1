// The application's root configuration: logging, the registry and control
// service endpoints, the push channel and the reconciliation engine.
package config

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
	loadErr  error
	mu       sync.RWMutex
)

// Config is the root configuration structure for the entire application.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Registry RegistryConfig `mapstructure:"registry"`
	Control  ControlConfig  `mapstructure:"control"`
	Push     PushConfig     `mapstructure:"push"`
	Engine   EngineConfig   `mapstructure:"engine"`
	History  HistoryConfig  `mapstructure:"history"`
}

// ColorConfig defines the color settings for different log levels.
// These are used for console output to make logs more readable.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" json:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" json:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" json:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" json:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" json:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" json:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" json:"fatal" yaml:"fatal"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" json:"level" yaml:"level"`
	Format      string      `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" json:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" json:"colors" yaml:"colors"`
}

// RegistryConfig holds settings for the IS-04 query API the snapshots come from.
type RegistryConfig struct {
	URL            string        `mapstructure:"url"`
	APIVersion     string        `mapstructure:"api_version"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ControlConfig holds settings for the connection management service.
type ControlConfig struct {
	URL               string        `mapstructure:"url"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	StatusTimeout     time.Duration `mapstructure:"status_timeout"`
	DefaultActivation string        `mapstructure:"default_activation"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors"`
}

// PushConfig holds settings for the WebSocket notification channel.
type PushConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

// EngineConfig holds settings for the mutation queue and derived views.
type EngineConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
	BusBufferSize    int           `mapstructure:"bus_buffer_size"`
}

// HistoryConfig sizes the bounded in-memory logs.
type HistoryConfig struct {
	EventLogSize   int `mapstructure:"event_log_size"`
	CommandLogSize int `mapstructure:"command_log_size"`
}

// SetDefaults registers defaults so the app can run with a minimal config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "nmosctl")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("registry.url", "http://localhost:8000")
	v.SetDefault("registry.api_version", "v1.3")
	v.SetDefault("registry.poll_interval", 30*time.Second)
	v.SetDefault("registry.request_timeout", 10*time.Second)

	v.SetDefault("control.url", "http://localhost:8001")
	v.SetDefault("control.command_timeout", 10*time.Second)
	v.SetDefault("control.status_timeout", 5*time.Second)
	v.SetDefault("control.default_activation", "activate_immediate")

	v.SetDefault("push.url", "ws://localhost:3001/ws")
	v.SetDefault("push.reconnect_interval", 5*time.Second)
	v.SetDefault("push.handshake_timeout", 10*time.Second)
	v.SetDefault("push.read_timeout", 90*time.Second)
	v.SetDefault("push.buffer_size", 256)

	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.debounce_interval", 100*time.Millisecond)
	v.SetDefault("engine.bus_buffer_size", 64)

	v.SetDefault("history.event_log_size", 500)
	v.SetDefault("history.command_log_size", 200)
}

// Validate checks the values the engine cannot run without.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Registry.URL); err != nil {
		return fmt.Errorf("registry.url is invalid: %w", err)
	}
	if _, err := url.ParseRequestURI(c.Control.URL); err != nil {
		return fmt.Errorf("control.url is invalid: %w", err)
	}
	if c.Push.URL != "" {
		u, err := url.Parse(c.Push.URL)
		if err != nil {
			return fmt.Errorf("push.url is invalid: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("push.url must use ws or wss, got %q", u.Scheme)
		}
	}
	if c.Control.CommandTimeout <= 0 {
		return fmt.Errorf("control.command_timeout must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if c.History.EventLogSize <= 0 || c.History.CommandLogSize <= 0 {
		return fmt.Errorf("history sizes must be positive")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		Set(&cfg)
	})
	return loadErr
}

// Set replaces the global configuration.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
