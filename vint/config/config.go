package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/voice-interview/vint"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Interview InterviewConfig `mapstructure:"interview"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Output    OutputConfig    `mapstructure:"output"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig stores HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ChatPath        string        `mapstructure:"chat_path"`
	WSPath          string        `mapstructure:"ws_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// ProxyConfig stores the inference proxy settings.
type ProxyConfig struct {
	CredentialEnv    string  `mapstructure:"credential_env"`     // env var read at request time
	BaseURL          string  `mapstructure:"base_url"`           // OpenAI-compatible endpoint
	Model            string  `mapstructure:"model"`              // upstream model id
	Temperature      float32 `mapstructure:"temperature"`        // sampling temperature
	MaxTokens        int     `mapstructure:"max_tokens"`         // reply length bound
	SystemPromptFile string  `mapstructure:"system_prompt_file"` // optional persona override

	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`
}

// InterviewConfig stores orchestrator settings.
type InterviewConfig struct {
	Locale        string        `mapstructure:"locale"`
	CompletionURL string        `mapstructure:"completion_url"`
	ErrorDisplay  time.Duration `mapstructure:"error_display"` // error phase duration before idle
	OpeningTurn   string        `mapstructure:"opening_turn"`  // synthetic first user turn
	EnableTracing bool          `mapstructure:"enable_tracing"`
}

// CaptureConfig stores speech capture settings.
type CaptureConfig struct {
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
	Continuous     bool          `mapstructure:"continuous"`
	InterimResults bool          `mapstructure:"interim_results"`
}

// OutputConfig stores speech synthesis settings.
type OutputConfig struct {
	Rate   float64 `mapstructure:"rate"`
	Pitch  float64 `mapstructure:"pitch"`
	Volume float64 `mapstructure:"volume"`
}

// LoggingConfig stores zerolog settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// DefaultOpeningTurn asks the model to introduce itself and open the interview.
const DefaultOpeningTurn = "[DÉBUT DE L'ENTRETIEN - présente-toi et pose la première question]"

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// server.addr becomes SERVER_ADDR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := AppConfig.Validate(); err != nil {
		return nil, err
	}

	return &AppConfig, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", internal.DefaultListenAddr)
	v.SetDefault("server.chat_path", internal.DefaultChatPath)
	v.SetDefault("server.ws_path", internal.DefaultWSPath)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("proxy.credential_env", internal.DefaultCredentialEnv)
	v.SetDefault("proxy.base_url", internal.DefaultUpstreamURL)
	v.SetDefault("proxy.model", internal.DefaultUpstreamModel)
	v.SetDefault("proxy.temperature", internal.DefaultTemperature)
	v.SetDefault("proxy.max_tokens", internal.DefaultMaxTokens)
	v.SetDefault("proxy.system_prompt_file", "")
	v.SetDefault("proxy.rate_limit_enabled", true)
	v.SetDefault("proxy.rate_limit_capacity", 10)
	v.SetDefault("proxy.rate_limit_refill_rate", "1s")

	v.SetDefault("interview.locale", internal.DefaultLocale)
	v.SetDefault("interview.completion_url", internal.DefaultCompletionURL)
	v.SetDefault("interview.error_display", internal.DefaultErrorDisplay.String())
	v.SetDefault("interview.opening_turn", DefaultOpeningTurn)
	v.SetDefault("interview.enable_tracing", true)

	v.SetDefault("capture.silence_timeout", internal.DefaultSilenceTimeout.String())
	v.SetDefault("capture.continuous", true)
	v.SetDefault("capture.interim_results", true)

	v.SetDefault("output.rate", 1.0)
	v.SetDefault("output.pitch", 1.0)
	v.SetDefault("output.volume", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Capture.SilenceTimeout <= 0 {
		return fmt.Errorf("capture.silence_timeout must be positive, got %s", c.Capture.SilenceTimeout)
	}
	if c.Interview.ErrorDisplay <= 0 {
		return fmt.Errorf("interview.error_display must be positive, got %s", c.Interview.ErrorDisplay)
	}
	if c.Proxy.MaxTokens <= 0 {
		return fmt.Errorf("proxy.max_tokens must be positive, got %d", c.Proxy.MaxTokens)
	}
	if c.Proxy.CredentialEnv == "" {
		return fmt.Errorf("proxy.credential_env must name an environment variable")
	}
	if strings.TrimSpace(c.Interview.OpeningTurn) == "" {
		return fmt.Errorf("interview.opening_turn must not be empty")
	}
	return nil
}
