package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config is read by viper from an optional YAML file and the environment.
// Secrets only ever come from the environment (or a .env file).
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"`
	History  HistoryConfig  `mapstructure:"history"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

type LLMConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	Model            string        `mapstructure:"model"`
	Temperature      float64       `mapstructure:"temperature"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	Timeout          time.Duration `mapstructure:"timeout"`
	SystemPromptFile string        `mapstructure:"system_prompt_file"`
	CountTokens      bool          `mapstructure:"count_tokens"`
}

type HistoryConfig struct {
	MaxLength int `mapstructure:"max_length"`
}

type TelegramConfig struct {
	Token          string `mapstructure:"token"`
	Workers        int    `mapstructure:"workers"`
	PollingTimeout int    `mapstructure:"polling_timeout"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	ToConsole  bool   `mapstructure:"to_console"`
	ToFile     bool   `mapstructure:"to_file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "openai/gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 1000)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.system_prompt_file", "prompts/system_prompt.md")
	v.SetDefault("llm.count_tokens", false)

	v.SetDefault("history.max_length", 20)

	v.SetDefault("telegram.workers", 8)
	v.SetDefault("telegram.polling_timeout", 60)

	v.SetDefault("http.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.to_console", true)
	v.SetDefault("log.to_file", true)
	v.SetDefault("log.file_path", "logs/llm_bot.log")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
}

// Load reads configuration. configPath may be empty, in which case a
// config.yaml in the working directory is used when present.
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "OPENROUTER_API_KEY")
	_ = v.BindEnv("telegram.token", "TELEGRAM_BOT_TOKEN")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid option at once.
func (c *Config) Validate() error {
	var err error
	if c.LLM.APIKey == "" {
		err = multierr.Append(err, errors.New("OPENROUTER_API_KEY is required"))
	}
	if c.Telegram.Token == "" {
		err = multierr.Append(err, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.LLM.Model == "" {
		err = multierr.Append(err, errors.New("llm.model must not be empty"))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		err = multierr.Append(err, fmt.Errorf("llm.temperature must be within 0.0-2.0, got %v", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens <= 0 {
		err = multierr.Append(err, fmt.Errorf("llm.max_tokens must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("llm.timeout must be positive, got %s", c.LLM.Timeout))
	}
	if c.History.MaxLength < 2 || c.History.MaxLength%2 != 0 {
		err = multierr.Append(err, fmt.Errorf("history.max_length must be an even number >= 2, got %d", c.History.MaxLength))
	}
	if c.Telegram.Workers <= 0 {
		err = multierr.Append(err, fmt.Errorf("telegram.workers must be positive, got %d", c.Telegram.Workers))
	}
	if c.Log.ToFile && c.Log.FilePath == "" {
		err = multierr.Append(err, errors.New("log.file_path is required when log.to_file is set"))
	}
	return err
}
