package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Server    ServerConfig
	Queue     QueueConfig
	Providers ProvidersConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type QueueConfig struct {
	Concurrency   int
	PollInterval  string
	HistoryWindow int
}

type ProvidersConfig struct {
	SystemPrompt string
	Ollama       OllamaConfig
	OpenRouter   OpenRouterConfig
	Anthropic    AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
	Enabled bool
}

type OpenRouterConfig struct {
	APIKey  string
	Model   string
	Enabled bool
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	Enabled bool
}

type StorageConfig struct {
	DataDir    string
	SessionTTL string
}

type LogConfig struct {
	Level string
}

const defaultSystemPrompt = "You are a document processing assistant. " +
	"Answer each instruction against the uploaded documents precisely and concisely. " +
	"If an instruction is ambiguous, ask one clarifying question instead of guessing."

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Queue: QueueConfig{
			Concurrency:   5,
			PollInterval:  "1s",
			HistoryWindow: 20,
		},
		Providers: ProvidersConfig{
			SystemPrompt: defaultSystemPrompt,
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3",
				Enabled: true,
			},
			OpenRouter: OpenRouterConfig{
				Model: "anthropic/claude-sonnet-4",
			},
			Anthropic: AnthropicConfig{
				Model: "claude-sonnet-4-20250514",
			},
		},
		Storage: StorageConfig{
			DataDir:    defaultDataDir(),
			SessionTTL: "24h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/promptd/config.json, then applies PROMPTD_* environment
// overrides on top. Providers with an API key are enabled automatically.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Providers.OpenRouter.APIKey != "" {
		cfg.Providers.OpenRouter.Enabled = true
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		cfg.Providers.Anthropic.Enabled = true
	}

	if !cfg.Providers.Ollama.Enabled && !cfg.Providers.OpenRouter.Enabled && !cfg.Providers.Anthropic.Enabled {
		return Config{}, fmt.Errorf("no provider enabled: set PROMPTD_OPENROUTER_API_KEY, PROMPTD_ANTHROPIC_API_KEY, or enable ollama")
	}

	return cfg, nil
}

func applyBackend(cfg *Config, b Backend) error {
	values, err := b.All()
	if err != nil {
		return fmt.Errorf("reading config backend: %w", err)
	}
	for key, value := range values {
		setKey(cfg, key, value)
	}
	return nil
}

// setKey maps a dotted backend key onto a config field. Unknown keys are
// ignored so older config files keep loading.
func setKey(cfg *Config, key, value string) {
	switch key {
	case "server.port":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = v
		}
	case "server.api_token":
		cfg.Server.APIToken = value
	case "queue.concurrency":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Queue.Concurrency = v
		}
	case "queue.poll_interval":
		cfg.Queue.PollInterval = value
	case "queue.history_window":
		if v, err := strconv.Atoi(value); err == nil {
			cfg.Queue.HistoryWindow = v
		}
	case "providers.system_prompt":
		cfg.Providers.SystemPrompt = value
	case "providers.ollama.base_url":
		cfg.Providers.Ollama.BaseURL = value
	case "providers.ollama.model":
		cfg.Providers.Ollama.Model = value
	case "providers.ollama.enabled":
		cfg.Providers.Ollama.Enabled = value == "true"
	case "providers.openrouter.api_key":
		cfg.Providers.OpenRouter.APIKey = value
	case "providers.openrouter.model":
		cfg.Providers.OpenRouter.Model = value
	case "providers.anthropic.api_key":
		cfg.Providers.Anthropic.APIKey = value
	case "providers.anthropic.model":
		cfg.Providers.Anthropic.Model = value
	case "storage.data_dir":
		cfg.Storage.DataDir = value
	case "storage.session_ttl":
		cfg.Storage.SessionTTL = value
	case "log.level":
		cfg.Log.Level = value
	}
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]string{
		"PROMPTD_PORT":               "server.port",
		"PROMPTD_API_TOKEN":          "server.api_token",
		"PROMPTD_CONCURRENCY":        "queue.concurrency",
		"PROMPTD_POLL_INTERVAL":      "queue.poll_interval",
		"PROMPTD_HISTORY_WINDOW":     "queue.history_window",
		"PROMPTD_SYSTEM_PROMPT":      "providers.system_prompt",
		"PROMPTD_OLLAMA_BASE_URL":    "providers.ollama.base_url",
		"PROMPTD_OLLAMA_MODEL":       "providers.ollama.model",
		"PROMPTD_OLLAMA_ENABLED":     "providers.ollama.enabled",
		"PROMPTD_OPENROUTER_API_KEY": "providers.openrouter.api_key",
		"PROMPTD_OPENROUTER_MODEL":   "providers.openrouter.model",
		"PROMPTD_ANTHROPIC_API_KEY":  "providers.anthropic.api_key",
		"PROMPTD_ANTHROPIC_MODEL":    "providers.anthropic.model",
		"PROMPTD_DATA_DIR":           "storage.data_dir",
		"PROMPTD_SESSION_TTL":        "storage.session_ttl",
		"PROMPTD_LOG_LEVEL":          "log.level",
	}
	for env, key := range overrides {
		if value := os.Getenv(env); value != "" {
			setKey(cfg, key, value)
		}
	}
}
