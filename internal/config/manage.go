package config

import "fmt"

// KeyInfo describes a config key for display.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

type keySpec struct {
	key     string
	env     string
	secret  bool
	extract func(Config) any
}

var specs = []keySpec{
	{key: "server.port", env: "PROMPTD_PORT", extract: func(c Config) any { return c.Server.Port }},
	{key: "server.api_token", env: "PROMPTD_API_TOKEN", secret: true, extract: func(c Config) any { return c.Server.APIToken }},
	{key: "queue.concurrency", env: "PROMPTD_CONCURRENCY", extract: func(c Config) any { return c.Queue.Concurrency }},
	{key: "queue.poll_interval", env: "PROMPTD_POLL_INTERVAL", extract: func(c Config) any { return c.Queue.PollInterval }},
	{key: "queue.history_window", env: "PROMPTD_HISTORY_WINDOW", extract: func(c Config) any { return c.Queue.HistoryWindow }},
	{key: "providers.system_prompt", env: "PROMPTD_SYSTEM_PROMPT", extract: func(c Config) any { return c.Providers.SystemPrompt }},
	{key: "providers.ollama.base_url", env: "PROMPTD_OLLAMA_BASE_URL", extract: func(c Config) any { return c.Providers.Ollama.BaseURL }},
	{key: "providers.ollama.model", env: "PROMPTD_OLLAMA_MODEL", extract: func(c Config) any { return c.Providers.Ollama.Model }},
	{key: "providers.ollama.enabled", env: "PROMPTD_OLLAMA_ENABLED", extract: func(c Config) any { return c.Providers.Ollama.Enabled }},
	{key: "providers.openrouter.api_key", env: "PROMPTD_OPENROUTER_API_KEY", secret: true, extract: func(c Config) any { return c.Providers.OpenRouter.APIKey }},
	{key: "providers.openrouter.model", env: "PROMPTD_OPENROUTER_MODEL", extract: func(c Config) any { return c.Providers.OpenRouter.Model }},
	{key: "providers.anthropic.api_key", env: "PROMPTD_ANTHROPIC_API_KEY", secret: true, extract: func(c Config) any { return c.Providers.Anthropic.APIKey }},
	{key: "providers.anthropic.model", env: "PROMPTD_ANTHROPIC_MODEL", extract: func(c Config) any { return c.Providers.Anthropic.Model }},
	{key: "storage.data_dir", env: "PROMPTD_DATA_DIR", extract: func(c Config) any { return c.Storage.DataDir }},
	{key: "storage.session_ttl", env: "PROMPTD_SESSION_TTL", extract: func(c Config) any { return c.Storage.SessionTTL }},
	{key: "log.level", env: "PROMPTD_LOG_LEVEL", extract: func(c Config) any { return c.Log.Level }},
}

// ShowAll returns all non-secret config keys with their current values.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  fmt.Sprintf("%v", s.extract(cfg)),
		})
	}
	return result
}

// SetKey writes a config key to the file backend.
func SetKey(key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
		}
		return newFileBackend().Set(key, value)
	}
	return fmt.Errorf("unknown config key: %q", key)
}
