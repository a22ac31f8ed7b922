package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv 使用环境变量覆盖配置，未设置的变量保持原值。
func applyEnv(cfg *Config) error {
	addr, err := parseAddrEnv("PORT", cfg.Server.Addr)
	if err != nil {
		return err
	}
	cfg.Server.Addr = addr
	cfg.Server.SharedSecret = getEnvOrDefault("BRIDGE_SHARED_SECRET", cfg.Server.SharedSecret)
	if origins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	if cfg.Server.RateLimitRPS, err = parseFloatEnv("RATE_LIMIT_RPS", cfg.Server.RateLimitRPS); err != nil {
		return err
	}
	if cfg.Server.RateLimitBurst, err = parseIntEnv("RATE_LIMIT_BURST", cfg.Server.RateLimitBurst); err != nil {
		return err
	}

	llm := &cfg.LLM
	llm.DefaultProvider = getEnvOrDefault("LLM_PROVIDER", llm.DefaultProvider)
	if llm.MaxTokens, err = parseIntEnv("LLM_MAX_TOKENS", llm.MaxTokens); err != nil {
		return err
	}
	if llm.MaxSentences, err = parseIntEnv("LLM_MAX_SENTENCES", llm.MaxSentences); err != nil {
		return err
	}
	if llm.Timeout, err = parseDurationEnv("LLM_TIMEOUT", llm.Timeout); err != nil {
		return err
	}
	if llm.TimeoutRetries, err = parseIntEnv("LLM_TIMEOUT_RETRIES", llm.TimeoutRetries); err != nil {
		return err
	}
	if llm.Stream, err = parseBoolEnv("LLM_STREAM", llm.Stream); err != nil {
		return err
	}

	llm.Claude.APIKey = getEnvOrDefault("ANTHROPIC_API_KEY", llm.Claude.APIKey)
	llm.Claude.Model = getEnvOrDefault("ANTHROPIC_MODEL", llm.Claude.Model)
	llm.Claude.BaseURL = getEnvOrDefault("ANTHROPIC_BASE_URL", llm.Claude.BaseURL)

	llm.OpenAI.APIKey = getEnvOrDefault("OPENAI_API_KEY", llm.OpenAI.APIKey)
	llm.OpenAI.Model = getEnvOrDefault("OPENAI_MODEL", llm.OpenAI.Model)
	llm.OpenAI.BaseURL = getEnvOrDefault("OPENAI_BASE_URL", llm.OpenAI.BaseURL)

	llm.Gemini.APIKey = getEnvOrDefault("GEMINI_API_KEY", llm.Gemini.APIKey)
	llm.Gemini.Model = getEnvOrDefault("GEMINI_MODEL", llm.Gemini.Model)
	llm.Gemini.BaseURL = getEnvOrDefault("GEMINI_BASE_URL", llm.Gemini.BaseURL)

	llm.Ark.APIKey = getEnvOrDefault("ARK_API_KEY", llm.Ark.APIKey)
	llm.Ark.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", llm.Ark.AccessKey)
	llm.Ark.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", llm.Ark.SecretKey)
	llm.Ark.Model = getEnvOrDefault("ARK_MODEL", llm.Ark.Model)
	llm.Ark.BaseURL = getEnvOrDefault("ARK_BASE_URL", llm.Ark.BaseURL)
	llm.Ark.Region = getEnvOrDefault("ARK_REGION", llm.Ark.Region)
	if v, err := parseOptionalFloatEnv("ARK_TEMPERATURE"); err != nil {
		return err
	} else if v != nil {
		llm.Ark.Temperature = v
	}
	if v, err := parseOptionalFloatEnv("ARK_TOP_P"); err != nil {
		return err
	} else if v != nil {
		llm.Ark.TopP = v
	}

	if cfg.Emotion.Threshold, err = parseFloatEnv("EMOTION_THRESHOLD", cfg.Emotion.Threshold); err != nil {
		return err
	}
	if cfg.Emotion.TopN, err = parseIntEnv("EMOTION_TOP_N", cfg.Emotion.TopN); err != nil {
		return err
	}
	if cfg.Emotion.MaxLength, err = parseIntEnv("EMOTION_MAX_LENGTH", cfg.Emotion.MaxLength); err != nil {
		return err
	}
	cfg.Emotion.Format = strings.ToLower(getEnvOrDefault("EMOTION_FORMAT", cfg.Emotion.Format))
	if cfg.Emotion.TextFallback, err = parseBoolEnv("EMOTION_TEXT_FALLBACK", cfg.Emotion.TextFallback); err != nil {
		return err
	}

	cfg.Session.BusyPolicy = strings.ToLower(getEnvOrDefault("SESSION_BUSY_POLICY", cfg.Session.BusyPolicy))
	if cfg.Session.FallbackEnabled, err = parseBoolEnv("SESSION_FALLBACK_ENABLED", cfg.Session.FallbackEnabled); err != nil {
		return err
	}
	cfg.Session.FallbackMessage = getEnvOrDefault("SESSION_FALLBACK_MESSAGE", cfg.Session.FallbackMessage)
	if cfg.Session.AwaitPlaybackAck, err = parseBoolEnv("SESSION_AWAIT_PLAYBACK_ACK", cfg.Session.AwaitPlaybackAck); err != nil {
		return err
	}
	if cfg.Session.MailboxSize, err = parseIntEnv("SESSION_MAILBOX_SIZE", cfg.Session.MailboxSize); err != nil {
		return err
	}

	cfg.Log.Level = strings.ToLower(getEnvOrDefault("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(getEnvOrDefault("LOG_FORMAT", cfg.Log.Format))

	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	if cfg.Redis.DB, err = parseIntEnv("REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}
	cfg.Redis.Channel = getEnvOrDefault("REDIS_CHANNEL", cfg.Redis.Channel)
	if cfg.Redis.StatusTTL, err = parseDurationEnv("REDIS_STATUS_TTL", cfg.Redis.StatusTTL); err != nil {
		return err
	}

	if cfg.Metrics.Enabled, err = parseBoolEnv("METRICS_ENABLED", cfg.Metrics.Enabled); err != nil {
		return err
	}
	cfg.Metrics.Namespace = getEnvOrDefault("METRICS_NAMESPACE", cfg.Metrics.Namespace)

	return nil
}

// parseAddrEnv 解析服务器监听地址。
func parseAddrEnv(key, defaultValue string) (string, error) {
	port := strings.TrimSpace(os.Getenv(key))
	if port == "" {
		return defaultValue, nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}

	return ":" + port, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil || val == nil {
		return defaultValue, err
	}
	return *val, nil
}

// parseDurationEnv 接受 "20s" 这样的时长或纯数字秒数。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if seconds, err := strconv.Atoi(raw); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
