package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/clm-bridge/backend/internal/analysis/emotion"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

//go:embed providers.yaml
var providerDefaults []byte

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Emotion EmotionConfig `yaml:"emotion"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
	Redis   RedisConfig   `yaml:"redis"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	SharedSecret    string        `yaml:"shared_secret"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig 描述各个大模型后端以及调用约束。
type LLMConfig struct {
	DefaultProvider string         `yaml:"default_provider"`
	MaxTokens       int            `yaml:"max_tokens"`
	MaxSentences    int            `yaml:"max_sentences"`
	Timeout         time.Duration  `yaml:"timeout"`
	TimeoutRetries  int            `yaml:"timeout_retries"`
	Stream          bool           `yaml:"stream"`
	Claude          ProviderConfig `yaml:"claude"`
	OpenAI          ProviderConfig `yaml:"openai"`
	Gemini          ProviderConfig `yaml:"gemini"`
	Ark             ArkConfig      `yaml:"ark"`
}

// ProviderConfig 是 API Key 鉴权的通用后端配置。
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Enabled 表示是否提供了必需的密钥。
func (c ProviderConfig) Enabled() bool {
	return c.APIKey != "" && c.Model != ""
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey      string   `yaml:"api_key"`
	AccessKey   string   `yaml:"access_key"`
	SecretKey   string   `yaml:"secret_key"`
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url"`
	Region      string   `yaml:"region"`
	Temperature *float64 `yaml:"temperature"`
	TopP        *float64 `yaml:"top_p"`
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。SDK 内置重试被关闭，httpClient 为 nil 时使用 SDK 默认客户端。
func (c ArkConfig) NewChatModel(ctx context.Context, maxTokens int, httpClient *http.Client) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var tokens *int
	if maxTokens > 0 {
		tokens = &maxTokens
	}

	retryTimes := 0
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		HTTPClient:  httpClient,
		RetryTimes:  &retryTimes,
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   tokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

// EmotionConfig 描述情绪提示的生成方式。
type EmotionConfig struct {
	Threshold    float64 `yaml:"threshold"`
	TopN         int     `yaml:"top_n"`
	MaxLength    int     `yaml:"max_length"`
	Format       string  `yaml:"format"`
	TextFallback bool    `yaml:"text_fallback"`
}

// Options 转换为情绪提示构建参数。
func (c EmotionConfig) Options() emotion.Options {
	return emotion.Options{
		Threshold: c.Threshold,
		TopN:      c.TopN,
		MaxLength: c.MaxLength,
		Format:    emotion.Format(c.Format),
	}
}

// SessionConfig 描述单个会话编排器的策略。
type SessionConfig struct {
	BusyPolicy       string `yaml:"busy_policy"`
	FallbackEnabled  bool   `yaml:"fallback_enabled"`
	FallbackMessage  string `yaml:"fallback_message"`
	AwaitPlaybackAck bool   `yaml:"await_playback_ack"`
	MailboxSize      int    `yaml:"mailbox_size"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig 描述阶段变更广播所用的 Redis，Addr 为空表示关闭。
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Channel   string        `yaml:"channel"`
	KeyPrefix string        `yaml:"key_prefix"`
	StatusTTL time.Duration `yaml:"status_ttl"`
}

// Enabled 表示是否配置了 Redis 地址。
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// MetricsConfig 描述 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

const (
	BusyPolicyReject = "reject"
	BusyPolicyQueue  = "queue"

	DefaultFallbackMessage = "I'm having trouble thinking right now. Could you try again?"
)

// Default 返回内置默认值，包括嵌入的各后端默认模型。
func Default() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			AllowedOrigins:  []string{"*"},
			RateLimitRPS:    5,
			RateLimitBurst:  10,
			ShutdownTimeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: string(chat.ProviderClaude),
			MaxTokens:       300,
			MaxSentences:    3,
			Timeout:         20 * time.Second,
			TimeoutRetries:  1,
		},
		Emotion: EmotionConfig{
			Threshold: emotion.DefaultThreshold,
			TopN:      emotion.DefaultTopN,
			MaxLength: emotion.DefaultMaxLength,
			Format:    string(emotion.FormatText),
		},
		Session: SessionConfig{
			BusyPolicy:      BusyPolicyReject,
			FallbackEnabled: true,
			FallbackMessage: DefaultFallbackMessage,
			MailboxSize:     16,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Redis: RedisConfig{
			Channel:   "clm:phase",
			KeyPrefix: "clm:session:",
			StatusTTL: 10 * time.Minute,
		},
		Metrics: MetricsConfig{Enabled: true, Namespace: "clm_bridge"},
	}

	if err := yaml.Unmarshal(providerDefaults, &cfg.LLM); err != nil {
		return nil, fmt.Errorf("parse embedded provider defaults: %w", err)
	}
	return cfg, nil
}

// Load 依次应用默认值、可选的 YAML 文件以及环境变量，并校验结果。
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置取值是否合法。
func (c *Config) Validate() error {
	var errs []error

	if _, err := chat.ParseProvider(c.LLM.DefaultProvider); err != nil {
		errs = append(errs, fmt.Errorf("llm.default_provider: %w", err))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	if c.LLM.TimeoutRetries < 0 || c.LLM.TimeoutRetries > 2 {
		errs = append(errs, fmt.Errorf("llm.timeout_retries must be between 0 and 2, got %d", c.LLM.TimeoutRetries))
	}
	if c.LLM.MaxTokens < 0 {
		errs = append(errs, errors.New("llm.max_tokens must not be negative"))
	}
	if c.Emotion.Threshold < 0 || c.Emotion.Threshold > 1 {
		errs = append(errs, fmt.Errorf("emotion.threshold must be within [0,1], got %v", c.Emotion.Threshold))
	}
	switch emotion.Format(c.Emotion.Format) {
	case emotion.FormatText, emotion.FormatGuided:
	default:
		errs = append(errs, fmt.Errorf("emotion.format must be %q or %q, got %q", emotion.FormatText, emotion.FormatGuided, c.Emotion.Format))
	}
	switch c.Session.BusyPolicy {
	case BusyPolicyReject, BusyPolicyQueue:
	default:
		errs = append(errs, fmt.Errorf("session.busy_policy must be %q or %q, got %q", BusyPolicyReject, BusyPolicyQueue, c.Session.BusyPolicy))
	}
	if c.Session.MailboxSize < 1 {
		errs = append(errs, errors.New("session.mailbox_size must be at least 1"))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("server rate limit values must not be negative"))
	}

	return errors.Join(errs...)
}
