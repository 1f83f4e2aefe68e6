package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Broker  BrokerConfig
	AI      AIConfig
	Relay   RelayConfig
	Journal JournalConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	broker, err := loadBrokerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Broker:  broker,
		AI:      ai,
		Relay:   relay,
		Journal: JournalConfig{Path: strings.TrimSpace(os.Getenv("JOURNAL_PATH"))},
		Log:     logCfg,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// Broker kinds.
const (
	BrokerMQTT   = "mqtt"
	BrokerNATS   = "nats"
	BrokerRedis  = "redis"
	BrokerMemory = "memory"
)

// BrokerConfig 描述消息代理连接。
type BrokerConfig struct {
	Kind              string
	Host              string
	Port              int
	Topic             string
	ClientID          string
	Keepalive         time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	ReconnectInterval time.Duration
	CleanSession      bool
}

// Address renders host:port.
func (c BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// URL renders the broker address in the scheme the configured kind expects.
func (c BrokerConfig) URL() string {
	switch c.Kind {
	case BrokerNATS:
		return "nats://" + c.Address()
	case BrokerRedis:
		return "redis://" + c.Address()
	case BrokerMemory:
		return "memory://" + c.Topic
	default:
		return "tcp://" + c.Address()
	}
}

// DefaultPort returns the conventional port of a broker kind.
func DefaultPort(kind string) int {
	switch kind {
	case BrokerNATS:
		return 4222
	case BrokerRedis:
		return 6379
	default:
		return 1883
	}
}

// ParseBrokerKind normalizes a broker kind and rejects unknown ones.
func ParseBrokerKind(raw string) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(raw))
	switch kind {
	case BrokerMQTT, BrokerNATS, BrokerRedis, BrokerMemory:
		return kind, nil
	default:
		return "", fmt.Errorf("invalid BROKER_KIND value %q", raw)
	}
}

func loadBrokerConfig() (BrokerConfig, error) {
	kind, err := ParseBrokerKind(getEnvOrDefault("BROKER_KIND", BrokerMQTT))
	if err != nil {
		return BrokerConfig{}, err
	}

	port := DefaultPort(kind)
	if override, err := parseOptionalIntEnv("BROKER_PORT"); err != nil {
		return BrokerConfig{}, err
	} else if override != nil {
		if *override <= 0 || *override > 65535 {
			return BrokerConfig{}, fmt.Errorf("invalid BROKER_PORT value %d", *override)
		}
		port = *override
	}

	keepalive, err := parseDurationEnv("BROKER_KEEPALIVE", 60*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	connectTimeout, err := parseDurationEnv("BROKER_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	publishTimeout, err := parseDurationEnv("BROKER_PUBLISH_TIMEOUT", 5*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	reconnect, err := parseDurationEnv("BROKER_RECONNECT_INTERVAL", 30*time.Second)
	if err != nil {
		return BrokerConfig{}, err
	}
	cleanSession, err := parseBoolEnv("BROKER_CLEAN_SESSION", false)
	if err != nil {
		return BrokerConfig{}, err
	}

	clientID := strings.TrimSpace(os.Getenv("BROKER_CLIENT_ID"))
	if clientID == "" {
		// 每个运行实例都需要唯一的客户端 ID，否则代理会踢掉旧会话。
		clientID = "chatmirror-" + uuid.NewString()
	}

	return BrokerConfig{
		Kind:              kind,
		Host:              getEnvOrDefault("BROKER_HOST", "test.mosquitto.org"),
		Port:              port,
		Topic:             getEnvOrDefault("BROKER_TOPIC", "hackaton-test"),
		ClientID:          clientID,
		Keepalive:         keepalive,
		ConnectTimeout:    connectTimeout,
		PublishTimeout:    publishTimeout,
		ReconnectInterval: reconnect,
		CleanSession:      cleanSession,
	}, nil
}

// Completion providers.
const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider     string
	APIURL       string
	APIKey       string
	Model        string
	Timeout      time.Duration
	HistoryLimit int
	PersonaID    string

	// Ark 专用
	AccessKey   string
	SecretKey   string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Provider == ProviderArk {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.APIURL != "" && c.APIKey != ""
}

// NewArkChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewArkChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 API_KEY + AI_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	chatModel, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return chatModel, nil
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderOpenAI))
	if provider != ProviderOpenAI && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	timeout, err := parseDurationEnv("AI_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 0
	if override, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		historyLimit = *override
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:     provider,
		APIURL:       getEnvOrDefault("API_URL", "https://api.openai.com/v1/chat/completions"),
		APIKey:       strings.TrimSpace(os.Getenv("API_KEY")),
		Model:        getEnvOrDefault("AI_MODEL", "gpt-4-turbo-2024-04-09"),
		Timeout:      timeout,
		HistoryLimit: historyLimit,
		PersonaID:    strings.TrimSpace(os.Getenv("PERSONA_ID")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}, nil
}

// RelayConfig 描述刷新循环与入站队列。
type RelayConfig struct {
	TickInterval time.Duration
	QueueLimit   int
}

func loadRelayConfig() (RelayConfig, error) {
	tick, err := parseDurationEnv("RELAY_TICK_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return RelayConfig{}, err
	}
	if tick <= 0 {
		return RelayConfig{}, fmt.Errorf("invalid RELAY_TICK_INTERVAL value %s", tick)
	}

	limit := 0
	if override, err := parseOptionalIntEnv("RELAY_QUEUE_LIMIT"); err != nil {
		return RelayConfig{}, err
	} else if override != nil && *override > 0 {
		limit = *override
	}

	return RelayConfig{TickInterval: tick, QueueLimit: limit}, nil
}

// JournalConfig 描述可选的 SQLite 审计日志。
type JournalConfig struct {
	Path string
}

func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// LogConfig 描述日志级别与输出位置。File 为空时写到 stderr。
type LogConfig struct {
	Level       string
	Development bool
	File        string
}

func loadLogConfig() (LogConfig, error) {
	dev, err := parseBoolEnv("LOG_DEVELOPMENT", false)
	if err != nil {
		return LogConfig{}, err
	}
	return LogConfig{
		Level:       strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Development: dev,
		File:        strings.TrimSpace(os.Getenv("LOG_FILE")),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
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

// parseDurationEnv 接受 Go duration 字符串，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
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
