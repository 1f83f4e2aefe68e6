package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "BROKER_KIND", "BROKER_HOST", "BROKER_PORT", "BROKER_TOPIC", "BROKER_CLIENT_ID",
		"BROKER_KEEPALIVE", "BROKER_CONNECT_TIMEOUT", "BROKER_PUBLISH_TIMEOUT",
		"BROKER_RECONNECT_INTERVAL", "BROKER_CLEAN_SESSION", "API_URL", "API_KEY", "AI_PROVIDER",
		"AI_MODEL", "AI_TIMEOUT", "AI_HISTORY_LIMIT", "PERSONA_ID", "RELAY_TICK_INTERVAL",
		"RELAY_QUEUE_LIMIT", "JOURNAL_PATH", "LOG_LEVEL", "LOG_DEVELOPMENT", "LOG_FILE",
		"ARK_TEMPERATURE", "ARK_MAX_TOKENS", "ARK_ACCESS_KEY", "ARK_SECRET_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BrokerMQTT, cfg.Broker.Kind)
	assert.Equal(t, "test.mosquitto.org:1883", cfg.Broker.Address())
	assert.Equal(t, "tcp://test.mosquitto.org:1883", cfg.Broker.URL())
	assert.Equal(t, "hackaton-test", cfg.Broker.Topic)
	assert.Equal(t, 60*time.Second, cfg.Broker.Keepalive)
	assert.True(t, strings.HasPrefix(cfg.Broker.ClientID, "chatmirror-"))
	assert.False(t, cfg.Broker.CleanSession)

	assert.Equal(t, ProviderOpenAI, cfg.AI.Provider)
	assert.Equal(t, "gpt-4-turbo-2024-04-09", cfg.AI.Model)
	assert.False(t, cfg.AI.Enabled(), "no API key configured")

	assert.Equal(t, 500*time.Millisecond, cfg.Relay.TickInterval)
	assert.Zero(t, cfg.Relay.QueueLimit)
	assert.False(t, cfg.Journal.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadClientIDsAreUniquePerLoad(t *testing.T) {
	clearEnv(t)

	a, err := Load()
	require.NoError(t, err)
	b, err := Load()
	require.NoError(t, err)
	assert.NotEqual(t, a.Broker.ClientID, b.Broker.ClientID)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_KIND", "NATS")
	t.Setenv("BROKER_HOST", "localhost")
	t.Setenv("BROKER_TOPIC", "plant-floor")
	t.Setenv("BROKER_CLIENT_ID", "console-1")
	t.Setenv("BROKER_KEEPALIVE", "15")
	t.Setenv("BROKER_RECONNECT_INTERVAL", "2s")
	t.Setenv("API_KEY", "secret")
	t.Setenv("AI_HISTORY_LIMIT", "8")
	t.Setenv("RELAY_QUEUE_LIMIT", "100")
	t.Setenv("JOURNAL_PATH", "/tmp/journal.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.Broker.URL())
	assert.Equal(t, "plant-floor", cfg.Broker.Topic)
	assert.Equal(t, "console-1", cfg.Broker.ClientID)
	assert.Equal(t, 15*time.Second, cfg.Broker.Keepalive)
	assert.Equal(t, 2*time.Second, cfg.Broker.ReconnectInterval)
	assert.True(t, cfg.AI.Enabled())
	assert.Equal(t, 8, cfg.AI.HistoryLimit)
	assert.Equal(t, 100, cfg.Relay.QueueLimit)
	assert.True(t, cfg.Journal.Enabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"BROKER_KIND":         "carrier-pigeon",
		"BROKER_PORT":         "99999",
		"BROKER_KEEPALIVE":    "soon",
		"AI_PROVIDER":         "oracle",
		"RELAY_TICK_INTERVAL": "0s",
		"LOG_DEVELOPMENT":     "maybe",
		"PORT":                "80 80",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestParseBrokerKind(t *testing.T) {
	kind, err := ParseBrokerKind(" NATS ")
	require.NoError(t, err)
	assert.Equal(t, BrokerNATS, kind)
	assert.Equal(t, 4222, DefaultPort(kind))
	assert.Equal(t, 6379, DefaultPort(BrokerRedis))
	assert.Equal(t, 1883, DefaultPort(BrokerMQTT))

	_, err = ParseBrokerKind("carrier-pigeon")
	assert.ErrorContains(t, err, "BROKER_KIND")
}
