package roomio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigSanitizeFillsDefaults(t *testing.T) {
	cfg := Config{AckTimeout: -time.Second}.sanitize()

	assert.Zero(t, cfg.AckTimeout)
	assert.Equal(t, 45*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 20*time.Second, cfg.PingTimeout)
	assert.Equal(t, int64(1e6), cfg.MaxPayload)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.NotNil(t, cfg.Logger)
	assert.IsType(t, &MemoryAdapter{}, cfg.AdapterFactory(nil))
}

func TestConfigSanitizeKeepsValues(t *testing.T) {
	origins := []string{"https://example.com"}
	cfg := Config{
		ConnectTimeout: time.Second,
		PingInterval:   2 * time.Second,
		AllowedOrigins: origins,
	}.sanitize()

	assert.Equal(t, time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.PingInterval)

	origins[0] = "mutated"
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ROOMIO_ACK_TIMEOUT", "1500")
	t.Setenv("ROOMIO_CONNECT_TIMEOUT", "3s")
	t.Setenv("ROOMIO_PING_INTERVAL", "garbage")
	t.Setenv("ROOMIO_MAX_PAYLOAD", "2048")
	t.Setenv("ROOMIO_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ROOMIO_COMPRESSION", "true")
	t.Setenv("ROOMIO_PRESERVE_SID", "1")

	cfg := ConfigFromEnv()

	assert.Equal(t, 1500*time.Millisecond, cfg.AckTimeout)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 25*time.Second, cfg.PingInterval, "invalid values fall back")
	assert.Equal(t, int64(2048), cfg.MaxPayload)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.EnableCompression)
	assert.True(t, cfg.PreserveSessionID)
}
