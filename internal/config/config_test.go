package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("GATEWAY_TIMEOUT", "")
	t.Setenv("MERCADOPAGO_SANDBOX", "")

	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 8*time.Second, cfg.GatewayTimeout)
	assert.True(t, cfg.Payment.Sandbox)
	assert.Equal(t, "COP", cfg.Payment.Currency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("GATEWAY_TIMEOUT", "2s")
	t.Setenv("MERCADOPAGO_SANDBOX", "false")
	t.Setenv("NOTIFY_WORKERS", "not-a-number")
	t.Setenv("SMTP_PORT", "2525")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2*time.Second, cfg.GatewayTimeout)
	assert.False(t, cfg.Payment.Sandbox)
	assert.Equal(t, 2, cfg.NotifyWorkers)
	assert.Equal(t, 2525, cfg.SMTP.Port)
}
