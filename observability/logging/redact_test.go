package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskFieldHidesSecrets(t *testing.T) {
	attr := MaskField("keystore_passphrase", "hunter2")
	require.Equal(t, RedactedValue, attr.Value.String())

	allowed := MaskField("job_id", "job-1")
	require.Equal(t, "job-1", allowed.Value.String())

	empty := MaskField("signing_private_key", "")
	require.Equal(t, "", empty.Value.String())
}

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"telegram_token", "Webhook_Secret", "database_dsn", "Authorization", "sealed_key"} {
		require.True(t, IsSensitive(key), key)
	}
	for _, key := range []string{"job_id", "tx_hash", "sequence", "attempts"} {
		require.False(t, IsSensitive(key), key)
	}
}

func TestLoggerUsesServiceKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(buf, "payoutd", "test")
	logger.Info("tick complete", "jobs", 2)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "payoutd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "INFO", line["severity"])
	require.Equal(t, "tick complete", line["message"])
	require.Contains(t, line, "timestamp")
}

func TestLoggerRedactsSecrets(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := newLogger(buf, "payoutd", "")
	logger.Warn("misconfigured", slog.String("bot_token", "123:abc"), slog.Group("webhook", slog.String("secret", "s3cr3t"), slog.String("url", "https://hooks")))

	require.NotContains(t, buf.String(), "123:abc")
	require.NotContains(t, buf.String(), "s3cr3t")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, RedactedValue, line["bot_token"])
	require.Equal(t, "https://hooks", line["webhook"].(map[string]any)["url"])
}
