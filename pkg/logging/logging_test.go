package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "json")
	require.NoError(t, err)

	Component(logger, "relay").WithField("client_id", "abc").Debug("registered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "relay", entry["component"])
	assert.Equal(t, "abc", entry["client_id"])
	assert.Equal(t, "registered", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "text")
	require.NoError(t, err)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	t.Setenv(EnvFormat, "json")

	var buf bytes.Buffer
	logger, err := New(&buf, "debug", "text")
	require.NoError(t, err)

	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestConfigureErrors(t *testing.T) {
	var buf bytes.Buffer

	_, err := New(&buf, "chatty", "text")
	assert.Error(t, err)

	_, err = New(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestComponentNilLogger(t *testing.T) {
	entry := Component(nil, "queue")
	assert.Equal(t, "queue", entry.Data["component"])
	assert.Equal(t, logrus.StandardLogger(), entry.Logger)
}
