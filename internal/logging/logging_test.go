package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want Config
	}{
		{"defaults", nil, Config{Level: LevelWarn, Format: FormatText}},
		{"overrides", map[string]string{EnvLevel: "DEBUG", EnvFormat: " json "}, Config{Level: LevelDebug, Format: FormatJSON}},
		{"empty ignored", map[string]string{EnvLevel: ""}, Config{Level: LevelWarn, Format: FormatText}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConfigFromEnv(env(tt.vars)))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	err := Config{Level: "verbose", Format: FormatText}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid log level "verbose"`)

	err = Config{Level: LevelInfo, Format: "xml"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid log format "xml"`)
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Format: FormatText}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "key", "0")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown key=0")
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelDebug, Format: FormatJSON}, &buf)
	require.NoError(t, err)

	logger.Debug("resolved", "key", "3")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "resolved", rec["msg"])
	assert.Equal(t, "3", rec["key"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: FormatText}, &bytes.Buffer{})

	assert.Error(t, err)
}
