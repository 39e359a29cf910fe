package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/pvmailbox/config"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := Setup(config.LoggingConfig{Level: "DEBUG"}, &buf)
	require.NoError(t, err)
	defer cleanup()

	require.Equal(t, zerolog.DebugLevel, logger.GetLevel())
	logger.Debug().Str("channel", "foo").Msg("Assign foo = 5")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "Assign foo = 5", line["message"])
	require.Equal(t, "foo", line["channel"])
	require.Contains(t, line, "time")
}

func TestSetupText(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := Setup(config.LoggingConfig{Format: "text"}, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hello")
	require.Contains(t, buf.String(), "hello")
	require.NotContains(t, buf.String(), "{")

	buf.Reset()
	logger.Debug().Msg("hidden")
	require.Empty(t, buf.String())
}

func TestSetupErrors(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Level: "loud"}, nil)
	require.ErrorContains(t, err, "log level")

	_, _, err = Setup(config.LoggingConfig{Format: "xml"}, nil)
	require.ErrorContains(t, err, "format")

	_, _, err = Setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}}, nil)
	require.ErrorContains(t, err, "loki url")
}

func TestLokiLabels(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "pvmailbox"}, lokiLabels(nil))
	labels := lokiLabels(map[string]string{"env": "lab", "bad-label": "x"})
	require.Equal(t, model.LabelSet{"env": "lab"}, labels)
}
