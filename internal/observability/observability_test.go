package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	log.WithField("order_id", "o-1").Info("hidden")
	log.WithField("order_id", "o-1").Warn("visible")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "visible", entry["msg"])
	assert.Equal(t, "o-1", entry["order_id"])
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
}

func TestNewLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(&buf, "debug", "text")
	require.NoError(t, err)

	log.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)

	_, err = NewLogger(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestSetupTracing_Disabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "", "ledger")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
