package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceFormatter(t *testing.T) {
	var buf bytes.Buffer
	SetupLogTo(&buf, "pinvault-test", false)
	log.WithField("artifactID", "a1").Info("hello")

	m := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "pinvault-test", m["service"])
	assert.Equal(t, "a1", m["artifactID"])
	assert.Equal(t, "hello", m["msg"])
	assert.Contains(t, m, "epochTimeMillis")
	assert.NotContains(t, m, "time", "zonal timestamp should be disabled")
}

func TestSetupLogToVerbose(t *testing.T) {
	var buf bytes.Buffer
	SetupLogTo(&buf, "pinvault-test", true)
	defer SetupLogTo(&buf, "pinvault-test", false)
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestWithFuncName(t *testing.T) {
	e := WithFuncName()
	assert.True(t, strings.HasSuffix(e.Data["funcName"].(string), "TestWithFuncName"))
	e = WithRequester("u1")
	assert.True(t, strings.HasSuffix(e.Data["funcName"].(string), "TestWithFuncName"))
	assert.Equal(t, "u1", e.Data["requesterID"])
}
