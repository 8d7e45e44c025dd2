package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"backend", "ping", "config"}, names)
}

func TestConfigCommand_AppliesFlagsAndMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiveroute.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nats:
  urls: ["nats://broker:4222"]
  password: hunter2
  username: backend
`), 0o600))

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "--config", path, "--log-format", "text", "--debug"})
	require.NoError(t, root.Execute())

	var printed map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	nats := printed["nats"].(map[string]any)
	assert.Equal(t, "****", nats["password"])
	logCfg := printed["log"].(map[string]any)
	assert.Equal(t, "debug", logCfg["level"])
	assert.Equal(t, "text", logCfg["format"])
}

func TestConfigCommand_RejectsInvalidFlags(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"config", "--log-level", "verbose"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("dropped")
	logger.Warn("kept", "subscriber", 7)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, appName, line["service"])
	assert.EqualValues(t, 7, line["subscriber"])
	assert.NotContains(t, line, "source")
}
