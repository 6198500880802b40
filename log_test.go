package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readJSONLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestLoggersWriteCaptureFiles(t *testing.T) {
	cfg := defaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")

	logs, err := newLoggers(cfg)
	require.NoError(t, err)

	logs.credential("10.0.0.1:4242", "root", "toor", 6, verdictAdmit)

	slog, err := logs.newSessionLogger("10.0.0.1:4242", "root", []byte{1, 2})
	require.NoError(t, err)
	slog.Info("command", zap.String("command", "ls"))
	slog.close()
	logs.sync()

	creds := readJSONLines(t, cfg.credLogPath())
	require.Len(t, creds, 1)
	require.Equal(t, "auth attempt", creds[0]["msg"])
	require.Equal(t, "root", creds[0]["username"])
	require.Equal(t, "toor", creds[0]["password"])
	require.Equal(t, "admit", creds[0]["verdict"])
	require.EqualValues(t, 6, creds[0]["attempt"])
	require.Contains(t, creds[0], "ts")

	app := readJSONLines(t, cfg.appLogPath())
	require.NotEmpty(t, app)

	matches, err := filepath.Glob(filepath.Join(cfg.sessionDir(), "10_0_0_1_4242_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	sess := readJSONLines(t, matches[0])
	require.Len(t, sess, 1)
	require.Equal(t, "command", sess[0]["msg"])
	require.Equal(t, "ls", sess[0]["command"])
	require.Equal(t, "root", sess[0]["user"])
}

func TestLoggersWithoutLogDir(t *testing.T) {
	cfg := defaultConfig()
	cfg.LogDir = ""

	logs, err := newLoggers(cfg)
	require.NoError(t, err)
	require.True(t, logs.credIsApp)

	slog, err := logs.newSessionLogger("pipe", "root", nil)
	require.NoError(t, err)
	require.Nil(t, slog.f)
	slog.close()
}
