package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/netly/fleet/internal/agent/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.4.0")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func agentConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	path := filepath.Join(dir, "agent.yaml")
	body := "state_dir: " + state + "\nlog_path: " + filepath.Join(dir, "agent.log") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, state
}

func TestImageLifecycle(t *testing.T) {
	artifact := []byte("#!/bin/sh\necho api\n")
	sum := sha256.Sum256(artifact)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/api-2.0.0/file" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Checksum-Sha256", hex.EncodeToString(sum[:]))
		w.Write(artifact)
	}))
	defer srv.Close()

	cfg, state := agentConfig(t)

	out, err := execute(t, "image", "pull", "--config", cfg, "--id", "api-2.0.0", "--from", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(state, "images", "api-2.0.0")+"\n", out)

	_, err = execute(t, "image", "pull", "--config", cfg, "--id", "api-9.9.9", "--from", srv.URL)
	require.Error(t, err)

	out, err = execute(t, "image", "install", "--config", cfg, "--service", "api", "--id", "api-2.0.0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "installed api from api-2.0.0"))
	data, err := os.ReadFile(filepath.Join(state, "services", "api", "api"))
	require.NoError(t, err)
	assert.Equal(t, artifact, data)

	out, err = execute(t, "image", "remove", "--config", cfg, "--service", "api")
	require.NoError(t, err)
	assert.Equal(t, "removed api\n", out)
	assert.NoDirExists(t, filepath.Join(state, "services", "api"))
}

func TestInstall_WritesConfigAndUnit(t *testing.T) {
	cfgPath, _ := agentConfig(t)
	unitDir := t.TempDir()

	out, err := execute(t, "install", "--config", cfgPath, "--node", "web-1",
		"--nats-url", "nats://10.0.0.1:4222", "--unit-dir", unitDir, "--no-systemd")
	require.NoError(t, err)
	assert.Equal(t, "agent installed for node web-1\n", out)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "web-1", cfg.Node)
	assert.Equal(t, "nats://10.0.0.1:4222", cfg.NatsURL)
	assert.Equal(t, "fleet", cfg.SubjectPrefix)

	unit, err := os.ReadFile(filepath.Join(unitDir, unitName))
	require.NoError(t, err)
	assert.Contains(t, string(unit), "run --config "+cfgPath)
}

func TestRun_RequiresNode(t *testing.T) {
	cfgPath, _ := agentConfig(t)
	_, err := execute(t, "run", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node is required")
}
