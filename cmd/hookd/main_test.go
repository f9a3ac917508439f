package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/hookd/internal/config"
)

func TestServeAndSend(t *testing.T) {
	dir, err := os.MkdirTemp("", "hookd-cli")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Server.SocketPath = filepath.Join(dir, "hookd.sock")
	cfg.AutoAllow.Path = filepath.Join(dir, "autoallow.yaml")
	cfg.Log.Level = "error"
	require.NoError(t, os.WriteFile(cfg.AutoAllow.Path, []byte("sessions:\n  s1: [Read]\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Server.SocketPath)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	var out bytes.Buffer
	rootCmd.SetArgs([]string{"send", "--socket", cfg.Server.SocketPath, "--timeout", "2s"})
	rootCmd.SetIn(strings.NewReader(`{"event":"PermissionRequest","sessionId":"s1","tool":"Read","status":"waiting_for_approval"}`))
	rootCmd.SetOut(&out)
	require.NoError(t, rootCmd.Execute())
	assert.JSONEq(t, `{"decision":"allow"}`, out.String())

	out.Reset()
	rootCmd.SetArgs([]string{"send", "--socket", cfg.Server.SocketPath})
	rootCmd.SetIn(strings.NewReader(`{"event":"SessionStart","sessionId":"s2"}`))
	require.NoError(t, rootCmd.Execute())
	assert.Empty(t, out.String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
	_, err = os.Stat(cfg.Server.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetArgs([]string{"version"})
	rootCmd.SetOut(&out)
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "hookd version "+version+"\n", out.String())
}
