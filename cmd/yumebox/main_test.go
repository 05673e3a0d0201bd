package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yumelira/yumebox-go/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "YumeBox "))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	out, err := execute(t, "config", "init", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration written to "+path)

	cfg := config.DefaultConfig()
	require.NoError(t, config.LoadAndValidate(path, &cfg))
	assert.Equal(t, "127.0.0.1:7895", cfg.API.Listen)

	_, err = execute(t, "config", "init", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	out, err = execute(t, "config", "init", "-c", path, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "backed up to")

	matches, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestConfigInit_Output(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "other.yaml")

	_, err := execute(t, "config", "init", "-c", filepath.Join(dir, "config.yaml"), "-o", out)
	require.NoError(t, err)

	_, err = os.Stat(out)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "config.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration invalid")

	require.NoError(t, os.WriteFile(path, []byte("core:\n  binary: \"\"\n"), 0o600))
	_, err = execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "core.binary")

	require.NoError(t, config.Save(path, config.DefaultConfig()))
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
}

func TestRunCommand_MissingConfig(t *testing.T) {
	_, err := execute(t, "run", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestSubcommands(t *testing.T) {
	root := newRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "version", "validate", "config", "service", "ctl"} {
		assert.True(t, names[want], want)
	}
}
