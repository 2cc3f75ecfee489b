package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{
		"switches": [
			{"name": "rack-a", "serial": "ABC123", "tcp_port_base": 10000},
			{"name": "fallback", "tcp_port_base": 10010}
		],
		"tcp_idle_timeout_seconds": 30,
		"persist_dir": "/var/lib/urs485d"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Switches, 2)
	assert.Equal(t, "rack-a", cfg.Switches[0].Name)
	assert.Equal(t, 30, cfg.TCPIdleTimeoutS)
}

func TestValidateRejectsEmptySwitchList(t *testing.T) {
	cfg := &Config{PersistDir: "/tmp"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicatePortBase(t *testing.T) {
	cfg := &Config{
		Switches: []SwitchConfig{
			{Name: "a", Serial: "S1", TCPPortBase: 10000},
			{Name: "b", Serial: "S2", TCPPortBase: 10000},
		},
		PersistDir: "/tmp",
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonTrailingSeriallessSwitch(t *testing.T) {
	cfg := &Config{
		Switches: []SwitchConfig{
			{Name: "a", TCPPortBase: 10000},
			{Name: "b", Serial: "S2", TCPPortBase: 10010},
		},
		PersistDir: "/tmp",
	}
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateAllowsTrailingSeriallessSwitch(t *testing.T) {
	cfg := &Config{
		Switches: []SwitchConfig{
			{Name: "a", Serial: "S1", TCPPortBase: 10000},
			{Name: "b", TCPPortBase: 10010},
		},
		PersistDir: "/tmp",
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsMissingPersistDir(t *testing.T) {
	cfg := &Config{
		Switches: []SwitchConfig{{Name: "a", Serial: "S1", TCPPortBase: 10000}},
	}
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
