package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortFromArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    int
		wantErr bool
	}{
		{"none", nil, DefaultPort, false},
		{"valid", []string{"9000"}, 9000, false},
		{"spaces", []string{" 9001 "}, 9001, false},
		{"not a number", []string{"http"}, DefaultPort, true},
		{"zero", []string{"0"}, DefaultPort, true},
		{"too large", []string{"70000"}, DefaultPort, true},
		{"extra args ignored", []string{"7000", "x"}, 7000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PortFromArgs(tt.args)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textrelay.yaml")
	yaml := "addr: \":9100\"\nstorage_root: /srv/relay\nmax_file_size: 1024\nwrite_timeout: 3s\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("TEXTRELAY_MAX_FILE_SIZE", "2048")

	cfg, err := LoadConfig(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "/srv/relay", cfg.StorageRoot)
	assert.EqualValues(t, 2048, cfg.MaxFileSize)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	v := NewViper()
	v.Set("max_file_size", 0)
	_, err := LoadConfig(v, "")
	assert.ErrorContains(t, err, "max_file_size")
}

func TestConfigYAML(t *testing.T) {
	out, err := ConfigYAML(DefaultConfig())
	require.NoError(t, err)
	assert.Contains(t, string(out), "storage_root: .")
	assert.Contains(t, string(out), "handshake_timeout: 30s")
}
