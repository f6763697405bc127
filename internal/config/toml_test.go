package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempToml(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestSearchTomlFile(t *testing.T) {
	existing := writeTempToml(t, "")
	missing := filepath.Join(t.TempDir(), "nope", FileName)

	tcs := []struct {
		name       string
		customDir  string
		lookupDirs []string
		want       string
		wantErr    bool
	}{
		{
			name:      "custom path found",
			customDir: existing,
			want:      existing,
		},
		{
			name:      "custom path missing",
			customDir: missing,
			wantErr:   true,
		},
		{
			name:       "lookup path found",
			lookupDirs: []string{missing, existing},
			want:       existing,
		},
		{
			name:       "empty lookup entries skipped",
			lookupDirs: []string{"", existing},
			want:       existing,
		},
		{
			name:       "nothing found is not an error",
			lookupDirs: []string{missing},
			want:       "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got, err := searchTomlFile(tc.customDir, tc.lookupDirs)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFromTomlFile(t *testing.T) {
	path := writeTempToml(t, sampleToml)

	cfg, err := fromTomlFile(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, zerolog.DebugLevel, *cfg.General.LogLevel)
	assert.Len(t, cfg.Rules, 2)
}

func TestFromTomlFileRejectsBadConfig(t *testing.T) {
	path := writeTempToml(t, "[dns]\nupstream = \"no-port\"\n")

	_, err := fromTomlFile(path)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := writeTempToml(t, sampleToml)

	cfg, loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, loaded)

	// File values override the defaults, untouched defaults survive.
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "9.9.9.9:53", *cfg.DNS.Upstream)
	assert.Equal(t, "127.0.0.1:5353", *cfg.DNS.ListenAddr)
	assert.Len(t, cfg.Rules, 2)
}

func TestLoadMissingExplicitPath(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	path := writeTempToml(t, "[general]\nsilent = true\n")
	t.Setenv(EnvConfigPath, path)

	cfg, loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, path, loaded)
	assert.True(t, cfg.Silent())
}
