package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestLoad_RequiresGitSettings(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, map[string]string{
		"TL_GIT_REPO_URL":   "https://example.com/repo.git",
		"TL_GIT_AUTH_TOKEN": "tok",
	}, func() {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "prod", cfg.Environment)
		assert.False(t, cfg.IsDev)
		assert.Equal(t, 5001, cfg.ServerPort)
		assert.Equal(t, "main", cfg.GitBranch)
		assert.Equal(t, 5, cfg.MaxConcurrentPushes)
		assert.Equal(t, 12*time.Hour, cfg.SkopeoCacheDuration)
		assert.InDelta(t, 0.1, cfg.SkopeoCacheVariance, 1e-9)
		assert.Equal(t, []string{"latest", "stable", "mainline", "develop"}, cfg.ValidReleases)
		assert.False(t, cfg.LegacyAliasesEnabled)
		assert.False(t, cfg.HasRegistryCredentials())
	})
}

func TestLoad_DevEnvironment(t *testing.T) {
	withEnv(t, map[string]string{
		"TL_GIT_REPO_URL":   "https://example.com/repo.git",
		"TL_GIT_AUTH_TOKEN": "tok",
		"TL_ENVIRONMENT":    "development",
	}, func() {
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.IsDev)
	})
}

func TestParseTimespan(t *testing.T) {
	cases := map[string]time.Duration{
		"1d":        24 * time.Hour,
		"2h":        2 * time.Hour,
		"1d2h3m4s":  24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second,
		"30m":       30 * time.Minute,
		"":          0,
		"   5s   ":  5 * time.Second,
	}
	for in, want := range cases {
		got, err := ParseTimespan(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseTimespan_Invalid(t *testing.T) {
	_, err := ParseTimespan("nonsense")
	assert.Error(t, err)
}

func TestParseBoolEnv(t *testing.T) {
	withEnv(t, map[string]string{"TL_TALOS_SHORT_FORM_COMPAT": "1"}, func() {
		assert.True(t, parseBoolEnv("TL_TALOS_SHORT_FORM_COMPAT", false))
	})
	withEnv(t, map[string]string{"TL_TALOS_SHORT_FORM_COMPAT": "true"}, func() {
		assert.True(t, parseBoolEnv("TL_TALOS_SHORT_FORM_COMPAT", false))
	})
	withEnv(t, map[string]string{"TL_TALOS_SHORT_FORM_COMPAT": "0"}, func() {
		assert.False(t, parseBoolEnv("TL_TALOS_SHORT_FORM_COMPAT", true))
	})
}

func TestLoad_RegistryCredentials(t *testing.T) {
	withEnv(t, map[string]string{
		"TL_GIT_REPO_URL":    "https://example.com/repo.git",
		"TL_GIT_AUTH_TOKEN":  "tok",
		"TL_DOCKER_USERNAME": "bot",
		"TL_DOCKER_PASSWORD": "hunter2",
	}, func() {
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.HasRegistryCredentials())
	})
}
