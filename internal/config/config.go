// Package config loads the talaria process configuration from environment
// variables. The configuration surface is deliberately thin: a single
// struct built once at startup from the TL_* environment variables, with
// no dynamic reload and no persisted overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haondt/talaria/internal/errs"
)

// Config holds every TL_* environment variable this process consumes.
type Config struct {
	Environment string
	IsDev       bool

	ServerPort int
	DBPath     string

	UpdateDelay time.Duration

	GitRepoURL   string
	GitBranch    string
	GitAuthToken string
	GitRepoPath  string
	GitUserName  string
	GitUserEmail string

	ComposeFilePattern string
	ValidReleases      []string

	MaxConcurrentPushes int

	SkopeoCacheDuration time.Duration
	SkopeoCacheVariance float64

	DockerUsername string
	DockerPassword string
	DockerAuthFile string

	WebhookAPIKey string

	LegacyAliasesEnabled bool
}

const defaultWebhookAPIKey = "57d88647-208e-4ee1-88fc-365836f95ee4"

// Load reads Config from the process environment, applying documented
// defaults for every variable. TL_GIT_REPO_URL and TL_GIT_AUTH_TOKEN are
// required; their absence is a ConfigError and the caller should exit.
func Load() (Config, error) {
	env := getenv("TL_ENVIRONMENT", "prod")

	port, err := parseIntEnv("TL_SERVER_PORT", 5001)
	if err != nil {
		return Config{}, err
	}

	dbPath := getenv("TL_DB_PATH", "/data/talaria.db")
	dbPath, absErr := filepath.Abs(dbPath)
	if absErr != nil {
		dbPath = getenv("TL_DB_PATH", "/data/talaria.db")
	}

	updateDelay, err := parseTimespanEnv("TL_UPDATE_DELAY", "1d")
	if err != nil {
		return Config{}, err
	}

	repoURL := os.Getenv("TL_GIT_REPO_URL")
	if repoURL == "" {
		return Config{}, errs.Wrap(errs.ErrConfig, "TL_GIT_REPO_URL is required")
	}
	authToken := os.Getenv("TL_GIT_AUTH_TOKEN")
	if authToken == "" {
		return Config{}, errs.Wrap(errs.ErrConfig, "TL_GIT_AUTH_TOKEN is required")
	}

	repoPath := getenv("TL_GIT_REPO_PATH", "/data/repository")
	repoPath, absErr = filepath.Abs(repoPath)
	if absErr != nil {
		repoPath = getenv("TL_GIT_REPO_PATH", "/data/repository")
	}

	maxPushes, err := parseIntEnv("TL_MAX_CONCURRENT_PUSHES", 5)
	if err != nil {
		return Config{}, err
	}

	cacheDuration, err := parseTimespanEnv("TL_SKOPEO_CACHE_DURATION", "12h")
	if err != nil {
		return Config{}, err
	}

	variance, err := parseFloatEnv("TL_SKOPEO_CACHE_VARIANCE", 0.1)
	if err != nil {
		return Config{}, err
	}

	authFile := getenv("TL_DOCKER_AUTH_FILE", "/data/skopeo-auth.json")
	authFile, absErr = filepath.Abs(authFile)
	if absErr != nil {
		authFile = getenv("TL_DOCKER_AUTH_FILE", "/data/skopeo-auth.json")
	}

	cfg := Config{
		Environment: env,
		IsDev:       env == "dev" || env == "development",

		ServerPort: port,
		DBPath:     dbPath,

		UpdateDelay: updateDelay,

		GitRepoURL:   repoURL,
		GitBranch:    getenv("TL_GIT_BRANCH", "main"),
		GitAuthToken: authToken,
		GitRepoPath:  repoPath,
		GitUserName:  getenv("TL_GIT_USER_NAME", "talaria"),
		GitUserEmail: getenv("TL_GIT_USER_EMAIL", "talaria@localhost"),

		ComposeFilePattern: getenv("TL_DOCKER_COMPOSE_FILE_PATTERN", "docker-compose*.y*ml"),
		ValidReleases:      strings.Split(getenv("TL_VALID_RELEASES", "latest|stable|mainline|develop"), "|"),

		MaxConcurrentPushes: maxPushes,

		SkopeoCacheDuration: cacheDuration,
		SkopeoCacheVariance: variance,

		DockerUsername: os.Getenv("TL_DOCKER_USERNAME"),
		DockerPassword: os.Getenv("TL_DOCKER_PASSWORD"),
		DockerAuthFile: authFile,

		WebhookAPIKey: getenv("TL_WEBHOOK_API_KEY", defaultWebhookAPIKey),

		LegacyAliasesEnabled: parseBoolEnv("TL_TALOS_SHORT_FORM_COMPAT", false),
	}

	return cfg, nil
}

// HasRegistryCredentials reports whether docker.io credentials were
// configured, gating whether an auth file is materialized at startup.
func (c Config) HasRegistryCredentials() bool {
	return c.DockerUsername != "" && c.DockerPassword != ""
}

func getenv(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseIntEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Wrap(errs.ErrConfig, "%s: invalid integer %q", name, v)
	}
	return n, nil
}

func parseFloatEnv(name string, def float64) (float64, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errs.Wrap(errs.ErrConfig, "%s: invalid float %q", name, v)
	}
	return f, nil
}

// parseBoolEnv applies a loose truthiness check: the lowercased value
// must be "true"/"1", or any all-digit string other than "0".
func parseBoolEnv(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	lower := strings.ToLower(v)
	if lower == "true" || lower == "1" {
		return true
	}
	if n, err := strconv.Atoi(lower); err == nil {
		return n != 0
	}
	return false
}

var timespanPattern = regexp.MustCompile(
	`^\s*(?:(?P<d>[0-9]+)d)?\s*(?:(?P<h>[0-9]+)h)?\s*(?:(?P<m>[0-9]+)m)?\s*(?:(?P<s>[0-9]+)s)?\s*$`,
)

// ParseTimespan parses the "<d>d<h>h<m>m<s>s" grammar (any prefix of
// components may be omitted).
func ParseTimespan(s string) (time.Duration, error) {
	match := timespanPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("unable to parse timespan %q", s)
	}
	names := timespanPattern.SubexpNames()
	var days, hours, minutes, seconds int
	for i, n := range names {
		if i >= len(match) || match[i] == "" {
			continue
		}
		val, _ := strconv.Atoi(match[i])
		switch n {
		case "d":
			days = val
		case "h":
			hours = val
		case "m":
			minutes = val
		case "s":
			seconds = val
		}
	}
	total := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	return total, nil
}

func parseTimespanEnv(name, def string) (time.Duration, error) {
	v := getenv(name, def)
	d, err := ParseTimespan(v)
	if err != nil {
		return 0, errs.Wrap(errs.ErrConfig, "%s: %v", name, err)
	}
	return d, nil
}
