package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/haondt/talaria/internal/errs"
	"github.com/haondt/talaria/internal/logging"
)

// SkopeoClient implements Client by shelling out to a registry-probe
// subprocess (skopeo) through a Runner, with a persistent variance-
// jittered cache in front of every call and a circuit breaker guarding
// against a flaky registry.
type SkopeoClient struct {
	runner   Runner
	cache    Cache
	breaker  *CircuitBreaker
	duration time.Duration
	variance float64
	rng      *rand.Rand
}

// NewSkopeoClient builds a client. duration and variance configure the
// cache's TTL and jitter fraction.
func NewSkopeoClient(runner Runner, cache Cache, duration time.Duration, variance float64) *SkopeoClient {
	return &SkopeoClient{
		runner:   runner,
		cache:    cache,
		breaker:  NewCircuitBreaker(),
		duration: duration,
		variance: variance,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type skopeoTagsResponse struct {
	Tags []string `json:"Tags"`
}

// ListTags returns the tags skopeo reports for untaggedRef, in the order
// the probe returned them, preserving probe order rather than re-sorting.
func (c *SkopeoClient) ListTags(ctx context.Context, untaggedRef string) ([]string, error) {
	if !c.breaker.Allow(untaggedRef) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, untaggedRef)
	}

	payload, err := cachedFetch(ctx, c.cache, "list-tags", []string{untaggedRef}, c.duration, c.variance, c.rng, func() ([]byte, error) {
		return c.runner.Run(ctx, "list-tags", "docker://"+untaggedRef)
	})
	if err != nil {
		c.breaker.RecordFailure(untaggedRef)
		return nil, errs.WrapErr(errs.ErrRegistry, "listing tags for "+untaggedRef, err)
	}

	var resp skopeoTagsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.breaker.RecordFailure(untaggedRef)
		return nil, errs.WrapErr(errs.ErrRegistry, "decoding list-tags output for "+untaggedRef, err)
	}

	c.breaker.RecordSuccess(untaggedRef)
	logging.Default().Debug("found %d tags for %s", len(resp.Tags), untaggedRef)
	return resp.Tags, nil
}

type skopeoInspectResponse struct {
	Name         string            `json:"Name"`
	Digest       string            `json:"Digest"`
	Created      string            `json:"Created"`
	Architecture string            `json:"Architecture"`
	Os           string            `json:"Os"`
	Layers       []string          `json:"Layers"`
	Labels       map[string]string `json:"Labels"`
	Env          []string          `json:"Env"`
	Entrypoint   []string          `json:"Entrypoint"`
	Cmd          []string          `json:"Cmd"`
	WorkingDir   string            `json:"WorkingDir"`
	User         string            `json:"User"`
}

// Inspect returns metadata for fullRef, including its digest and creation
// timestamp.
func (c *SkopeoClient) Inspect(ctx context.Context, fullRef string) (InspectResult, error) {
	if !c.breaker.Allow(fullRef) {
		return InspectResult{}, fmt.Errorf("%w: %s", ErrCircuitOpen, fullRef)
	}

	payload, err := cachedFetch(ctx, c.cache, "inspect", []string{fullRef}, c.duration, c.variance, c.rng, func() ([]byte, error) {
		return c.runner.Run(ctx, "inspect", "docker://"+fullRef)
	})
	if err != nil {
		c.breaker.RecordFailure(fullRef)
		return InspectResult{}, errs.WrapErr(errs.ErrRegistry, "inspecting "+fullRef, err)
	}

	var resp skopeoInspectResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.breaker.RecordFailure(fullRef)
		return InspectResult{}, errs.WrapErr(errs.ErrRegistry, "decoding inspect output for "+fullRef, err)
	}

	c.breaker.RecordSuccess(fullRef)
	return InspectResult{
		Name:         resp.Name,
		Digest:       resp.Digest,
		Created:      resp.Created,
		Architecture: resp.Architecture,
		OS:           resp.Os,
		Layers:       resp.Layers,
		Labels:       resp.Labels,
		Env:          resp.Env,
		Entrypoint:   resp.Entrypoint,
		Cmd:          resp.Cmd,
		WorkingDir:   resp.WorkingDir,
		User:         resp.User,
	}, nil
}

// WriteAuthFile materializes a skopeo-compatible auth JSON at path with
// mode 0600, for the given registry/username/password. Callers should call
// this once at startup when credentials are configured; the resulting path
// is passed to every probe invocation via SkopeoRunner.AuthFilePath.
func WriteAuthFile(path, registryHost, username, password string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating auth file directory: %w", err)
		}
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	doc := map[string]map[string]map[string]string{
		"auths": {
			registryHost: {"auth": encoded},
		},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding auth file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing auth file: %w", err)
	}
	logging.Default().Info("docker authentication configured at %s", path)
	return nil
}
