package updater

import (
	"context"

	"github.com/haondt/talaria/internal/imageref"
	"github.com/haondt/talaria/internal/registry"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	tags    map[string][]string
	inspect map[string]registry.InspectResult
}

func (f *fakeClient) ListTags(ctx context.Context, untaggedRef string) ([]string, error) {
	return f.tags[untaggedRef], nil
}

func (f *fakeClient) Inspect(ctx context.Context, fullRef string) (registry.InspectResult, error) {
	return f.inspect[fullRef], nil
}

func testParser() *imageref.Parser {
	return imageref.NewParser([]string{"latest", "stable", "mainline", "develop"})
}

// release-only upgrade picks up a new digest for the existing tag
func TestGetSortedCandidateTags_ReleaseOnly(t *testing.T) {
	client := &fakeClient{
		tags: map[string][]string{
			"docker.io/library/nginx": {"latest", "stable", "1.25.3"},
		},
	}
	p := testParser()
	u := New(client, p)

	img, err := p.Parse("nginx:latest", true)
	require.NoError(t, err)

	tags, err := u.GetSortedCandidateTags(context.Background(), img, imageref.BumpMajor)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "latest", tags[0].Release)
}

// a MINOR ceiling picks the highest valid minor
func TestGetSortedCandidateTags_SemanticMinorCeiling(t *testing.T) {
	client := &fakeClient{
		tags: map[string][]string{
			"docker.io/library/redis": {"7.2.1", "7.2.2-alpine", "7.3.0-alpine", "8.0.0-alpine"},
		},
	}
	p := testParser()
	u := New(client, p)

	img, err := p.Parse("redis:7.2.1-alpine", true)
	require.NoError(t, err)

	tags, err := u.GetSortedCandidateTags(context.Background(), img, imageref.BumpMinor)
	require.NoError(t, err)
	require.NotEmpty(t, tags)
	assert.Equal(t, "7.3.0-alpine", tags[0].String())
}

// precision is preserved: a two-component tag never offers a
// three-component candidate
func TestGetSortedCandidateTags_PrecisionPreserved(t *testing.T) {
	client := &fakeClient{
		tags: map[string][]string{
			"docker.io/library/postgres": {"15.4", "16"},
		},
	}
	p := testParser()
	u := New(client, p)

	img, err := p.Parse("postgres:15", true)
	require.NoError(t, err)

	tags, err := u.GetSortedCandidateTags(context.Background(), img, imageref.BumpMajor)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "16", tags[0].String())
}

func TestGetSortedCandidateTags_NoTag(t *testing.T) {
	client := &fakeClient{
		tags: map[string][]string{
			"docker.io/library/alpine": {"3.18", "latest", "latest-musl"},
		},
	}
	p := testParser()
	u := New(client, p)

	img, err := p.Parse("alpine", true)
	require.NoError(t, err)

	tags, err := u.GetSortedCandidateTags(context.Background(), img, imageref.BumpMajor)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "latest", tags[0].Release)
	assert.Empty(t, tags[0].Variant)
}

func TestGetSortedCandidateTags_DowngradeExcluded(t *testing.T) {
	client := &fakeClient{
		tags: map[string][]string{
			"docker.io/library/redis": {"7.0.0"},
		},
	}
	p := testParser()
	u := New(client, p)

	img, err := p.Parse("redis:7.2.1", true)
	require.NoError(t, err)

	tags, err := u.GetSortedCandidateTags(context.Background(), img, imageref.BumpMajor)
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestIsUpgrade_Untagged(t *testing.T) {
	bump, ok := IsUpgrade(nil, imageref.ParsedTag{Release: "latest"}, "sha256:abc")
	require.True(t, ok)
	assert.Equal(t, imageref.BumpDigest, bump)
}

func TestIsUpgrade_ReleaseDigestChanged(t *testing.T) {
	current := &imageref.ParsedTagAndDigest{Tag: imageref.ParsedTag{Release: "latest"}, Digest: "sha256:aaa"}
	bump, ok := IsUpgrade(current, imageref.ParsedTag{Release: "latest"}, "sha256:bbb")
	require.True(t, ok)
	assert.Equal(t, imageref.BumpDigest, bump)
}

func TestIsUpgrade_ReleaseDigestUnchanged(t *testing.T) {
	current := &imageref.ParsedTagAndDigest{Tag: imageref.ParsedTag{Release: "latest"}, Digest: "sha256:aaa"}
	_, ok := IsUpgrade(current, imageref.ParsedTag{Release: "latest"}, "sha256:aaa")
	assert.False(t, ok)
}

func TestIsUpgrade_SemanticMajor(t *testing.T) {
	one, two := 2, 1
	current := &imageref.ParsedTagAndDigest{
		Tag:    imageref.ParsedTag{Semantic: &imageref.SemanticVersion{Major: 1, Minor: &one, Patch: &two}},
		Digest: "sha256:aaa",
	}
	minorC, patchC := 0, 0
	candidate := imageref.ParsedTag{Semantic: &imageref.SemanticVersion{Major: 2, Minor: &minorC, Patch: &patchC}}

	bump, ok := IsUpgrade(current, candidate, "sha256:bbb")
	require.True(t, ok)
	assert.Equal(t, imageref.BumpMajor, bump)
}

func TestIsUpgrade_MixedTypesPanics(t *testing.T) {
	current := &imageref.ParsedTagAndDigest{Tag: imageref.ParsedTag{Release: "latest"}}
	assert.Panics(t, func() {
		IsUpgrade(current, imageref.ParsedTag{Semantic: &imageref.SemanticVersion{Major: 1}}, "sha256:bbb")
	})
}

func TestGetDigest(t *testing.T) {
	client := &fakeClient{
		inspect: map[string]registry.InspectResult{
			"docker.io/library/nginx:latest": {Digest: "sha256:abc", Created: "2024-01-02T15:04:05Z"},
		},
	}
	p := testParser()
	u := New(client, p)

	img, err := p.Parse("nginx:latest", true)
	require.NoError(t, err)
	tag, ok := p.TryParseTag("latest")
	require.True(t, ok)

	digest, created, err := u.GetDigest(context.Background(), img, *tag)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", digest)
	assert.Equal(t, 2024, created.Year())
}
