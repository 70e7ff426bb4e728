// Package updater implements the candidate-selection algorithm: given a
// currently deployed image and a bump-size ceiling, it decides which
// registry tags are valid upgrades and whether a specific (tag, digest)
// pair actually represents one.
package updater

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/haondt/talaria/internal/imageref"
	"github.com/haondt/talaria/internal/registry"
)

// Updater selects upgrade candidates for a parsed image by querying a
// registry client and applying the bump-size policy.
type Updater struct {
	client registry.Client
	parser *imageref.Parser
}

// New builds an Updater backed by client, using parser to parse tags
// returned by the registry.
func New(client registry.Client, parser *imageref.Parser) *Updater {
	return &Updater{client: client, parser: parser}
}

// GetSortedCandidateTags returns the tags of activeImage's registry, most
// to least preferred, that are valid upgrade candidates under maxBump.
// The three branches (untagged / release / semantic) are handled in turn.
func (u *Updater) GetSortedCandidateTags(ctx context.Context, activeImage imageref.ParsedImage, maxBump imageref.BumpSize) ([]imageref.ParsedTag, error) {
	rawTags, err := u.client.ListTags(ctx, activeImage.Untagged)
	if err != nil {
		return nil, err
	}

	var parsedTags []imageref.ParsedTag
	for _, t := range rawTags {
		if tag, ok := u.parser.TryParseTag(t); ok {
			parsedTags = append(parsedTags, *tag)
		}
	}

	if activeImage.TagAndDigest == nil {
		for _, tag := range parsedTags {
			if tag.Release == "latest" && tag.Variant == "" {
				return []imageref.ParsedTag{tag}, nil
			}
		}
		return nil, nil
	}

	current := activeImage.TagAndDigest.Tag

	if !current.IsSemantic() {
		variant := current.Variant
		for _, tag := range parsedTags {
			if !tag.IsSemantic() && tag.Release == current.Release && tag.Variant == variant {
				return []imageref.ParsedTag{tag}, nil
			}
		}
		return nil, nil
	}

	activeVersion := *current.Semantic
	variant := current.Variant

	type candidate struct {
		tag imageref.ParsedTag
		sv  imageref.SemanticVersion
	}
	var candidates []candidate

	for _, tag := range parsedTags {
		if !tag.IsSemantic() {
			continue
		}
		sv := *tag.Semantic
		if sv.VersionPrefix != activeVersion.VersionPrefix {
			continue
		}
		if tag.Variant != variant {
			continue
		}

		result := imageref.Compare(activeVersion, sv)
		bump, ok := result.AsBumpSize()
		if !ok {
			continue // DOWNGRADE or PRECISION_MISMATCH
		}
		if bump > maxBump {
			continue
		}

		candidates = append(candidates, candidate{tag: tag, sv: sv})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].sv, candidates[j].sv
		if a.Major != b.Major {
			return a.Major > b.Major
		}
		am, bm := minusOneIfNil(a.Minor), minusOneIfNil(b.Minor)
		if am != bm {
			return am > bm
		}
		ap, bp := minusOneIfNil(a.Patch), minusOneIfNil(b.Patch)
		return ap > bp
	})

	out := make([]imageref.ParsedTag, len(candidates))
	for i, c := range candidates {
		out[i] = c.tag
	}
	return out, nil
}

func minusOneIfNil(v *int) int {
	if v == nil {
		return -1
	}
	return *v
}

// IsUpgrade determines whether candidateTag/candidateDigest represents an
// upgrade over current (which may be nil for an untagged image), and if
// so the bump size it represents. Mixed semantic/non-semantic tags
// between current and candidate are a contract violation.
func IsUpgrade(current *imageref.ParsedTagAndDigest, candidateTag imageref.ParsedTag, candidateDigest string) (imageref.BumpSize, bool) {
	if current == nil {
		return imageref.BumpDigest, true
	}

	if !current.Tag.IsSemantic() {
		if candidateTag.IsSemantic() {
			panic(fmt.Sprintf("is_upgrade: current tag %q and candidate tag %q have different version types", current.Tag, candidateTag))
		}
		if current.Digest == "" || current.Digest != candidateDigest {
			return imageref.BumpDigest, true
		}
		return 0, false
	}

	if !candidateTag.IsSemantic() {
		panic(fmt.Sprintf("is_upgrade: current tag %q and candidate tag %q have different version types", current.Tag, candidateTag))
	}

	result := imageref.Compare(*current.Tag.Semantic, *candidateTag.Semantic)
	bump, ok := result.AsBumpSize()
	if !ok {
		return 0, false // DOWNGRADE or PRECISION_MISMATCH
	}

	// a version change is an upgrade on its own; an equal version only
	// upgrades when the content digest moved
	if result != imageref.Equal {
		return bump, true
	}
	if current.Digest == "" || current.Digest != candidateDigest {
		return bump, true
	}
	return 0, false
}

// GetDigest queries the registry for tag's digest and creation timestamp
// against image's untagged reference.
func (u *Updater) GetDigest(ctx context.Context, image imageref.ParsedImage, tag imageref.ParsedTag) (digest string, created time.Time, err error) {
	ref := image.Untagged + ":" + tag.String()
	result, err := u.client.Inspect(ctx, ref)
	if err != nil {
		return "", time.Time{}, err
	}
	createdAt, parseErr := result.CreatedAt()
	if parseErr != nil {
		createdAt = time.Time{}
	}
	return result.Digest, createdAt, nil
}
