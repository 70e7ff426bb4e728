// Package imageref implements the image-reference grammar and the
// semantic-version comparison lattice used to decide whether a registry
// tag represents a valid upgrade over a currently deployed one.
package imageref

import (
	"fmt"
	"strings"
)

// Precision identifies how many components of a SemanticVersion are
// present. Two versions at different precisions are never comparable.
type Precision int

const (
	PrecisionMajor Precision = iota
	PrecisionMinor
	PrecisionPatch
)

func (p Precision) String() string {
	switch p {
	case PrecisionMajor:
		return "Major"
	case PrecisionMinor:
		return "Minor"
	case PrecisionPatch:
		return "Patch"
	default:
		return "Unknown"
	}
}

// BumpSize is an ordered ceiling on the magnitude of an allowed version
// change. DIGEST is the smallest: only the content changed, not the tag.
type BumpSize int

const (
	BumpDigest BumpSize = iota
	BumpPatch
	BumpMinor
	BumpMajor
)

func (b BumpSize) String() string {
	switch b {
	case BumpDigest:
		return "DIGEST"
	case BumpPatch:
		return "PATCH"
	case BumpMinor:
		return "MINOR"
	case BumpMajor:
		return "MAJOR"
	default:
		return "UNKNOWN"
	}
}

// ParseBumpSize parses a case-insensitive bump size name.
func ParseBumpSize(s string) (BumpSize, error) {
	switch strings.ToUpper(s) {
	case "DIGEST":
		return BumpDigest, nil
	case "PATCH":
		return BumpPatch, nil
	case "MINOR":
		return BumpMinor, nil
	case "MAJOR":
		return BumpMajor, nil
	default:
		return 0, fmt.Errorf("unknown bump size %q", s)
	}
}

// CompareResult is the outcome of comparing two SemanticVersions.
type CompareResult int

const (
	Equal CompareResult = iota
	Patch
	Minor
	Major
	Downgrade
	PrecisionMismatch
)

func (c CompareResult) String() string {
	switch c {
	case Equal:
		return "EQUAL"
	case Patch:
		return "PATCH"
	case Minor:
		return "MINOR"
	case Major:
		return "MAJOR"
	case Downgrade:
		return "DOWNGRADE"
	case PrecisionMismatch:
		return "PRECISION_MISMATCH"
	default:
		return "UNKNOWN"
	}
}

// AsBumpSize maps a CompareResult onto the BumpSize lattice. EQUAL maps to
// the DIGEST level since no tag component changed. Downgrade and precision
// mismatch have no corresponding bump size.
func (c CompareResult) AsBumpSize() (BumpSize, bool) {
	switch c {
	case Equal:
		return BumpDigest, true
	case Patch:
		return BumpPatch, true
	case Minor:
		return BumpMinor, true
	case Major:
		return BumpMajor, true
	default:
		return 0, false
	}
}

// SemanticVersion is an immutable major[.minor[.patch]] version, with an
// optional opaque prefix such as "v". If Patch is set, Minor must be set.
type SemanticVersion struct {
	VersionPrefix string
	Major         int
	Minor         *int
	Patch         *int
}

// Precision reports how many components are present.
func (v SemanticVersion) Precision() Precision {
	if v.Minor != nil {
		if v.Patch != nil {
			return PrecisionPatch
		}
		return PrecisionMinor
	}
	return PrecisionMajor
}

func (v SemanticVersion) String() string {
	s := v.VersionPrefix + fmt.Sprintf("%d", v.Major)
	if v.Minor != nil {
		s += fmt.Sprintf(".%d", *v.Minor)
		if v.Patch != nil {
			s += fmt.Sprintf(".%d", *v.Patch)
		}
	}
	return s
}

// Compare implements the comparison lattice: precision
// mismatches are always incomparable, and any present component that
// decreases is a downgrade even if a later component would otherwise
// indicate an increase.
func Compare(from, to SemanticVersion) CompareResult {
	if from.Precision() != to.Precision() {
		return PrecisionMismatch
	}
	if to.Major < from.Major {
		return Downgrade
	}
	if to.Major > from.Major {
		return Major
	}
	if to.Minor == nil {
		return Equal
	}
	if from.Minor == nil || *to.Minor < *from.Minor {
		return Downgrade
	}
	if *to.Minor > *from.Minor {
		return Minor
	}
	if to.Patch == nil {
		return Equal
	}
	if from.Patch == nil || *to.Patch < *from.Patch {
		return Downgrade
	}
	if *to.Patch > *from.Patch {
		return Patch
	}
	return Equal
}

// ParsedTag is a tag's decoded version (either a SemanticVersion or a
// release name from the configured allow-list) plus an optional variant
// suffix.
type ParsedTag struct {
	// Semantic is non-nil when the tag parsed as a semantic version.
	Semantic *SemanticVersion
	// Release is non-empty when the tag is a configured release name
	// instead of a semantic version. Exactly one of Semantic/Release is set.
	Release string
	Variant string
}

// IsSemantic reports whether this tag carries a semantic version.
func (t ParsedTag) IsSemantic() bool { return t.Semantic != nil }

func (t ParsedTag) String() string {
	var base string
	if t.Semantic != nil {
		base = t.Semantic.String()
	} else {
		base = t.Release
	}
	if t.Variant != "" {
		return base + "-" + t.Variant
	}
	return base
}

// ParsedTagAndDigest pairs a tag with an optional content digest of the
// form "sha<N>:<hex>".
type ParsedTagAndDigest struct {
	Tag    ParsedTag
	Digest string
}

func (t ParsedTagAndDigest) String() string {
	if t.Digest != "" {
		return fmt.Sprintf("%s@%s", t.Tag, t.Digest)
	}
	return t.Tag.String()
}

// ShortString renders the digest truncated to 8 hex characters (or the 8
// characters following "sha256:" for that algorithm specifically), for
// compact display in commit messages and logs.
func (t ParsedTagAndDigest) ShortString() string {
	if t.Digest == "" {
		return t.Tag.String()
	}
	short := t.Digest
	if len(t.Digest) >= 7+8 && t.Digest[:7] == "sha256:" {
		short = t.Digest[7:15]
	} else if len(t.Digest) > 8 {
		short = t.Digest[:8]
	}
	return fmt.Sprintf("%s@%s", t.Tag, short)
}

// ParsedImage is a fully decoded image reference: domain/namespace/name
// plus an optional tag-and-digest. Domain and namespace default injection
// (docker.io / library) is applied by the parser, not by this type.
type ParsedImage struct {
	Name          string
	Untagged      string
	Domain        string
	Namespace     string
	TagAndDigest  *ParsedTagAndDigest
}

func (i ParsedImage) String() string {
	var parts []string
	if i.Domain != "" {
		parts = append(parts, i.Domain)
	}
	if i.Namespace != "" {
		parts = append(parts, i.Namespace)
	}
	parts = append(parts, i.Name)
	s := strings.Join(parts, "/")
	if i.TagAndDigest != nil {
		s += ":" + i.TagAndDigest.String()
	}
	return s
}

// ShortString renders a compact "name:tag@shortdigest" form for logs and
// commit bodies.
func (i ParsedImage) ShortString() string {
	if i.TagAndDigest != nil {
		return i.Name + ":" + i.TagAndDigest.ShortString()
	}
	return i.Name
}

// DiffString renders a human-readable "name: oldref -> newref" line for
// accumulation into a commit body.
func DiffString(source ParsedImage, destination *ParsedTagAndDigest) string {
	left := "(untagged)"
	if source.TagAndDigest != nil {
		left = source.TagAndDigest.ShortString()
	}
	right := "(untagged)"
	if destination != nil {
		right = destination.ShortString()
	}
	return fmt.Sprintf("%s: %s → %s", source.Name, left, right)
}

