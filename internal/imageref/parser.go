package imageref

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/haondt/talaria/internal/errs"
)

// DefaultDomain and DefaultNamespace are injected when a reference omits
// them and default injection is requested.
const (
	DefaultDomain    = "docker.io"
	DefaultNamespace = "library"
)

// Parser parses image references and tags against the reference grammar.
// Release names are configured at construction time since they are an
// environment-driven allow-list, not a fixed literal set.
type Parser struct {
	imageRegex        *regexp.Regexp
	tagAndDigestRegex *regexp.Regexp
	tagRegex          *regexp.Regexp
}

// NewParser builds a Parser whose tag grammar accepts the given release
// names (e.g. "latest", "stable", "mainline", "develop") as non-semantic
// tags, in addition to major[.minor[.patch]] version bodies.
func NewParser(releases []string) *Parser {
	escaped := make([]string, len(releases))
	for i, r := range releases {
		escaped[i] = regexp.QuoteMeta(r)
	}
	releaseAlt := strings.Join(escaped, "|")

	tagPattern := fmt.Sprintf(
		`(?P<versionprefix>v)?(?:(?:(?P<major>\d{1,6})(?:\.(?P<minor>\d{1,6})(?:\.(?P<patch>\d{1,6}))?)?)|(?P<release>%s))(?:-(?P<variant>\w+))?`,
		releaseAlt,
	)
	tagAndDigestPattern := fmt.Sprintf(`(?P<tag>%s)(?:@(?P<digest>sha\d+:[a-f0-9]+))?`, tagPattern)
	imagePattern := fmt.Sprintf(
		`(?P<untagged>(?:(?P<domain>[\w.\-]+\.[\w.\-]+(?::\d+)?)/)?(?:(?P<namespace>(?:[\w.\-]+)(?:/[\w.\-]+)*)/)?(?P<name>[a-z0-9.\-_]+))(?::(?P<taganddigest>%s))?`,
		tagAndDigestPattern,
	)

	return &Parser{
		imageRegex:        regexp.MustCompile("^" + imagePattern + "$"),
		tagAndDigestRegex: regexp.MustCompile("^" + tagAndDigestPattern + "$"),
		tagRegex:          regexp.MustCompile("^" + tagPattern + "$"),
	}
}

// Parse parses an image reference, returning an error classified as
// errs.ErrParse if the input does not match the grammar.
func (p *Parser) Parse(image string, insertDefaultDomain bool) (ParsedImage, error) {
	parsed, ok := p.TryParse(image, insertDefaultDomain)
	if !ok {
		return ParsedImage{}, errs.Wrap(errs.ErrParse, "unable to parse image reference %q", image)
	}
	return parsed, nil
}

// TryParse parses an image reference without raising, reporting ok=false
// on any grammar mismatch.
func (p *Parser) TryParse(image string, insertDefaultDomain bool) (ParsedImage, bool) {
	match := p.imageRegex.FindStringSubmatch(image)
	if match == nil {
		return ParsedImage{}, false
	}
	names := p.imageRegex.SubexpNames()

	domain := namedGroup(match, names, "domain")
	namespace := namedGroup(match, names, "namespace")
	name := namedGroup(match, names, "name")
	untagged := namedGroup(match, names, "untagged")

	if name == "" || untagged == "" {
		return ParsedImage{}, false
	}

	if insertDefaultDomain && domain == "" {
		domain = DefaultDomain
		if namespace == "" {
			namespace = DefaultNamespace
		}
		// the untagged reference must reflect the injected defaults so
		// registry probes address the canonical repository
		untagged = joinRef(domain, namespace, name)
	}

	tagAndDigest := extractTagAndDigest(match, names)

	return ParsedImage{
		Domain:       domain,
		Namespace:    namespace,
		Name:         name,
		Untagged:     untagged,
		TagAndDigest: tagAndDigest,
	}, true
}

// TryParseTagAndDigest parses a standalone "tag[@digest]" string.
func (p *Parser) TryParseTagAndDigest(text string) (*ParsedTagAndDigest, bool) {
	match := p.tagAndDigestRegex.FindStringSubmatch(text)
	if match == nil {
		return nil, false
	}
	names := p.tagAndDigestRegex.SubexpNames()
	td := extractTagAndDigest(match, names)
	if td == nil {
		return nil, false
	}
	return td, true
}

// TryParseTag parses a standalone tag string (no digest).
func (p *Parser) TryParseTag(text string) (*ParsedTag, bool) {
	match := p.tagRegex.FindStringSubmatch(text)
	if match == nil {
		return nil, false
	}
	names := p.tagRegex.SubexpNames()
	tag := extractTag(match, names)
	if tag == nil {
		return nil, false
	}
	return tag, true
}

func extractTagAndDigest(match []string, names []string) *ParsedTagAndDigest {
	digest := namedGroup(match, names, "digest")
	tag := extractTag(match, names)
	if tag == nil {
		return nil
	}
	return &ParsedTagAndDigest{Tag: *tag, Digest: digest}
}

func extractTag(match []string, names []string) *ParsedTag {
	major := namedGroup(match, names, "major")
	var tag ParsedTag
	if major != "" {
		m, _ := strconv.Atoi(major)
		sv := SemanticVersion{
			VersionPrefix: namedGroup(match, names, "versionprefix"),
			Major:         m,
			Minor:         namedIntGroup(match, names, "minor"),
			Patch:         namedIntGroup(match, names, "patch"),
		}
		tag.Semantic = &sv
	} else if release := namedGroup(match, names, "release"); release != "" {
		tag.Release = release
	} else {
		return nil
	}
	tag.Variant = namedGroup(match, names, "variant")
	return &tag
}

func joinRef(parts ...string) string {
	nonEmpty := parts[:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

func namedGroup(match []string, names []string, key string) string {
	for i, n := range names {
		if n == key && i < len(match) {
			return match[i]
		}
	}
	return ""
}

func namedIntGroup(match []string, names []string, key string) *int {
	v := namedGroup(match, names, key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

