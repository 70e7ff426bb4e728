// Package manifest locates compose-style deployment files and extracts
// update targets from them by pure indentation analysis, never by
// tree-shaped YAML parsing, so that byte-accurate single-line rewrites on
// write are possible even against files an off-the-shelf YAML parser would
// reject.
package manifest

import "github.com/haondt/talaria/internal/imageref"

// Target is an update target recovered from a single "image:" line. It is
// never mutated after creation.
type Target struct {
	FilePath           string
	ServiceKey         string
	Line               int // 0-based
	CurrentImageString string
	Bump               imageref.BumpSize
	Skip               bool
}

func (t Target) String() string {
	return "DockerCompose:" + t.FilePath + ":" + t.ServiceKey
}
