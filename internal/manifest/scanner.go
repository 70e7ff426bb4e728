package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/haondt/talaria/internal/errs"
	"github.com/haondt/talaria/internal/imageref"
	"github.com/haondt/talaria/internal/logging"
)

// Options configures target extraction. LegacyAliasesEnabled accepts
// "x-talos:" as an alias for "x-talaria:", and accepts a multi-character
// "x-tl:" value by taking only its first character.
type Options struct {
	LegacyAliasesEnabled bool
}

// Discover walks rootPath and returns every file whose base name matches
// pattern (a glob such as "docker-compose*.y*ml"), skipping any path that
// contains a ".git" path segment.
func Discover(rootPath, pattern string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(rootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		for _, part := range strings.Split(path, string(filepath.Separator)) {
			if part == ".git" {
				return nil
			}
		}
		matched, matchErr := filepath.Match(pattern, d.Name())
		if matchErr != nil {
			return matchErr
		}
		if matched {
			abs, absErr := filepath.Abs(path)
			if absErr != nil {
				abs = path
			}
			found = append(found, abs)
			logging.Default().Debug("found compose file: %s", abs)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", rootPath, err)
	}
	logging.Default().Info("found %d compose files", len(found))
	return found, nil
}

// Extract reads filePath and returns every DockerComposeTarget it can
// recover, plus one warning string per line that failed to parse. Per-line
// failures never abort extraction for the rest of the file.
func Extract(filePath string, opts Options) ([]Target, []string, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", filePath, err)
	}
	lines := splitKeepLines(string(raw))

	var targets []Target
	var warnings []string

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "image:") {
			continue
		}
		image := strings.TrimSpace(trimmed[len("image:"):])
		image = removeQuotes(image)
		if image == "" {
			continue
		}

		serviceKey, err := findServiceKey(lines, lineNum)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNum+1, err))
			continue
		}

		indent := indentationOf(lines[lineNum])
		bump, skip, err := findPolicy(lines, lineNum, indent, opts)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNum+1, err))
			continue
		}

		targets = append(targets, Target{
			FilePath:           filePath,
			ServiceKey:         serviceKey,
			Line:               lineNum,
			CurrentImageString: image,
			Bump:               bump,
			Skip:               skip,
		})
	}

	return targets, warnings, nil
}

// ApplyUpdate rewrites the single line target.Line to "image: newImage",
// preserving the original indentation. Every other byte of the file is
// left untouched.
func ApplyUpdate(target Target, newImage string) error {
	raw, err := os.ReadFile(target.FilePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", target.FilePath, err)
	}
	lines := splitKeepLines(string(raw))

	if target.Line >= len(lines) {
		return fmt.Errorf("line %d is out of bounds for file %s", target.Line, target.FilePath)
	}

	indent := indentationOf(lines[target.Line])
	lines[target.Line] = lines[target.Line][:indent] + "image: " + newImage + "\n"

	out := strings.Join(lines, "")
	if err := os.WriteFile(target.FilePath, []byte(out), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", target.FilePath, err)
	}
	return nil
}

func findServiceKey(lines []string, currentLineNum int) (string, error) {
	currentIndent := indentationOf(lines[currentLineNum])
	for i := currentLineNum - 1; i >= 0; i-- {
		line := lines[i]
		indent := indentationOf(line)
		trimmed := strings.TrimSpace(line)
		if indent < currentIndent && strings.Contains(line, ":") && !strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.SplitN(trimmed, ":", 2)[0]), nil
		}
	}
	return "", errs.Wrap(errs.ErrMalformedTarget, "unable to find service key")
}

func findPolicy(lines []string, currentLineNum, currentIndent int, opts Options) (imageref.BumpSize, bool, error) {
	for i := currentLineNum + 1; i < len(lines); i++ {
		indent := indentationOf(lines[i])
		if indent < currentIndent {
			break
		}
		if indent != currentIndent {
			continue
		}
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(trimmed, "x-talaria:"):
			return parseBlockConfig(lines, i, currentIndent)
		case strings.HasPrefix(trimmed, "x-tl:"):
			return parseShorthandConfig(trimmed, opts)
		case opts.LegacyAliasesEnabled && strings.HasPrefix(trimmed, "x-talos:"):
			return parseBlockConfig(lines, i, currentIndent)
		}
	}
	return 0, false, errs.Wrap(errs.ErrMissingPolicy, "unable to find talaria configuration")
}

func parseBlockConfig(lines []string, startLine, baseIndent int) (imageref.BumpSize, bool, error) {
	bump := imageref.BumpDigest
	skip := false

	for i := startLine + 1; i < len(lines); i++ {
		indent := indentationOf(lines[i])
		if indent <= baseIndent {
			break
		}
		trimmed := strings.TrimSpace(lines[i])
		switch {
		case strings.HasPrefix(trimmed, "bump:"):
			value := strings.TrimSpace(strings.SplitN(trimmed, ":", 2)[1])
			b, err := imageref.ParseBumpSize(removeQuotes(value))
			if err != nil {
				return 0, false, errs.Wrap(errs.ErrMissingPolicy, "invalid bump value: %s", value)
			}
			bump = b
		case strings.HasPrefix(trimmed, "skip:"):
			value := strings.TrimSpace(strings.SplitN(trimmed, ":", 2)[1])
			skip = parseSkipValue(removeQuotes(value))
		}
	}
	return bump, skip, nil
}

func parseShorthandConfig(trimmed string, opts Options) (imageref.BumpSize, bool, error) {
	value := strings.TrimSpace(strings.SplitN(trimmed, ":", 2)[1])
	value = removeQuotes(value)
	if opts.LegacyAliasesEnabled && len(value) > 1 {
		value = value[:1]
	}
	switch value {
	case "x":
		return imageref.BumpDigest, true, nil
	case "+":
		return imageref.BumpMajor, false, nil
	case "^":
		return imageref.BumpMinor, false, nil
	case "~":
		return imageref.BumpPatch, false, nil
	case "@":
		return imageref.BumpDigest, false, nil
	default:
		return 0, false, errs.Wrap(errs.ErrMissingPolicy, "invalid x-tl value: %s", value)
	}
}

func parseSkipValue(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	switch lower {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n > 0
	}
	return false
}

func removeQuotes(item string) string {
	if len(item) < 2 {
		return item
	}
	if (strings.HasPrefix(item, "'") && strings.HasSuffix(item, "'")) ||
		(strings.HasPrefix(item, `"`) && strings.HasSuffix(item, `"`)) {
		return item[1 : len(item)-1]
	}
	return item
}

func indentationOf(line string) int {
	return len(line) - len(strings.TrimLeft(line, " \t"))
}

// splitKeepLines splits s into lines, keeping the trailing newline attached
// to each line (matching Python's readlines()) so ApplyUpdate can rewrite a
// single element and rejoin with no separator.
func splitKeepLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
