// Package gitdriver wraps the git binary as a subprocess, exposing the
// small surface the scan orchestrator needs (clone, stage, commit, push,
// HEAD introspection, committer identity) and redacting the configured
// auth token from every log line.
package gitdriver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/haondt/talaria/internal/errs"
	"github.com/haondt/talaria/internal/logging"
)

// CommandRunner executes a git invocation and returns its trimmed stdout.
// Production code uses execRunner; tests substitute a fake, the same way
// the registry client's tests substitute a fake Runner instead of
// shelling out to skopeo.
type CommandRunner interface {
	Run(ctx context.Context, dir string, args []string) (stdout string, stderr string, err error)
}

// execRunner invokes the real "git" binary.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir string, args []string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), stderr.String(), err
}

// Driver runs git commands against a single working tree, rewriting the
// configured remote URL to embed an OAuth2 bearer token.
type Driver struct {
	RepoPath  string
	RepoURL   string
	Branch    string
	AuthToken string
	UserName  string
	UserEmail string

	// Runner executes git invocations. Defaults to the real "git" binary
	// when nil.
	Runner CommandRunner
}

// authURL returns RepoURL with "https://" replaced by
// "https://oauth2:<token>@".
func (d *Driver) authURL() string {
	if d.AuthToken == "" {
		return d.RepoURL
	}
	return strings.Replace(d.RepoURL, "https://", fmt.Sprintf("https://oauth2:%s@", d.AuthToken), 1)
}

func (d *Driver) redact(s string) string {
	if d.AuthToken == "" {
		return s
	}
	return strings.ReplaceAll(s, d.AuthToken, "<git-auth-token>")
}

func (d *Driver) run(ctx context.Context, cwd string, args ...string) (string, error) {
	logging.Default().Info("running git command: %s", d.redact("git "+strings.Join(args, " ")))

	runner := d.Runner
	if runner == nil {
		runner = execRunner{}
	}

	stdout, stderr, err := runner.Run(ctx, cwd, args)
	if err != nil {
		redactedStderr := d.redact(stderr)
		logging.Default().Error("git command failed: %s", redactedStderr)
		return "", errs.WrapErr(errs.ErrGit, "git "+strings.Join(args, " "), fmt.Errorf("%s", redactedStderr))
	}
	return stdout, nil
}

// Delete removes the working tree directory and all its contents, if it
// exists. Safe to call when the repo was never cloned.
func (d *Driver) Delete() error {
	if _, err := os.Stat(d.RepoPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(d.RepoPath); err != nil {
		return fmt.Errorf("deleting repository at %s: %w", d.RepoPath, err)
	}
	logging.Default().Info("deleted repository at %s", d.RepoPath)
	return nil
}

// Clone performs a depth-1 clone of Branch into RepoPath using the
// auth-rewritten URL.
func (d *Driver) Clone(ctx context.Context) error {
	if err := os.MkdirAll(d.RepoPath, 0755); err != nil {
		return fmt.Errorf("creating repository directory: %w", err)
	}
	_, err := d.run(ctx, "", "clone", "--depth", "1", "--branch", d.Branch, d.authURL(), d.RepoPath)
	return err
}

// SetupAuth rewrites the origin remote to the auth-embedded URL, for
// repositories that were cloned (or left over) without the token baked
// in.
func (d *Driver) SetupAuth(ctx context.Context) error {
	if d.AuthToken == "" {
		logging.Default().Warn("no auth token configured")
		return nil
	}
	_, err := d.run(ctx, d.RepoPath, "remote", "set-url", "origin", d.authURL())
	return err
}

// SetupEnvironment configures the committer identity for RepoPath.
func (d *Driver) SetupEnvironment(ctx context.Context) error {
	if _, err := d.run(ctx, d.RepoPath, "config", "user.email", d.UserEmail); err != nil {
		return err
	}
	_, err := d.run(ctx, d.RepoPath, "config", "user.name", d.UserName)
	return err
}

// Add stages all changes in the working tree.
func (d *Driver) Add(ctx context.Context) error {
	_, err := d.run(ctx, d.RepoPath, "add", ".")
	return err
}

// Commit creates a commit with title and, if non-empty, a body.
func (d *Driver) Commit(ctx context.Context, title, body string) error {
	args := []string{"commit", "-m", title}
	if body != "" {
		args = append(args, "-m", body)
	}
	_, err := d.run(ctx, d.RepoPath, args...)
	return err
}

// Push pushes Branch to origin.
func (d *Driver) Push(ctx context.Context) error {
	_, err := d.run(ctx, d.RepoPath, "push", "origin", d.Branch)
	return err
}

// HeadHash returns the long HEAD commit hash.
func (d *Driver) HeadHash(ctx context.Context) (string, error) {
	return d.run(ctx, d.RepoPath, "rev-parse", "HEAD")
}

// HeadShortHash returns the short HEAD commit hash.
func (d *Driver) HeadShortHash(ctx context.Context) (string, error) {
	return d.run(ctx, d.RepoPath, "rev-parse", "--short", "HEAD")
}
