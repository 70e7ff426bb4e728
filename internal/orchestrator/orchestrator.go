// Package orchestrator drives the scan scheduling loop: on a timer or on
// demand, it clones the configured repository, discovers and updates
// compose manifests, and pushes the result. Update jobs within a scan run
// as bounded-concurrent goroutines.
package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haondt/talaria/internal/errs"
	"github.com/haondt/talaria/internal/events"
	"github.com/haondt/talaria/internal/gitdriver"
	"github.com/haondt/talaria/internal/imageref"
	"github.com/haondt/talaria/internal/logging"
	"github.com/haondt/talaria/internal/manifest"
	"github.com/haondt/talaria/internal/store"
	"github.com/haondt/talaria/internal/updater"
)

// scanNowSentinel is the single signal value the HTTP "/run-scan" handler
// enqueues to wake the scheduler early.
const scanNowSentinel = "scan_now"

// maxConcurrentUpdateJobs bounds the worker pool used to fan out
// per-target update lookups within a single scan. It exists because an
// unbounded goroutine-per-target fan-out against a real registry is not
// how this codebase writes concurrent I/O, not because correctness
// requires a specific cap.
const maxConcurrentUpdateJobs = 8

// Orchestrator owns the scan scheduling loop.
type Orchestrator struct {
	UpdateDelay         time.Duration
	ComposeFilePattern  string
	RepoPath            string
	MaxConcurrentPushes int
	LegacyAliases       bool

	Store   *store.Store
	Git     *gitdriver.Driver
	Parser  *imageref.Parser
	Updater *updater.Updater
	Bus     *events.Bus

	signal chan string
}

// New builds an Orchestrator. The returned value's Run method must be
// called exactly once, from a single goroutine.
func New(st *store.Store, git *gitdriver.Driver, parser *imageref.Parser, upd *updater.Updater, bus *events.Bus, updateDelay time.Duration, composeFilePattern, repoPath string, maxConcurrentPushes int, legacyAliases bool) *Orchestrator {
	return &Orchestrator{
		UpdateDelay:         updateDelay,
		ComposeFilePattern:  composeFilePattern,
		RepoPath:            repoPath,
		MaxConcurrentPushes: maxConcurrentPushes,
		LegacyAliases:       legacyAliases,
		Store:               st,
		Git:                 git,
		Parser:              parser,
		Updater:             upd,
		Bus:                 bus,
		signal:              make(chan string, 1),
	}
}

// TriggerScan requests an immediate scan. Non-blocking: if a request is
// already pending, this is a no-op, since a second signal carries no
// additional information.
func (o *Orchestrator) TriggerScan() {
	select {
	case o.signal <- scanNowSentinel:
	default:
	}
}

// Run drives the scheduling loop until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		nextRun, found, err := o.Store.GetNextRunAt(ctx)
		if err != nil {
			logging.Default().Error("reading next run time: %v", err)
			nextRun, found = time.Time{}, false
		}

		now := time.Now()
		if !found || !nextRun.After(now) {
			logging.Default().Info("scheduled time reached or not set, running scan")
			o.runScan(ctx)
			continue
		}

		timer := time.NewTimer(nextRun.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case msg := <-o.signal:
			timer.Stop()
			if msg != scanNowSentinel {
				logging.Default().Warn("ignoring unknown scheduler signal %q", msg)
				continue
			}
			logging.Default().Info("immediate scan requested")
			o.runScan(ctx)
		case <-timer.C:
			logging.Default().Info("scheduled scan triggered by timer")
			o.runScan(ctx)
		}
	}
}

// runScan runs a single scan, always advancing next_run_at afterward
// regardless of outcome.
func (o *Orchestrator) runScan(ctx context.Context) {
	defer func() {
		if err := o.Store.SetNextRunAt(ctx, time.Now().Add(o.UpdateDelay)); err != nil {
			logging.Default().Error("advancing next run time: %v", err)
		}
	}()

	if err := o.scan(ctx); err != nil {
		logging.Default().Error("scan failed: %v", err)
	}
}

type updateResult struct {
	index    int
	target   manifest.Target
	oldImage imageref.ParsedImage
	newImage imageref.ParsedImage
}

func (o *Orchestrator) scan(ctx context.Context) error {
	logging.Default().Info("running scan")
	o.Bus.Publish(events.Event{Type: events.EventCheckProgress, Payload: map[string]interface{}{"phase": "cloning"}})

	if err := o.Git.Delete(); err != nil {
		return err
	}
	if err := o.Git.Clone(ctx); err != nil {
		return err
	}
	if err := o.Git.SetupEnvironment(ctx); err != nil {
		return err
	}

	files, err := manifest.Discover(o.RepoPath, o.ComposeFilePattern)
	if err != nil {
		return err
	}

	targets := o.extractTargets(files)
	if len(targets) == 0 {
		logging.Default().Info("scan complete, no targets found")
		return nil
	}

	o.Bus.Publish(events.Event{Type: events.EventCheckProgress, Payload: map[string]interface{}{"phase": "checking", "targets": len(targets)}})
	ordered := o.collectUpdates(ctx, targets)

	if len(ordered) > o.MaxConcurrentPushes {
		logging.Default().Info("truncating %d updates to %d", len(ordered), o.MaxConcurrentPushes)
		ordered = ordered[:o.MaxConcurrentPushes]
	}

	if len(ordered) == 0 {
		logging.Default().Info("scan complete, no upgrades found")
		return nil
	}

	return o.applyAndPush(ctx, ordered)
}

func (o *Orchestrator) extractTargets(files []string) []manifest.Target {
	opts := manifest.Options{LegacyAliasesEnabled: o.LegacyAliases}

	var targets []manifest.Target
	for _, f := range files {
		fileTargets, warnings, err := manifest.Extract(f, opts)
		if err != nil {
			logging.Default().Warn("unable to read %s: %v", f, err)
			continue
		}
		for _, w := range warnings {
			logging.Default().Warn("%s: %s", f, w)
		}
		for _, t := range fileTargets {
			if t.Skip {
				logging.Default().Info("skipping %s due to configured skip", t.ServiceKey)
				continue
			}
			targets = append(targets, t)
		}
	}
	return targets
}

// collectUpdates runs one update job per target, bounded to
// maxConcurrentUpdateJobs concurrent goroutines, and returns the non-nil
// results in target (discovery) order, not completion order, so
// truncation below remains deterministic.
func (o *Orchestrator) collectUpdates(ctx context.Context, targets []manifest.Target) []updateResult {
	slots := make([]*updateResult, len(targets))
	sem := make(chan struct{}, maxConcurrentUpdateJobs)
	var wg sync.WaitGroup

	for i, t := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, t manifest.Target) {
			defer wg.Done()
			defer func() { <-sem }()

			r, err := o.updateTarget(ctx, t)
			if err != nil {
				logging.Default().Warn("update check failed for %s: %v", t.ServiceKey, err)
				return
			}
			if r != nil {
				r.index = i
				slots[i] = r
			}
		}(i, t)
	}
	wg.Wait()

	var ordered []updateResult
	for _, r := range slots {
		if r != nil {
			ordered = append(ordered, *r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	return ordered
}

func (o *Orchestrator) updateTarget(ctx context.Context, target manifest.Target) (*updateResult, error) {
	parsedImage, err := o.Parser.Parse(target.CurrentImageString, true)
	if err != nil {
		logging.Default().Warn("failed to parse image %q: %v", target.CurrentImageString, err)
		return nil, nil
	}

	logging.Default().Debug("checking for updates for %s", parsedImage)

	candidates, err := o.Updater.GetSortedCandidateTags(ctx, parsedImage, target.Bump)
	if err != nil {
		return nil, errs.WrapErr(errs.ErrRegistry, "listing candidate tags for "+parsedImage.String(), err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	desired := candidates[0]
	digest, _, err := o.Updater.GetDigest(ctx, parsedImage, desired)
	if err != nil {
		return nil, errs.WrapErr(errs.ErrRegistry, "inspecting digest for "+parsedImage.String(), err)
	}

	if _, ok := updater.IsUpgrade(parsedImage.TagAndDigest, desired, digest); !ok {
		return nil, nil
	}

	newImage := parsedImage
	newImage.TagAndDigest = &imageref.ParsedTagAndDigest{Tag: desired, Digest: digest}

	logging.Default().Info("found upgrade %s", imageref.DiffString(parsedImage, newImage.TagAndDigest))
	return &updateResult{target: target, oldImage: parsedImage, newImage: newImage}, nil
}

func (o *Orchestrator) applyAndPush(ctx context.Context, updates []updateResult) error {
	logging.Default().Info("applying %d changes to git repo", len(updates))

	var changes []string
	for _, u := range updates {
		if err := manifest.ApplyUpdate(u.target, u.newImage.String()); err != nil {
			return err
		}
		changes = append(changes, imageref.DiffString(u.oldImage, u.newImage.TagAndDigest))
	}
	commitBody := strings.Join(changes, "\n")

	if err := o.Git.Add(ctx); err != nil {
		return err
	}
	if err := o.Git.Commit(ctx, "[talaria] Updating images", commitBody); err != nil {
		return err
	}
	if err := o.Git.Push(ctx); err != nil {
		return err
	}

	hash, err := o.Git.HeadHash(ctx)
	if err != nil {
		return err
	}
	shortHash, err := o.Git.HeadShortHash(ctx)
	if err != nil {
		return err
	}

	if err := o.Store.InsertCommit(ctx, store.CommitInfo{
		CommitHash:      hash,
		CommitShortHash: shortHash,
		CommitTimestamp: time.Now(),
		PipelineStatus:  store.PipelineUnknown,
	}); err != nil {
		return err
	}

	o.Bus.Publish(events.Event{
		Type: events.EventCommitPushed,
		Payload: map[string]interface{}{
			"commit":  shortHash,
			"updates": len(updates),
		},
	})
	logging.Default().Info("scan complete, pushed commit %s with %d updates", shortHash, len(updates))
	return nil
}
