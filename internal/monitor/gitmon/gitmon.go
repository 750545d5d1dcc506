// Package gitmon polls a git repository and emits commit, branch, and
// merge events by diffing ref tips against the previous poll.
package gitmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devpulse/devpulse/internal/gitlib"
	"github.com/devpulse/devpulse/pkg/event"
)

// sourceName identifies this monitor in emitted events.
const sourceName = "git-monitor"

// Poll loop tuning.
const (
	defaultPollInterval = 5 * time.Second
	errorBackoffMax     = time.Minute
	maxConsecutiveErrs  = 10

	// maxCommitsPerTick caps the events emitted for one tip move, so a
	// fetched history or force-push cannot flood the bus.
	maxCommitsPerTick = 200
)

// Emitter publishes events produced by the monitor.
type Emitter interface {
	Emit(e *event.Event)
}

// Options configures a Monitor.
type Options struct {
	// RepoPath is the working tree (or .git directory) to poll.
	RepoPath string

	// PollInterval is the tick period. Zero means 5 s.
	PollInterval time.Duration

	// AnalyzeMessages enables Conventional Commits parsing and risk
	// scoring on commit events.
	AnalyzeMessages bool

	// Emitter receives the produced events. Required.
	Emitter Emitter

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// Monitor polls one repository.
type Monitor struct {
	repoPath string
	interval time.Duration
	analyze  bool
	emitter  Emitter
	log      *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	// Snapshot from the previous poll.
	tips     map[string]gitlib.Hash
	headTip  gitlib.Hash
	headName string
	primed   bool
}

// New validates the options and opens the repository once to fail fast
// on paths that are not repositories.
func New(opts Options) (*Monitor, error) {
	if opts.Emitter == nil {
		return nil, errors.New("emitter is required")
	}

	repo, err := gitlib.Open(opts.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", opts.RepoPath, err)
	}

	repo.Free()

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		repoPath: opts.RepoPath,
		interval: interval,
		analyze:  opts.AnalyzeMessages,
		emitter:  opts.Emitter,
		log:      logger.With("monitor", sourceName),
		tips:     make(map[string]gitlib.Hash),
	}, nil
}

// Start launches the poll loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("git monitor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.run(runCtx)

	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	started := m.started
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if !started {
		return errors.New("git monitor not started")
	}

	cancel()
	<-done

	return nil
}

// run ticks until cancelled. Transient errors back the interval off;
// a vanished repository or persistent failure is fatal.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	delay := m.interval
	consecutive := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		err := m.poll(ctx)
		if err == nil {
			delay = m.interval
			consecutive = 0

			continue
		}

		if m.repoGone() {
			m.fatal(fmt.Errorf("repository removed: %w", err))

			return
		}

		consecutive++
		if consecutive > maxConsecutiveErrs {
			m.fatal(err)

			return
		}

		m.log.Warn("poll failed, backing off", "attempt", consecutive, "error", err)

		delay *= 2
		if delay > errorBackoffMax {
			delay = errorBackoffMax
		}
	}
}

func (m *Monitor) repoGone() bool {
	if _, err := os.Stat(m.repoPath); err != nil {
		return true
	}

	_, err := os.Stat(filepath.Join(m.repoPath, ".git"))

	return err != nil
}

func (m *Monitor) fatal(err error) {
	m.log.Error("git monitor stopped", "error", err)
	m.emitter.Emit(event.New(event.TypeMonitorFatal, event.CategorySystem, event.SeverityCritical, sourceName, map[string]any{
		"monitor": sourceName,
		"error":   err.Error(),
	}))
}

// poll opens the repository, snapshots refs, and emits the delta since
// the previous snapshot. The first poll only primes the snapshot.
func (m *Monitor) poll(ctx context.Context) error {
	repo, err := gitlib.Open(m.repoPath)
	if err != nil {
		return err
	}
	defer repo.Free()

	tips, err := repo.Branches()
	if err != nil {
		return err
	}

	headTip, headName, err := repo.Head()
	if err != nil {
		return err
	}

	if !m.primed {
		m.tips = tips
		m.headTip = headTip
		m.headName = headName
		m.primed = true

		return nil
	}

	m.diffBranches(tips)

	if err := m.emitNewCommits(ctx, repo, tips); err != nil {
		return err
	}

	m.tips = tips
	m.headTip = headTip
	m.headName = headName

	return nil
}

// diffBranches emits branch_created / branch_deleted for ref changes.
func (m *Monitor) diffBranches(tips map[string]gitlib.Hash) {
	for name, tip := range tips {
		if _, existed := m.tips[name]; !existed {
			m.emitter.Emit(event.New("git:branch_created", event.CategoryGit, event.SeverityInfo, sourceName, map[string]any{
				"action": "branch_created",
				"branch": name,
				"hash":   tip.String(),
			}))
		}
	}

	for name := range m.tips {
		if _, exists := tips[name]; !exists {
			m.emitter.Emit(event.New("git:branch_deleted", event.CategoryGit, event.SeverityInfo, sourceName, map[string]any{
				"action": "branch_deleted",
				"branch": name,
			}))
		}
	}
}

// emitNewCommits walks each moved branch tip and emits one commit event
// per new commit, oldest first, plus a merge event for merge commits.
// Commits reachable from several moved branches emit once.
func (m *Monitor) emitNewCommits(ctx context.Context, repo *gitlib.Repository, tips map[string]gitlib.Hash) error {
	seen := make(map[gitlib.Hash]bool)
	emitted := 0

	for name, tip := range tips {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		old, existed := m.tips[name]
		if !existed || old == tip {
			// New branches prime silently; their history is not new work.
			continue
		}

		commits, err := repo.CommitsBetween(old, tip)
		if err != nil {
			return fmt.Errorf("walk %s: %w", name, err)
		}

		err = gitlib.ForEachCommit(commits, func(commit *gitlib.Commit) error {
			if seen[commit.Hash()] || emitted >= maxCommitsPerTick {
				return nil
			}

			seen[commit.Hash()] = true
			emitted++

			m.emitCommit(commit, name)

			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// emitCommit publishes the commit event and, for merge commits, a
// companion merge event.
func (m *Monitor) emitCommit(commit *gitlib.Commit, branch string) {
	author := commit.Author()

	data := map[string]any{
		"action":  "commit",
		"hash":    commit.Hash().String(),
		"message": commit.Summary(),
		"author":  author.Name,
		"branch":  branch,
	}

	severity := event.SeverityInfo

	if m.analyze {
		analysis, stats := m.analyzeCommit(commit)
		if analysis != nil {
			data["analysis"] = analysis
		}

		if stats != nil {
			data["stats"] = stats
		}
	}

	evt := event.New("git:commit", event.CategoryGit, severity, sourceName, data)
	evt.Metadata = &event.Metadata{Actor: author.Name, Branch: branch}
	m.emitter.Emit(evt)

	if commit.IsMerge() {
		parents := make([]string, 0, commit.NumParents())
		for i := range commit.NumParents() {
			parents = append(parents, commit.ParentHash(i).String())
		}

		m.emitter.Emit(event.New("git:merge", event.CategoryGit, event.SeverityInfo, sourceName, map[string]any{
			"action":  "merge",
			"hash":    commit.Hash().String(),
			"message": commit.Summary(),
			"branch":  branch,
			"parents": parents,
		}))
	}
}

// analyzeCommit parses the message and computes the risk score from the
// diff against the first parent.
func (m *Monitor) analyzeCommit(commit *gitlib.Commit) (map[string]any, map[string]any) {
	conv, hasConv := parseConventional(commit.Message())

	var (
		insertions, deletions, files int
		stats                        map[string]any
	)

	diffStats, err := commit.DiffStats()
	if err != nil {
		m.log.Warn("cannot compute diff stats", "hash", commit.Hash().Short(), "error", err)
	} else {
		insertions = diffStats.Insertions
		deletions = diffStats.Deletions
		files = diffStats.FilesChanged
		stats = map[string]any{
			"adds":  insertions,
			"dels":  deletions,
			"files": files,
		}
	}

	analysis := map[string]any{
		"risk": riskScore(conv, hasConv, insertions, deletions, files),
	}

	if hasConv {
		analysis["conventionalType"] = conv.Type

		if conv.Scope != "" {
			analysis["scope"] = conv.Scope
		}
	}

	return analysis, stats
}
