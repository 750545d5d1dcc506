package gitlib

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	git2go "github.com/libgit2/git2go/v34"
)

// ErrNoHead is returned when the repository has no HEAD, typically an
// empty repository with no commits yet.
var ErrNoHead = errors.New("repository has no HEAD")

// Signature represents a git signature (author/committer).
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Repository wraps a libgit2 repository.
type Repository struct {
	repo *git2go.Repository
	path string
}

// Open opens a git repository at the given path.
func Open(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// Free releases the repository resources.
func (r *Repository) Free() {
	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the HEAD tip hash and the branch name it points at.
func (r *Repository) Head() (Hash, string, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, "", fmt.Errorf("get HEAD: %w", ErrNoHead)
	}
	defer ref.Free()

	branch := strings.TrimPrefix(ref.Name(), "refs/heads/")

	return HashFromOid(ref.Target()), branch, nil
}

// Branches returns the local branch tips keyed by branch name.
func (r *Repository) Branches() (map[string]Hash, error) {
	iter, err := r.repo.NewBranchIterator(git2go.BranchLocal)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer iter.Free()

	tips := make(map[string]Hash)

	err = iter.ForEach(func(branch *git2go.Branch, _ git2go.BranchType) error {
		name, nameErr := branch.Name()
		if nameErr != nil {
			return nameErr
		}

		if target := branch.Target(); target != nil {
			tips[name] = HashFromOid(target)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate branches: %w", err)
	}

	return tips, nil
}

// LookupCommit returns the commit with the given hash.
func (r *Repository) LookupCommit(hash Hash) (*Commit, error) {
	commit, err := r.repo.LookupCommit(hash.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup commit: %w", err)
	}

	return &Commit{commit: commit, repo: r}, nil
}

// CommitsBetween walks the commits reachable from new but not from old,
// oldest first. A zero old hash walks the full history behind new.
func (r *Repository) CommitsBetween(old, newTip Hash) ([]*Commit, error) {
	walk, err := r.repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}
	defer walk.Free()

	err = walk.Push(newTip.ToOid())
	if err != nil {
		return nil, fmt.Errorf("push tip to revwalk: %w", err)
	}

	if !old.IsZero() {
		if err = walk.Hide(old.ToOid()); err != nil {
			return nil, fmt.Errorf("hide old tip: %w", err)
		}
	}

	walk.Sorting(git2go.SortTime | git2go.SortTopological)

	var commits []*Commit

	for {
		oid := new(git2go.Oid)

		err = walk.Next(oid)
		if err != nil {
			if git2go.IsErrorCode(err, git2go.ErrorCodeIterOver) {
				break
			}

			return nil, fmt.Errorf("walk commits: %w", err)
		}

		commit, lookupErr := r.repo.LookupCommit(oid)
		if lookupErr != nil {
			continue
		}

		commits = append(commits, &Commit{commit: commit, repo: r})
	}

	// Revwalk yields newest first; callers want chronological order.
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}

	return commits, nil
}

// Commit wraps a libgit2 commit.
type Commit struct {
	commit *git2go.Commit
	repo   *Repository
}

// Hash returns the commit hash.
func (c *Commit) Hash() Hash {
	return HashFromOid(c.commit.Id())
}

// Author returns the commit author.
func (c *Commit) Author() Signature {
	sig := c.commit.Author()

	return Signature{
		Name:  sig.Name,
		Email: sig.Email,
		When:  sig.When,
	}
}

// Message returns the commit message.
func (c *Commit) Message() string {
	return c.commit.Message()
}

// Summary returns the first line of the commit message.
func (c *Commit) Summary() string {
	return c.commit.Summary()
}

// NumParents returns the number of parent commits.
func (c *Commit) NumParents() int {
	return int(c.commit.ParentCount())
}

// ParentHash returns the hash of the nth parent.
func (c *Commit) ParentHash(n int) Hash {
	return HashFromOid(c.commit.ParentId(uint(n)))
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool {
	return c.commit.ParentCount() > 1
}

// Free releases the commit resources.
func (c *Commit) Free() {
	if c.commit != nil {
		c.commit.Free()
		c.commit = nil
	}
}

// Stats summarises the change a commit introduces against its first
// parent. A root commit diffs against the empty tree.
type Stats struct {
	Insertions   int
	Deletions    int
	FilesChanged int
	Files        []string
}

// DiffStats computes the commit's change stats against its first parent.
func (c *Commit) DiffStats() (*Stats, error) {
	newTree, err := c.commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("get commit tree: %w", err)
	}
	defer newTree.Free()

	var oldTree *git2go.Tree

	if c.commit.ParentCount() > 0 {
		parent := c.commit.Parent(0)
		if parent == nil {
			return nil, errors.New("first parent not found")
		}
		defer parent.Free()

		oldTree, err = parent.Tree()
		if err != nil {
			return nil, fmt.Errorf("get parent tree: %w", err)
		}
		defer oldTree.Free()
	}

	opts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return nil, fmt.Errorf("get diff options: %w", err)
	}

	diff, err := c.repo.repo.DiffTreeToTree(oldTree, newTree, &opts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	defer func() {
		_ = diff.Free()
	}()

	stats, err := diff.Stats()
	if err != nil {
		return nil, fmt.Errorf("get diff stats: %w", err)
	}

	defer func() {
		_ = stats.Free()
	}()

	out := &Stats{
		Insertions:   stats.Insertions(),
		Deletions:    stats.Deletions(),
		FilesChanged: stats.FilesChanged(),
	}

	numDeltas, err := diff.NumDeltas()
	if err != nil {
		return out, nil //nolint:nilerr // stats are usable without the file list
	}

	for i := range numDeltas {
		delta, deltaErr := diff.Delta(i)
		if deltaErr != nil {
			continue
		}

		out.Files = append(out.Files, delta.NewFile.Path)
	}

	return out, nil
}

// ForEachCommit calls the callback for each commit, freeing each one
// after the callback returns. Iteration stops on the first error.
func ForEachCommit(commits []*Commit, cb func(*Commit) error) error {
	for _, commit := range commits {
		err := cb(commit)
		commit.Free()

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}
	}

	return nil
}
