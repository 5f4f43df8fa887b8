// Package gitx wraps the git operations the work loop needs. Repository
// reads and commits go through go-git; worktree management and pushes
// shell out to the git binary, which handles credential helpers and
// worktree metadata for us.
package gitx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Repo is an open git repository.
type Repo struct {
	path string
	repo *git.Repository
}

// Open opens the repository at path.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	return &Repo{path: path, repo: repo}, nil
}

// Path returns the repository root.
func (r *Repo) Path() string { return r.path }

// CurrentBranch returns the checked-out branch name. Detached HEAD is an
// error: the loop always works on a ticket branch.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached at %s", head.Hash().String()[:7])
	}
	return head.Name().Short(), nil
}

// Branches returns local branch names with the given prefix, sorted.
func (r *Repo) Branches(prefix string) ([]string, error) {
	iter, err := r.repo.Branches()
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// CreateBranch creates a branch at HEAD and checks it out.
func (r *Repo) CreateBranch(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(name string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
	})
	if err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	return nil
}

// ChangedFiles returns paths with uncommitted changes, staged, unstaged
// and untracked alike, sorted.
func (r *Repo) ChangedFiles() ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, err
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	var files []string
	for path, fs := range status {
		if fs.Worktree == git.Unmodified && fs.Staging == git.Unmodified {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// HasChanges reports whether the worktree has uncommitted changes.
func (r *Repo) HasChanges() (bool, error) {
	files, err := r.ChangedFiles()
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// CommitAll stages everything and commits with the given message. Returns
// the short hash. Committing with a clean tree is an error; callers check
// HasChanges first.
func (r *Repo) CommitAll(message, authorName, authorEmail string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("staging changes: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String()[:7], nil
}

// BranchCommits returns commit messages unique to branch relative to base,
// most recent first.
func (r *Repo) BranchCommits(base, branch string) ([]string, error) {
	baseRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(base), true)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", base, err)
	}
	branchRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", branch, err)
	}

	// Collect the base's ancestry so the walk can stop at shared history.
	shared := map[plumbing.Hash]bool{}
	baseIter, err := r.repo.Log(&git.LogOptions{From: baseRef.Hash()})
	if err != nil {
		return nil, err
	}
	err = baseIter.ForEach(func(c *object.Commit) error {
		shared[c.Hash] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	var messages []string
	branchIter, err := r.repo.Log(&git.LogOptions{From: branchRef.Hash()})
	if err != nil {
		return nil, err
	}
	err = branchIter.ForEach(func(c *object.Commit) error {
		if shared[c.Hash] {
			return storer.ErrStop
		}
		messages = append(messages, c.Message)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
