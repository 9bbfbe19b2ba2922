// Package gitsync makes a repository's working tree reflect the tip of its
// target branch, either by cloning it fresh or fast-forward-pulling it in
// place. Non-fast-forward situations are refused rather than merged.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/kongbytes/chicon-runner-go/internal/model"
)

// defaultBranch is used whenever a Repository does not declare one.
const defaultBranch = "master"

// ErrNonFastForward is returned when the remote branch has diverged from
// the local one in a way that cannot be resolved by advancing the ref.
var ErrNonFastForward = errors.New("fast-forward only authorized")

// Sync brings repoPath's working tree to the tip of repo's branch (or
// "master" if unset), cloning it if it does not yet exist there, and
// returns the resolved commit. sshKeyPath is optional and is only used for
// the initial clone; fetches into an existing checkout pass no explicit
// credentials.
func Sync(ctx context.Context, repoPath string, repo model.Repository, sshKeyPath string) (model.GitCommit, error) {
	branch := repo.Branch
	if branch == "" {
		branch = defaultBranch
	}

	gitDir := filepath.Join(repoPath, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return fetchAndFastForward(ctx, repoPath, branch)
	}

	return clone(ctx, repoPath, repo.URL, branch, sshKeyPath)
}

func fetchAndFastForward(ctx context.Context, repoPath, branch string) (model.GitCommit, error) {
	repository, err := git.PlainOpen(repoPath)
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("open existing repository at %s: %w", repoPath, err)
	}

	remoteRef := plumbing.NewRemoteReferenceName("origin", branch)
	refSpec := gitcfg.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", branch, remoteRef))

	err = repository.FetchContext(ctx, &git.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitcfg.RefSpec{refSpec},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return model.GitCommit{}, fmt.Errorf("fetch origin/%s: %w", branch, err)
	}

	fetchedRef, err := repository.Reference(remoteRef, true)
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("resolve fetched ref %s: %w", remoteRef, err)
	}
	fetchedCommit, err := repository.CommitObject(fetchedRef.Hash())
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("load fetched commit: %w", err)
	}

	head, err := repository.Head()
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("resolve current HEAD: %w", err)
	}

	if head.Hash() == fetchedCommit.Hash {
		return commitToModel(fetchedCommit, branch), nil
	}

	headCommit, err := repository.CommitObject(head.Hash())
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("load current HEAD commit: %w", err)
	}

	isAncestor, err := headCommit.IsAncestor(fetchedCommit)
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("compute merge analysis: %w", err)
	}
	if !isAncestor {
		return model.GitCommit{}, ErrNonFastForward
	}

	localBranchRef := plumbing.NewBranchReferenceName(branch)
	newRef := plumbing.NewHashReference(localBranchRef, fetchedCommit.Hash)
	if err := repository.Storer.SetReference(newRef); err != nil {
		return model.GitCommit{}, fmt.Errorf("advance local branch %s: %w", branch, err)
	}
	if err := repository.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, localBranchRef)); err != nil {
		return model.GitCommit{}, fmt.Errorf("set HEAD to %s: %w", branch, err)
	}

	worktree, err := repository.Worktree()
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: fetchedCommit.Hash, Force: true}); err != nil {
		return model.GitCommit{}, fmt.Errorf("checkout %s: %w", fetchedCommit.Hash, err)
	}

	return commitToModel(fetchedCommit, branch), nil
}

func clone(ctx context.Context, repoPath, url, branch, sshKeyPath string) (model.GitCommit, error) {
	auth, err := sshAuthFromKey(sshKeyPath)
	if err != nil {
		return model.GitCommit{}, err
	}

	repository, err := git.PlainCloneContext(ctx, repoPath, false, &git.CloneOptions{
		URL:           url,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
	})
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("clone %s: %w", url, err)
	}

	head, err := repository.Head()
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("resolve HEAD after clone: %w", err)
	}
	commit, err := repository.CommitObject(head.Hash())
	if err != nil {
		return model.GitCommit{}, fmt.Errorf("load commit after clone: %w", err)
	}

	return commitToModel(commit, branch), nil
}

func sshAuthFromKey(keyPath string) (transport.AuthMethod, error) {
	if keyPath == "" {
		return nil, nil
	}
	auth, err := gitssh.NewPublicKeysFromFile("git", keyPath, "")
	if err != nil {
		return nil, fmt.Errorf("load SSH key from %s: %w", keyPath, err)
	}
	return auth, nil
}

func commitToModel(commit *object.Commit, branch string) model.GitCommit {
	return model.GitCommit{
		CommitID: commit.Hash.String(),
		Message:  commit.Message,
		Branch:   branch,
	}
}
