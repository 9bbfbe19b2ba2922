// Package workspace owns the runner's on-disk scratch area: one
// repository/bin/result directory tree per repository id, with cache-size
// accounting and best-effort eviction.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

const (
	repositoryDir = "repository"
	binDir        = "bin"
	resultDir     = "result"

	// maxPruneIterations bounds prune_storage so a pathological workspace
	// can't spin forever evicting one directory at a time.
	maxPruneIterations = 10
)

// Workspace owns a base directory shared by every repository the runner
// handles, enforcing a total on-disk cache ceiling.
type Workspace struct {
	basePath   string
	cacheLimit uint64
}

// New canonicalizes path, verifies it is an existing directory, and fails
// if the workspace is already at or over cacheLimitBytes - mirroring the
// source runner's fail-fast behavior rather than merely warning.
func New(path string, cacheLimitBytes uint64) (*Workspace, error) {
	base, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path %s: %w", path, err)
	}
	base, err = filepath.EvalSymlinks(base)
	if err != nil {
		return nil, fmt.Errorf("canonicalize workspace path %s: %w", path, err)
	}

	info, err := os.Stat(base)
	if err != nil {
		return nil, fmt.Errorf("stat workspace path %s: %w", base, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("expected %s to be a directory", base)
	}

	ws := &Workspace{basePath: base, cacheLimit: cacheLimitBytes}

	usage, err := ws.GetTotalUsage()
	if err != nil {
		return nil, fmt.Errorf("compute workspace usage: %w", err)
	}
	if usage >= cacheLimitBytes {
		return nil, fmt.Errorf("workspace is already full (%s/%s)",
			humanize.Bytes(usage), humanize.Bytes(cacheLimitBytes))
	}

	log.Printf("initialized workspace at %s (usage %s, limit %s)", base, humanize.Bytes(usage), humanize.Bytes(cacheLimitBytes))
	return ws, nil
}

// Path returns the canonicalized base directory.
func (w *Workspace) Path() string {
	return w.basePath
}

func (w *Workspace) repoRoot(repositoryID string) string {
	return filepath.Join(w.basePath, repositoryID)
}

// RepositoryPath returns the path of the git working tree for repositoryID.
func (w *Workspace) RepositoryPath(repositoryID string) string {
	return filepath.Join(w.repoRoot(repositoryID), repositoryDir)
}

// Clean resets the bin and result directories for repositoryID to empty and
// makes sure the repository directory exists. When full is true the entire repository subtree (including the git
// working tree) is removed first. Deletion failures are swallowed - only
// the recreate step must succeed, so the subtree is always left in a
// known-good state on exit.
func (w *Workspace) Clean(repositoryID string, full bool) error {
	root := w.repoRoot(repositoryID)

	if full {
		_ = os.RemoveAll(root)
	} else {
		_ = os.RemoveAll(filepath.Join(root, binDir))
		_ = os.RemoveAll(filepath.Join(root, resultDir))
	}

	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("create repository root %s: %w", root, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, repositoryDir), 0o755); err != nil {
		return fmt.Errorf("create repository dir for %s: %w", repositoryID, err)
	}
	if err := os.Mkdir(filepath.Join(root, binDir), 0o755); err != nil {
		return fmt.Errorf("create bin dir for %s: %w", repositoryID, err)
	}
	if err := os.Mkdir(filepath.Join(root, resultDir), 0o755); err != nil {
		return fmt.Errorf("create result dir for %s: %w", repositoryID, err)
	}
	return nil
}

// CleanBin recreates only the bin directory, used between stages of a
// multi-stage function so one stage's script cannot leak into the next.
func (w *Workspace) CleanBin(repositoryID string) error {
	root := w.repoRoot(repositoryID)
	_ = os.RemoveAll(filepath.Join(root, binDir))
	if err := os.Mkdir(filepath.Join(root, binDir), 0o755); err != nil {
		return fmt.Errorf("recreate bin dir for %s: %w", repositoryID, err)
	}
	return nil
}

// WriteString appends content to relativePath under repositoryID's subtree,
// creating the file if it does not exist. Because bin/ is always freshly
// recreated before this is called for a stage script, append-or-create is
// equivalent to a fresh write.
func (w *Workspace) WriteString(repositoryID, relativePath, content string) error {
	absolutePath := filepath.Join(w.repoRoot(repositoryID), relativePath)

	file, err := os.OpenFile(absolutePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for write: %w", absolutePath, err)
	}
	defer file.Close()

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("write %s: %w", absolutePath, err)
	}
	return nil
}

// ReadString reads relativePath under repositoryID's subtree. It fails if
// the file is missing.
func (w *Workspace) ReadString(repositoryID, relativePath string) (string, error) {
	absolutePath := filepath.Join(w.repoRoot(repositoryID), relativePath)

	content, err := os.ReadFile(absolutePath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", absolutePath, err)
	}
	return string(content), nil
}

// GetTotalUsage returns the recursive on-disk size of the whole workspace
// in bytes.
func (w *Workspace) GetTotalUsage() (uint64, error) {
	return dirSize(w.basePath)
}

func dirSize(root string) (uint64, error) {
	var total uint64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// PruneStorage evicts top-level repository subdirectories, one at a time,
// until total usage is back under the cache limit or ten iterations have
// run - whichever comes first. Eviction is best-effort and coarse: it does
// not try to pick the least-recently-used subdirectory, just any.
func (w *Workspace) PruneStorage() error {
	for i := 0; i < maxPruneIterations; i++ {
		usage, err := w.GetTotalUsage()
		if err != nil {
			return fmt.Errorf("compute workspace usage: %w", err)
		}
		if usage < w.cacheLimit {
			return nil
		}

		log.Printf("storage is over cache limit (%s), selecting a path to delete", humanize.Bytes(usage))

		victim, err := w.pickEvictionVictim()
		if err != nil {
			return fmt.Errorf("scan workspace for eviction candidate: %w", err)
		}
		if victim == "" {
			log.Printf("could not find a directory to delete in the workspace")
			return nil
		}
		if err := os.RemoveAll(victim); err != nil {
			return fmt.Errorf("remove %s: %w", victim, err)
		}
	}
	return nil
}

func (w *Workspace) pickEvictionVictim() (string, error) {
	entries, err := os.ReadDir(w.basePath)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			return filepath.Join(w.basePath, entry.Name()), nil
		}
	}
	return "", nil
}
