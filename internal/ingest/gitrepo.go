package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/xkilldash9x/riskgraph/api/schemas"
)

var iacExtensions = map[string]bool{
	".tf": true, ".tfvars": true, ".hcl": true, ".bicep": true,
	".yaml": true, ".yml": true, ".template": true,
}

var codeExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".kt": true, ".cs": true, ".rb": true, ".php": true, ".rs": true,
	".c": true, ".cc": true, ".cpp": true, ".h": true, ".swift": true, ".scala": true,
}

// RepositoryFacts is what a checkout tells about itself.
type RepositoryFacts struct {
	RemoteURL     string
	Kind          schemas.RepositoryKind
	FileCount     int
	IaCFileCount  int
	CodeFileCount int
	// Commit is the HEAD hash the counts were taken from, empty when the
	// working tree was walked instead.
	Commit string
}

// DescribeRepository inspects a local checkout. Files are counted from the
// HEAD commit when there is one, otherwise from the working tree. A
// directory that is not a git repository is still counted, with no remote.
func DescribeRepository(dir string) (RepositoryFacts, error) {
	var facts RepositoryFacts
	info, err := os.Stat(dir)
	if err != nil {
		return facts, fmt.Errorf("failed to inspect repository path: %w", err)
	}
	if !info.IsDir() {
		return facts, fmt.Errorf("repository path %s is not a directory", dir)
	}

	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		repo = nil
	case err != nil:
		return facts, fmt.Errorf("failed to open git repository at %s: %w", dir, err)
	}

	counted := false
	if repo != nil {
		facts.RemoteURL, err = originURL(repo)
		if err != nil {
			return facts, err
		}
		counted, err = countCommitted(repo, &facts)
		if err != nil {
			return facts, err
		}
	}
	if !counted {
		if err := countWorkingTree(dir, &facts); err != nil {
			return facts, err
		}
	}
	facts.Kind = inferKind(facts)
	return facts, nil
}

func originURL(repo *git.Repository) (string, error) {
	remote, err := repo.Remote(git.DefaultRemoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read origin remote: %w", err)
	}
	if urls := remote.Config().URLs; len(urls) > 0 {
		return urls[0], nil
	}
	return "", nil
}

// countCommitted counts the files of the HEAD tree. It reports false for a
// repository without commits.
func countCommitted(repo *git.Repository, facts *RepositoryFacts) (bool, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return false, fmt.Errorf("failed to load HEAD commit: %w", err)
	}
	files, err := commit.Files()
	if err != nil {
		return false, fmt.Errorf("failed to list HEAD files: %w", err)
	}
	err = files.ForEach(func(f *object.File) error {
		tally(facts, path.Base(f.Name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to walk HEAD tree: %w", err)
	}
	facts.Commit = head.Hash().String()
	return true, nil
}

func countWorkingTree(dir string, facts *RepositoryFacts) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == git.GitDirName && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		tally(facts, d.Name())
		return nil
	})
}

func tally(facts *RepositoryFacts, name string) {
	facts.FileCount++
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case iacExtensions[ext], name == "Dockerfile", strings.HasSuffix(name, ".dockerfile"):
		facts.IaCFileCount++
	case codeExtensions[ext]:
		facts.CodeFileCount++
	}
}

func inferKind(f RepositoryFacts) schemas.RepositoryKind {
	switch {
	case f.IaCFileCount > f.CodeFileCount:
		return schemas.RepositoryInfrastructure
	case f.CodeFileCount > 0:
		return schemas.RepositoryApplication
	default:
		return schemas.RepositoryLibrary
	}
}
