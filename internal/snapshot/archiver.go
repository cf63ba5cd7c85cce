// Package snapshot captures and restores content-addressed snapshots of a
// workspace directory. Snapshots are git tree objects: when the work path
// lives inside an existing checkout its object store is reused, otherwise
// a hidden per-workspace store is initialized under the data directory.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// DefaultExcludes are directory names never captured or pruned. Artifact
// and cache trees would bloat the object store without aiding rollback.
var DefaultExcludes = []string{
	".git", ".anvil-snapshots", "node_modules", "__pycache__", ".venv",
	"target", "dist", "build", ".cache", ".idea", ".vscode",
}

// Archiver writes and restores workspace trees.
type Archiver struct {
	baseDir  string
	excludes map[string]struct{}
}

// NewArchiver creates an Archiver whose hidden stores live under baseDir.
func NewArchiver(baseDir string) *Archiver {
	ex := make(map[string]struct{}, len(DefaultExcludes))
	for _, name := range DefaultExcludes {
		ex[name] = struct{}{}
	}
	return &Archiver{baseDir: baseDir, excludes: ex}
}

// Capture stages the working tree at workPath and writes a tree object,
// returning its hash.
func (a *Archiver) Capture(workPath string) (string, error) {
	abs, err := filepath.Abs(workPath)
	if err != nil {
		return "", err
	}
	st, err := a.objectStore(abs)
	if err != nil {
		return "", err
	}
	hash, err := a.writeTree(st, abs)
	if err != nil {
		return "", fmt.Errorf("write tree for %s: %w", abs, err)
	}
	return hash.String(), nil
}

// Restore checks the tree out over workPath, overwriting tracked entries
// and deleting untracked files and directories so the result matches the
// snapshot exactly (excluded paths aside).
func (a *Archiver) Restore(treeHash, workPath string) error {
	abs, err := filepath.Abs(workPath)
	if err != nil {
		return err
	}
	st, err := a.objectStore(abs)
	if err != nil {
		return err
	}
	tree, err := object.GetTree(st, plumbing.NewHash(treeHash))
	if err != nil {
		return fmt.Errorf("read tree %s: %w", treeHash, err)
	}

	tracked := make(map[string]struct{})
	if err := a.checkoutTree(st, tree, abs, "", tracked); err != nil {
		return err
	}
	return a.pruneUntracked(abs, "", tracked)
}

// objectStore returns the object storer for the workspace: an enclosing
// git checkout's store when one exists, otherwise a lazily-initialized
// bare store keyed by a hash of the absolute work path.
func (a *Archiver) objectStore(absWorkPath string) (storer.EncodedObjectStorer, error) {
	if repo, err := git.PlainOpenWithOptions(absWorkPath, &git.PlainOpenOptions{DetectDotGit: true}); err == nil {
		return repo.Storer, nil
	}

	sum := sha256.Sum256([]byte(absWorkPath))
	dir := filepath.Join(a.baseDir, hex.EncodeToString(sum[:])[:16])
	repo, err := git.PlainOpen(dir)
	if err != nil {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot store: %w", err)
		}
		repo, err = git.PlainInit(dir, true)
		if err != nil {
			return nil, fmt.Errorf("init snapshot store: %w", err)
		}
	}
	return repo.Storer, nil
}

// writeTree recursively writes blobs and trees for dir and returns the
// root tree hash.
func (a *Archiver) writeTree(st storer.EncodedObjectStorer, dir string) (plumbing.Hash, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var treeEntries []object.TreeEntry
	for _, entry := range entries {
		name := entry.Name()
		if _, skip := a.excludes[name]; skip {
			continue
		}
		full := filepath.Join(dir, name)

		switch {
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			hash, err := writeBlob(st, strings.NewReader(target), int64(len(target)))
			if err != nil {
				return plumbing.ZeroHash, err
			}
			treeEntries = append(treeEntries, object.TreeEntry{Name: name, Mode: filemode.Symlink, Hash: hash})

		case entry.IsDir():
			hash, err := a.writeTree(st, full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			treeEntries = append(treeEntries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})

		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return plumbing.ZeroHash, err
			}
			f, err := os.Open(full)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			hash, err := writeBlob(st, f, info.Size())
			f.Close()
			if err != nil {
				return plumbing.ZeroHash, err
			}
			mode := filemode.Regular
			if info.Mode()&0o111 != 0 {
				mode = filemode.Executable
			}
			treeEntries = append(treeEntries, object.TreeEntry{Name: name, Mode: mode, Hash: hash})
		}
		// Sockets, devices, and pipes are not snapshot material.
	}

	sortTreeEntries(treeEntries)
	tree := &object.Tree{Entries: treeEntries}
	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return st.SetEncodedObject(obj)
}

func writeBlob(st storer.EncodedObjectStorer, r io.Reader, size int64) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(size)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return st.SetEncodedObject(obj)
}

// sortTreeEntries applies git tree ordering: byte order over names, with
// directories compared as if their name ended in "/".
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// checkoutTree materializes the tree under dir and records relative paths
// of every written entry in tracked.
func (a *Archiver) checkoutTree(st storer.EncodedObjectStorer, tree *object.Tree, dir, rel string, tracked map[string]struct{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, entry := range tree.Entries {
		full := filepath.Join(dir, entry.Name)
		entryRel := filepath.Join(rel, entry.Name)
		tracked[entryRel] = struct{}{}

		switch entry.Mode {
		case filemode.Dir:
			sub, err := object.GetTree(st, entry.Hash)
			if err != nil {
				return fmt.Errorf("read subtree %s: %w", entryRel, err)
			}
			if err := a.checkoutTree(st, sub, full, entryRel, tracked); err != nil {
				return err
			}

		case filemode.Symlink:
			blob, err := object.GetBlob(st, entry.Hash)
			if err != nil {
				return err
			}
			target, err := readBlob(blob)
			if err != nil {
				return err
			}
			_ = os.Remove(full)
			if err := os.Symlink(string(target), full); err != nil {
				return fmt.Errorf("restore symlink %s: %w", entryRel, err)
			}

		default:
			blob, err := object.GetBlob(st, entry.Hash)
			if err != nil {
				return err
			}
			data, err := readBlob(blob)
			if err != nil {
				return err
			}
			perm := os.FileMode(0o644)
			if entry.Mode == filemode.Executable {
				perm = 0o755
			}
			// Remove first in case the path is currently a directory or symlink.
			if info, err := os.Lstat(full); err == nil && (info.IsDir() || info.Mode()&os.ModeSymlink != 0) {
				_ = os.RemoveAll(full)
			}
			if err := os.WriteFile(full, data, perm); err != nil {
				return fmt.Errorf("restore file %s: %w", entryRel, err)
			}
			_ = os.Chmod(full, perm)
		}
	}
	return nil
}

func readBlob(blob *object.Blob) ([]byte, error) {
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// pruneUntracked removes files and directories under dir that the
// snapshot does not contain. Excluded names are left alone.
func (a *Archiver) pruneUntracked(dir, rel string, tracked map[string]struct{}) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if _, skip := a.excludes[name]; skip {
			continue
		}
		entryRel := filepath.Join(rel, name)
		full := filepath.Join(dir, name)

		if _, ok := tracked[entryRel]; !ok {
			if err := os.RemoveAll(full); err != nil {
				return fmt.Errorf("prune %s: %w", entryRel, err)
			}
			continue
		}
		if entry.IsDir() {
			if err := a.pruneUntracked(full, entryRel, tracked); err != nil {
				return err
			}
		}
	}
	return nil
}
