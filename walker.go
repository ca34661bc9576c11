package sftpsync

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// FileInfo describes one entry in a file-tree snapshot. Entries are
// compared structurally by relative path, size, and modification time.
type FileInfo struct {
	RelPath string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Snapshot is the result of walking one side of a sync: the files found
// plus any non-fatal per-subtree errors. A subtree that fails to read
// is omitted from Files rather than aborting the walk.
type Snapshot struct {
	Root  string
	Files map[string]FileInfo
	Errs  []error
}

// Err aggregates the non-fatal walk errors, or returns nil if the walk
// was clean.
func (s *Snapshot) Err() error {
	var result *multierror.Error
	for _, err := range s.Errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// SnapshotLocal walks a local directory tree depth-first and returns a
// snapshot keyed by slash-separated relative path.
func SnapshotLocal(fsys afero.Fs, root string) (*Snapshot, error) {
	snap := &Snapshot{Root: root, Files: make(map[string]FileInfo)}

	err := afero.Walk(fsys, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			snap.Errs = append(snap.Errs, fmt.Errorf("walk %s: %w", p, err))
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		snap.Files[rel] = FileInfo{
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan local directory %s: %w", root, err)
	}

	return snap, nil
}

// SnapshotRemote walks a remote directory tree depth-first over the
// given session. A directory that fails to list is recorded in Errs and
// its subtree omitted; the scan itself never aborts. A missing root
// yields an empty snapshot, which the planner treats as everything new.
func SnapshotRemote(sess RemoteSession, root string) *Snapshot {
	snap := &Snapshot{Root: root, Files: make(map[string]FileInfo)}

	if _, err := sess.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			snap.Errs = append(snap.Errs, fmt.Errorf("stat %s: %w", root, err))
		}
		return snap
	}

	walkRemote(sess, root, "", snap)
	return snap
}

func walkRemote(sess RemoteSession, root, rel string, snap *Snapshot) {
	dir := root
	if rel != "" {
		dir = path.Join(root, rel)
	}

	entries, err := sess.List(dir)
	if err != nil {
		snap.Errs = append(snap.Errs, fmt.Errorf("list %s: %w", dir, err))
		return
	}

	for _, entry := range entries {
		entryRel := entry.Name()
		if rel != "" {
			entryRel = path.Join(rel, entry.Name())
		}

		snap.Files[entryRel] = FileInfo{
			RelPath: entryRel,
			Size:    entry.Size(),
			ModTime: entry.ModTime(),
			IsDir:   entry.IsDir(),
		}

		if entry.IsDir() {
			walkRemote(sess, root, entryRel, snap)
		}
	}
}
