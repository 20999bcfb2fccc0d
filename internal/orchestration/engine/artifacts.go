package engine

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

// matchesArtifact reports whether the file name matches any configured
// pattern. Patterns apply to the base name only.
func matchesArtifact(patterns []string, path string) bool {
	base := filepath.Base(path)
	for _, p := range patterns {
		if ok, err := filepath.Match(p, base); err == nil && ok {
			return true
		}
	}
	return false
}

// scanArtifacts walks the workspace and returns matching files as paths
// relative to root, sorted.
func scanArtifacts(root string, patterns []string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() || !matchesArtifact(patterns, path) {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	sort.Strings(out)
	return out, err
}

// artifactWatcher keeps a live view of matching workspace files so
// artifact collection does not rescan the tree on every call.
type artifactWatcher struct {
	root     string
	patterns []string
	w        *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]struct{}
}

// watchArtifacts seeds the file set from a scan and then tracks changes.
func watchArtifacts(root string, patterns []string) (*artifactWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	aw := &artifactWatcher{
		root:     root,
		patterns: patterns,
		w:        w,
		files:    make(map[string]struct{}),
	}

	// Watch the whole existing tree; new subdirectories are added as they
	// appear.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr
		}
		if d.IsDir() {
			return w.Add(path)
		}
		if matchesArtifact(patterns, path) {
			if rel, rerr := filepath.Rel(root, path); rerr == nil {
				aw.files[rel] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		w.Close()
		return nil, err
	}

	log.SafeGo("artifact-watcher:"+filepath.Base(root), aw.run)
	return aw, nil
}

func (aw *artifactWatcher) run() {
	for {
		select {
		case ev, ok := <-aw.w.Events:
			if !ok {
				return
			}
			aw.handle(ev)
		case err, ok := <-aw.w.Errors:
			if !ok {
				return
			}
			log.ErrorErr(log.CatEngine, "artifact watcher error", err, "root", aw.root)
		}
	}
}

func (aw *artifactWatcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(aw.root, ev.Name)
	if err != nil {
		return
	}

	if ev.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			_ = aw.w.Add(ev.Name)
			return
		}
	}

	if !matchesArtifact(aw.patterns, ev.Name) {
		return
	}

	aw.mu.Lock()
	defer aw.mu.Unlock()
	switch {
	case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
		delete(aw.files, rel)
	case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
		aw.files[rel] = struct{}{}
	}
}

// List returns the current matching files, relative to the workspace root.
func (aw *artifactWatcher) List() []string {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	out := make([]string, 0, len(aw.files))
	for f := range aw.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Close stops the watcher.
func (aw *artifactWatcher) Close() {
	_ = aw.w.Close()
}

// artifactMetadata is the _metadata.json written next to preserved files.
type artifactMetadata struct {
	Instance    registry.Snapshot `json:"instance"`
	Files       []string          `json:"files"`
	PreservedAt time.Time         `json:"preserved_at"`
}

// preserveArtifacts copies matching workspace files into dest, preserving
// relative paths, and writes a _metadata.json describing the instance.
func preserveArtifacts(workDir, dest string, patterns []string, snap registry.Snapshot) (int, error) {
	files, err := scanArtifacts(workDir, patterns)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return 0, err
	}

	preserved := make([]string, 0, len(files))
	for _, rel := range files {
		if err := copyFile(filepath.Join(workDir, rel), filepath.Join(dest, rel)); err != nil {
			log.ErrorErr(log.CatEngine, "copy artifact", err, "file", rel)
			continue
		}
		preserved = append(preserved, rel)
	}

	meta, err := json.MarshalIndent(artifactMetadata{
		Instance:    snap,
		Files:       preserved,
		PreservedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return len(preserved), err
	}
	if err := os.WriteFile(filepath.Join(dest, "_metadata.json"), meta, 0o644); err != nil {
		return len(preserved), err
	}
	return len(preserved), nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
