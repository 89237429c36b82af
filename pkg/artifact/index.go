// Package artifact provides a deterministic index of an artifact tree,
// served by the admin surface so provisioning tooling can discover what a
// boot server carries without crawling it artifact by artifact.
package artifact

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io/fs"
	"path/filepath"
	"sort"
)

// Entry describes one artifact in the index.
type Entry struct {
	Path    string `json:"path"`     // Relative path with forward slashes
	Size    int64  `json:"size"`     // File size in bytes
	ModTime int64  `json:"mod_time"` // Modification time as Unix seconds
	ID      string `json:"id"`       // Deterministic ID (16 hex chars)
}

// Index is a snapshot of the artifact tree. Entries are sorted by path, so
// two scans of an unchanged tree produce identical output.
type Index struct {
	Root       string  `json:"root"`        // Base name of the artifact root
	Entries    []Entry `json:"entries"`     // Regular files only, sorted by Path
	TotalBytes int64   `json:"total_bytes"` // Sum of entry sizes
	FileCount  int     `json:"file_count"`  // Number of entries
}

// Scan walks the artifact root and builds its index. Only regular files are
// indexed; directories structure the namespace but are not artifacts.
// Unreadable entries are skipped.
func Scan(rootPath string) (Index, error) {
	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return Index{}, fmt.Errorf("resolve root: %w", err)
	}

	idx := Index{
		Root:    filepath.Base(absRoot),
		Entries: make([]Entry, 0),
	}

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		idx.Entries = append(idx.Entries, Entry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		})
		idx.TotalBytes += info.Size()
		idx.FileCount++
		return nil
	})
	if err != nil {
		return Index{}, fmt.Errorf("walk artifact root: %w", err)
	}

	sort.Slice(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].Path < idx.Entries[j].Path
	})
	for i := range idx.Entries {
		idx.Entries[i].ID = computeID(idx.Entries[i])
	}
	return idx, nil
}

// computeID derives a stable 16-hex-character ID from an entry's path,
// size, and modification time via FNV-1a.
func computeID(e Entry) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", e.Path, e.Size, e.ModTime)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Sum64())
	return hex.EncodeToString(buf)
}
