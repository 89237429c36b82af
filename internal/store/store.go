// Package store provides a read-only view over the artifact root directory.
// Both the TFTP and HTTP paths resolve logical request paths through a Store;
// no other component constructs filesystem paths.
package store

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no regular file exists at the resolved location.
	ErrNotFound = errors.New("artifact not found")
	// ErrForbidden indicates resolution would escape the artifact root.
	ErrForbidden = errors.New("path escapes artifact root")
)

// Artifact describes one resolved boot artifact. The size and modification
// time are a snapshot from resolve time; a transfer that has begun treats
// them as fixed even if the underlying file changes.
type Artifact struct {
	LogicalPath string    // Forward-slash request path, relative to the root
	AbsPath     string    // Resolved absolute filesystem location
	Size        int64     // Byte size at resolve time
	ModTime     time.Time // Last modification at resolve time
	ContentType string    // Inferred from the extension, octet-stream fallback
}

// Store resolves logical artifact paths beneath a fixed root directory.
// The store re-stats on every Resolve, so files dropped into the root are
// visible to new requests without a restart.
type Store struct {
	root string
}

// New creates a store rooted at rootDir. The root must exist and be a
// directory; symlinks in the root path itself are resolved once here so
// later escape checks compare against the real location.
func New(rootDir string) (*Store, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", rootDir)
	}
	return &Store{root: resolved}, nil
}

// Root returns the resolved artifact root directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve canonicalizes a logical request path and returns the artifact's
// metadata. Returns ErrForbidden if the path would escape the root (dot-dot
// or symlink traversal) and ErrNotFound if no regular file exists there.
func (s *Store) Resolve(logical string) (Artifact, error) {
	clean, err := cleanLogical(logical)
	if err != nil {
		return Artifact{}, err
	}

	abs := filepath.Join(s.root, filepath.FromSlash(clean))

	// EvalSymlinks resolves any link inside the tree so a symlink pointing
	// outside the root is caught by the containment check below.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("resolve %s: %w", clean, err)
	}
	if !contained(s.root, resolved) {
		return Artifact{}, ErrForbidden
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("stat %s: %w", clean, err)
	}
	if !info.Mode().IsRegular() {
		return Artifact{}, ErrNotFound
	}

	return Artifact{
		LogicalPath: clean,
		AbsPath:     resolved,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: contentType(clean),
	}, nil
}

// OpenRange returns a sequential reader over [offset, offset+length) of the
// artifact, or from offset to end-of-file when length is negative. The caller
// must close the returned reader on every exit path.
func (s *Store) OpenRange(a Artifact, offset, length int64) (io.ReadCloser, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	f, err := os.Open(a.AbsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open %s: %w", a.LogicalPath, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", a.LogicalPath, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &rangeReader{r: io.LimitReader(f, length), f: f}, nil
}

// rangeReader bounds reads to the requested span while closing the
// underlying file.
type rangeReader struct {
	r io.Reader
	f *os.File
}

func (r *rangeReader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r *rangeReader) Close() error               { return r.f.Close() }

// cleanLogical normalizes a request path to a forward-slash relative path
// and rejects traversal attempts before the filesystem is touched.
func cleanLogical(logical string) (string, error) {
	p := strings.TrimPrefix(logical, "/")
	if p == "" {
		return "", ErrNotFound
	}
	if strings.ContainsRune(p, 0) {
		return "", ErrForbidden
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", ErrForbidden
	}
	if path.IsAbs(clean) || clean == "." {
		return "", ErrForbidden
	}
	return clean, nil
}

// contained reports whether target is root or lies beneath it.
func contained(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// contentType infers a MIME type from the logical path's extension.
// Boot artifacts (kernels, initramfs images, iPXE binaries) mostly have
// no registered extension and fall back to octet-stream.
func contentType(logical string) string {
	if ct := mime.TypeByExtension(path.Ext(logical)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
