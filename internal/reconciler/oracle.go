package reconciler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydocs/internal/records"
)

// Oracle reports which files the host editing application has open.
type Oracle interface {
	IsOpen(ctx context.Context, path string) (bool, error)
	ListOpenPaths(ctx context.Context) ([]string, error)
	// TimestampOf returns ok=false when the file cannot be inspected.
	TimestampOf(ctx context.Context, path string) (t time.Time, ok bool, err error)
}

// ErrFlockUnsupported is returned by FlockCheck on platforms without flock.
var ErrFlockUnsupported = errors.New("flock check not supported on this platform")

// HolderCheck reports whether another process holds an OS lock on path.
type HolderCheck func(path string) (bool, error)

// LockFileOracle detects open documents by the lock file the host writes
// next to each open file: dir/<Prefix><name><Suffix>.
type LockFileOracle struct {
	Roots  []string
	Prefix string
	Suffix string
	// Holder, when set, is consulted for files without a lock file.
	Holder HolderCheck
	// SkipDirs are directory names never walked.
	SkipDirs []string
}

func NewLockFileOracle(roots []string, prefix, suffix string) *LockFileOracle {
	if prefix == "" && suffix == "" {
		prefix, suffix = "~", ".lock"
	}
	return &LockFileOracle{
		Roots:    roots,
		Prefix:   prefix,
		Suffix:   suffix,
		SkipDirs: []string{".git", ".DS_Store", ".Trashes", "@eaDir"},
	}
}

// LockFileFor returns the lock file path the host writes for path.
func (o *LockFileOracle) LockFileFor(path string) string {
	return filepath.Join(filepath.Dir(path), o.Prefix+filepath.Base(path)+o.Suffix)
}

// DocumentFor maps a lock file back to its document, or "" when name is
// not a lock file.
func (o *LockFileOracle) DocumentFor(lockPath string) string {
	base := filepath.Base(lockPath)
	if !o.IsLockFile(base) {
		return ""
	}
	name := strings.TrimSuffix(strings.TrimPrefix(base, o.Prefix), o.Suffix)
	return filepath.Join(filepath.Dir(lockPath), name)
}

func (o *LockFileOracle) IsLockFile(base string) bool {
	if len(base) <= len(o.Prefix)+len(o.Suffix) {
		return false
	}
	return strings.HasPrefix(base, o.Prefix) && strings.HasSuffix(base, o.Suffix)
}

func (o *LockFileOracle) IsOpen(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := os.Stat(o.LockFileFor(path)); err == nil {
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if o.Holder == nil {
		return false, nil
	}
	held, err := o.Holder(path)
	if errors.Is(err, ErrFlockUnsupported) || errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return held, err
}

func (o *LockFileOracle) ListOpenPaths(ctx context.Context) ([]string, error) {
	var open []string
	for _, root := range o.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() {
				for _, skip := range o.SkipDirs {
					if d.Name() == skip {
						return filepath.SkipDir
					}
				}
				return nil
			}
			if doc := o.DocumentFor(path); doc != "" {
				open = append(open, doc)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(open)
	return open, nil
}

func (o *LockFileOracle) TimestampOf(ctx context.Context, path string) (time.Time, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return info.ModTime(), true, nil
}

// MemoryOracle is an Oracle driven by explicit Open and Close calls.
type MemoryOracle struct {
	mu    sync.Mutex
	open  map[records.CanonicalPath]string
	times map[records.CanonicalPath]time.Time
}

func NewMemoryOracle() *MemoryOracle {
	return &MemoryOracle{open: map[records.CanonicalPath]string{}, times: map[records.CanonicalPath]time.Time{}}
}

func (o *MemoryOracle) Open(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := records.Canonicalize(path)
	o.open[key] = path
	o.times[key] = time.Now()
}

func (o *MemoryOracle) Close(path string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.open, records.Canonicalize(path))
}

func (o *MemoryOracle) IsOpen(ctx context.Context, path string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.open[records.Canonicalize(path)]
	return ok, nil
}

func (o *MemoryOracle) ListOpenPaths(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.open))
	for _, raw := range o.open {
		out = append(out, raw)
	}
	sort.Strings(out)
	return out, nil
}

func (o *MemoryOracle) TimestampOf(ctx context.Context, path string) (time.Time, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.times[records.Canonicalize(path)]
	return t, ok, nil
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
