package records

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalPath is the syntax-independent identity of a file on a shared
// volume. Two PathVariants name the same file iff their CanonicalPaths are
// equal.
//
// Recognized spellings of the same file:
//
//	/Volumes/Jobs/2026/cover.indd
//	\\fileserver\Jobs\2026\cover.indd
//	smb://fileserver/Jobs/2026/cover.indd
//	file:///Volumes/Jobs/2026/cover.indd
//	Jobs:2026:cover.indd
//
// Comparison is case-insensitive and Unicode-normalized (NFC) because the
// shared volumes are case-insensitive and macOS reports decomposed names.
type CanonicalPath struct {
	volume string
	rel    string
}

// Canonicalize parses one PathVariant. It never fails; unrecognized input
// is treated as a plain slash-separated path without a volume.
func Canonicalize(raw string) CanonicalPath {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return CanonicalPath{}
	}
	volume, rest := splitVolume(raw)
	return CanonicalPath{
		volume: foldComponent(volume),
		rel:    cleanRel(rest),
	}
}

func (p CanonicalPath) IsZero() bool {
	return p.volume == "" && p.rel == ""
}

func (p CanonicalPath) Equal(other CanonicalPath) bool {
	return p == other
}

func (p CanonicalPath) Volume() string {
	return p.volume
}

// String renders the key form used for map lookups and logging.
func (p CanonicalPath) String() string {
	if p.volume == "" {
		return "/" + p.rel
	}
	return p.volume + ":/" + p.rel
}

// Base returns the final path element.
func (p CanonicalPath) Base() string {
	if p.rel == "" {
		return ""
	}
	return path.Base(p.rel)
}

// SamePath reports whether two PathVariants refer to the same file.
func SamePath(a, b string) bool {
	ca, cb := Canonicalize(a), Canonicalize(b)
	if ca.IsZero() || cb.IsZero() {
		return false
	}
	return ca.Equal(cb)
}

// PathSet is a set of files keyed by CanonicalPath.
type PathSet map[CanonicalPath]struct{}

func NewPathSet(paths ...string) PathSet {
	set := make(PathSet, len(paths))
	for _, p := range paths {
		set.Add(p)
	}
	return set
}

func (s PathSet) Add(raw string) {
	c := Canonicalize(raw)
	if c.IsZero() {
		return
	}
	s[c] = struct{}{}
}

func (s PathSet) Contains(raw string) bool {
	c := Canonicalize(raw)
	if c.IsZero() {
		return false
	}
	_, ok := s[c]
	return ok
}

func (s PathSet) Len() int {
	return len(s)
}

func splitVolume(raw string) (volume, rest string) {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "file://"):
		u, err := url.Parse(raw)
		if err == nil {
			return splitVolume(u.Path)
		}
		return splitVolume(raw[len("file://"):])
	case strings.HasPrefix(lower, "smb://"), strings.HasPrefix(lower, "afp://"), strings.HasPrefix(lower, "cifs://"):
		u, err := url.Parse(raw)
		if err != nil {
			return "", raw
		}
		share, tail := firstSegment(u.Path, "/")
		return share, tail
	case strings.HasPrefix(raw, `\\`) || strings.HasPrefix(raw, "//"):
		trimmed := strings.ReplaceAll(raw, `\`, "/")
		trimmed = strings.TrimLeft(trimmed, "/")
		_, afterHost := firstSegment(trimmed, "/")
		share, tail := firstSegment(afterHost, "/")
		return share, tail
	case strings.HasPrefix(lower, "/volumes/"):
		share, tail := firstSegment(raw[len("/volumes/"):], "/")
		return share, tail
	case len(raw) >= 2 && raw[1] == ':' && isDriveLetter(raw[0]):
		return raw[:2], raw[2:]
	case !strings.ContainsAny(raw, `/\`) && strings.Contains(raw, ":"):
		vol, tail := firstSegment(raw, ":")
		return vol, strings.ReplaceAll(tail, ":", "/")
	default:
		return "", raw
	}
}

func firstSegment(s, sep string) (string, string) {
	s = strings.TrimLeft(s, sep)
	idx := strings.Index(s, sep)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+len(sep):]
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func cleanRel(rest string) string {
	rest = strings.ReplaceAll(rest, `\`, "/")
	rest = path.Clean("/" + rest)
	rest = strings.TrimPrefix(rest, "/")
	return foldComponent(rest)
}

func foldComponent(s string) string {
	return strings.ToLower(norm.NFC.String(s))
}
