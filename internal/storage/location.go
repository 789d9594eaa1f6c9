package storage

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Location is a parsed storage URI.
//
// URI formats:
//   - s3://bucket/prefix (s3a:// is accepted as an alias)
//   - file:///abs/path or a plain filesystem path
type Location struct {
	Scheme string
	Bucket string
	// Path is the object key (prefix or glob) for s3, a filesystem path otherwise.
	Path string
}

// ParseLocation parses a storage URI.
func ParseLocation(uri string) (Location, error) {
	if uri == "" {
		return Location{}, fmt.Errorf("empty storage location")
	}
	for _, scheme := range []string{"s3://", "s3a://", "s3n://"} {
		if rest, ok := strings.CutPrefix(uri, scheme); ok {
			bucket, key, _ := strings.Cut(rest, "/")
			if bucket == "" {
				return Location{}, fmt.Errorf("missing bucket in %q", uri)
			}
			return Location{Scheme: SchemeS3, Bucket: bucket, Path: key}, nil
		}
	}
	if rest, ok := strings.CutPrefix(uri, "file://"); ok {
		uri = rest
	}
	if strings.Contains(uri, "://") {
		return Location{}, fmt.Errorf("unsupported storage scheme in %q", uri)
	}
	return Location{Scheme: SchemeFile, Path: uri}, nil
}

// Join returns the location of elem below l.
func (l Location) Join(elem ...string) Location {
	out := l
	if l.Scheme == SchemeS3 {
		parts := append([]string{strings.TrimSuffix(l.Path, "/")}, elem...)
		out.Path = strings.TrimPrefix(path.Join(parts...), "/")
		return out
	}
	out.Path = filepath.Join(append([]string{l.Path}, elem...)...)
	return out
}

func (l Location) String() string {
	if l.Scheme == SchemeS3 {
		return "s3://" + l.Bucket + "/" + l.Path
	}
	return l.Path
}

// literalPrefix returns the part of a glob pattern before its first
// metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

// matchKey reports whether an object key is selected by pattern. Glob
// metacharacters never match across '/'. A pattern without metacharacters
// selects the key itself or, when it ends with '/', every key below it.
func matchKey(pattern, key string) (bool, error) {
	if !hasMeta(pattern) {
		if strings.HasSuffix(pattern, "/") || pattern == "" {
			return strings.HasPrefix(key, pattern), nil
		}
		return key == pattern, nil
	}
	return path.Match(pattern, key)
}
