// Package target parses offsite target URIs such as "s3:bucket/prefix".
package target

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind is the closed set of offsite sinks.
type Kind int

const (
	KindFile Kind = iota + 1
	KindS3
	KindGlacier
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindS3:
		return "s3"
	case KindGlacier:
		return "glacier"
	}
	return "unknown"
}

// Target represents a parsed offsite target URI.
// Examples: file:/mnt/offsite, s3:my-bucket/vm-backups, glacier:vm-backups
type Target struct {
	// Raw is the original input string.
	Raw  string
	Kind Kind
	// Value is the scheme-specific value after normalisation.
	Value string

	// DirPath is set for KindFile: a cleaned absolute path.
	DirPath string
	// Bucket and Prefix are set for KindS3; Prefix has no leading or
	// trailing slash.
	Bucket string
	Prefix string
	// Vault is set for KindGlacier.
	Vault string
}

// schemes maps accepted scheme names to kinds; "dir" is kept as an alias
// for "file".
var schemes = map[string]Kind{
	"file":    KindFile,
	"dir":     KindFile,
	"s3":      KindS3,
	"glacier": KindGlacier,
}

// Parse parses a target URI like "s3:bucket/prefix" into a Target structure.
func Parse(raw string) (Target, error) {
	t := Target{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "" {
		return t, fmt.Errorf("target must not be empty; expected format '<scheme>:<value>'")
	}
	scheme, val, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || strings.TrimSpace(val) == "" {
		return t, fmt.Errorf("invalid target %q; expected format '<scheme>:<value>' (e.g., 's3:bucket/prefix')", raw)
	}
	kind, ok := schemes[strings.ToLower(strings.TrimSpace(scheme))]
	if !ok {
		return t, fmt.Errorf("unsupported offsite scheme %q", scheme)
	}
	t.Kind = kind
	val = strings.TrimSpace(val)

	switch kind {
	case KindFile:
		clean := filepath.Clean(val)
		if !filepath.IsAbs(clean) {
			return t, fmt.Errorf("file target must be an absolute path: %q", val)
		}
		t.DirPath = clean
		t.Value = clean
	case KindS3:
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(val, "//"), "/")
		if bucket == "" {
			return t, fmt.Errorf("s3 target needs a bucket: %q", val)
		}
		t.Bucket = bucket
		t.Prefix = strings.Trim(prefix, "/")
		t.Value = bucket
		if t.Prefix != "" {
			t.Value += "/" + t.Prefix
		}
	case KindGlacier:
		if strings.Contains(val, "/") {
			return t, fmt.Errorf("glacier vault names cannot contain '/': %q", val)
		}
		t.Vault = val
		t.Value = val
	}
	return t, nil
}

// String returns a canonical string form of the target.
func (t Target) String() string {
	if t.Kind == 0 {
		return t.Raw
	}
	return t.Kind.String() + ":" + t.Value
}
