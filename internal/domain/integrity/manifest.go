// Package integrity tracks SHA-256 checksums of exported files.
package integrity

import (
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jewelpos/backend/internal/domain/shared"
)

// ManifestVersion is written into every manifest file
const ManifestVersion = 1

var (
	ErrInvalidPath  = shared.NewDomainError("INVALID_INPUT", "Path must be relative to the exports directory")
	ErrNotTracked   = shared.NewDomainError("NOT_FOUND", "File is not tracked by the manifest")
	ErrFileNotFound = shared.NewDomainError("NOT_FOUND", "Export file not found")
	ErrMismatch     = shared.NewDomainError("INTEGRITY_MISMATCH", "File checksum does not match the manifest")
	ErrReservedPath = shared.NewDomainError("INVALID_INPUT", "Path is reserved for the manifest")
)

// Status is the outcome of verifying one file
type Status string

const (
	StatusValid     Status = "valid"
	StatusMismatch  Status = "mismatch"
	StatusMissing   Status = "missing"
	StatusUntracked Status = "untracked"
)

// Entry is the recorded checksum of a file
type Entry struct {
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Manifest maps exports-relative paths to their recorded checksum
type Manifest struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Files     map[string]Entry `json:"files"`
}

// NewManifest returns an empty manifest
func NewManifest() *Manifest {
	return &Manifest{Version: ManifestVersion, Files: make(map[string]Entry)}
}

// Put records an entry and bumps UpdatedAt
func (m *Manifest) Put(p string, e Entry, now time.Time) {
	if m.Files == nil {
		m.Files = make(map[string]Entry)
	}
	m.Files[p] = e
	m.UpdatedAt = now
}

// Remove drops an entry. It reports whether the path was tracked.
func (m *Manifest) Remove(p string, now time.Time) bool {
	if _, ok := m.Files[p]; !ok {
		return false
	}
	delete(m.Files, p)
	m.UpdatedAt = now
	return true
}

// Paths returns tracked paths in lexical order
func (m *Manifest) Paths() []string {
	out := make([]string, 0, len(m.Files))
	for p := range m.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// CleanPath normalizes a user supplied path to the slash separated key
// used in the manifest. Absolute paths and paths escaping the root are rejected.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") || (len(p) > 1 && p[1] == ':') {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// Result is the verification outcome of one path
type Result struct {
	Path     string `json:"path"`
	Status   Status `json:"status"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Size     int64  `json:"size"`
}

// Report summarizes a full verification pass
type Report struct {
	CheckedAt  time.Time `json:"checked_at"`
	Checked    int       `json:"checked"`
	Valid      int       `json:"valid"`
	Mismatched int       `json:"mismatched"`
	Missing    int       `json:"missing"`
	Untracked  []string  `json:"untracked"`
	Results    []Result  `json:"results"`
}

// Add folds one tracked result into the report
func (r *Report) Add(res Result) {
	r.Checked++
	switch res.Status {
	case StatusValid:
		r.Valid++
	case StatusMismatch:
		r.Mismatched++
	case StatusMissing:
		r.Missing++
	}
	r.Results = append(r.Results, res)
}

// OK reports whether every tracked file verified
func (r *Report) OK() bool {
	return r.Mismatched == 0 && r.Missing == 0
}
