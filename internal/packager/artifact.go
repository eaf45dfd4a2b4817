// Package packager assembles the deployable artifact: source files, the
// headless dependency manifest and the profile-adjusted worker configuration.
package packager

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"

	apperrors "gridkeeper/pkg/errors"

	"gridkeeper/internal/workercfg"
)

// Well-known artifact paths
const (
	RequirementsPath     = "requirements.txt"
	SupervisorBinaryPath = "bin/supervisor"
	SupervisorConfigPath = "supervisor.yaml"
)

// File is one artifact member. Path is slash-separated and relative to the
// remote working directory.
type File struct {
	Path    string
	Mode    os.FileMode
	Content []byte
}

// Dependency is one pinned requirement. Constraint carries everything after
// the name (extras, version specifiers, markers) verbatim.
type Dependency struct {
	Name       string
	Constraint string
}

func (d Dependency) String() string {
	return d.Name + d.Constraint
}

// Artifact is the immutable output of Build
type Artifact struct {
	Files        []File
	Dependencies []Dependency
	Config       workercfg.Document
	Digest       string
}

// File returns the member stored at path
func (a *Artifact) File(path string) (File, bool) {
	i := sort.Search(len(a.Files), func(i int) bool { return a.Files[i].Path >= path })
	if i < len(a.Files) && a.Files[i].Path == path {
		return a.Files[i], true
	}
	return File{}, false
}

// Paths lists member paths in artifact order
func (a *Artifact) Paths() []string {
	out := make([]string, len(a.Files))
	for i, f := range a.Files {
		out[i] = f.Path
	}
	return out
}

// ShortDigest is the first 12 hex characters of the digest
func (a *Artifact) ShortDigest() string {
	if len(a.Digest) < 12 {
		return a.Digest
	}
	return a.Digest[:12]
}

// MissingSourceError reports a manifest path that does not exist under the project root
type MissingSourceError struct {
	Path string
	Err  error
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("missing source %q: %v", e.Path, e.Err)
}

func (e *MissingSourceError) Unwrap() error { return e.Err }

func (e *MissingSourceError) Is(target error) bool {
	return target == apperrors.ErrMissingSource
}

// RenderRequirements renders dependencies one per line in artifact order
func RenderRequirements(deps []Dependency) []byte {
	var sb strings.Builder
	for _, d := range deps {
		sb.WriteString(d.String())
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// digest hashes a length-prefixed encoding of files and dependencies.
// The rendered config is one of the files, so it is covered too.
func digest(files []File, deps []Dependency) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}

	writeField([]byte("files"))
	for _, f := range files {
		writeField([]byte(f.Path))
		writeField([]byte(fmt.Sprintf("%04o", f.Mode.Perm())))
		writeField(f.Content)
	}
	writeField([]byte("dependencies"))
	for _, d := range deps {
		writeField([]byte(d.Name))
		writeField([]byte(d.Constraint))
	}
	return hex.EncodeToString(h.Sum(nil))
}
