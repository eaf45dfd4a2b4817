package packager

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gridkeeper/internal/core"
	"gridkeeper/internal/workercfg"
)

// Options configures a Builder
type Options struct {
	Root                string   // project root; manifest paths are relative to it
	Requirements        string   // dependency declaration, relative to Root
	ConfigPath          string   // artifact path of the rendered worker config
	ExcludeDependencies []string // extra patterns on top of DevDependencies
	Extras              []File   // generated members (supervisor binary, supervisor.yaml)
}

// Builder produces Artifacts from a project tree
type Builder struct {
	opts    Options
	exclude []string
	logger  core.ILogger
}

// NewBuilder creates a builder rooted at opts.Root
func NewBuilder(opts Options, logger core.ILogger) (*Builder, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("project root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	opts.Root = root
	if opts.Requirements == "" {
		opts.Requirements = RequirementsPath
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = "config.yaml"
	}

	exclude := append([]string(nil), DevDependencies...)
	exclude = append(exclude, opts.ExcludeDependencies...)

	return &Builder{
		opts:    opts,
		exclude: exclude,
		logger:  core.OrNop(logger).WithField("component", "packager"),
	}, nil
}

// Build resolves the manifest and assembles an artifact. The builder reads
// from the project root only; nothing is written.
func (b *Builder) Build(doc workercfg.Document, manifest []string) (*Artifact, error) {
	members := make(map[string]File)

	for _, rel := range manifest {
		if err := b.collect(rel, members); err != nil {
			return nil, err
		}
	}

	deps, err := readRequirements(b.opts.Root, b.opts.Requirements, b.exclude)
	if err != nil {
		return nil, err
	}

	config, err := workercfg.Render(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render worker config: %w", err)
	}
	members[b.opts.ConfigPath] = File{Path: b.opts.ConfigPath, Mode: 0o600, Content: config}
	members[RequirementsPath] = File{Path: RequirementsPath, Mode: 0o644, Content: RenderRequirements(deps)}
	for _, extra := range b.opts.Extras {
		extra.Path = filepath.ToSlash(filepath.Clean(extra.Path))
		members[extra.Path] = extra
	}

	files := make([]File, 0, len(members))
	for _, f := range members {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	artifact := &Artifact{
		Files:        files,
		Dependencies: deps,
		Config:       doc.Clone(),
		Digest:       digest(files, deps),
	}

	b.logger.Info("Built artifact",
		"digest", artifact.ShortDigest(),
		"files", len(files),
		"dependencies", len(deps))
	return artifact, nil
}

// collect adds the file at rel, or every regular file below it when rel is a directory
func (b *Builder) collect(rel string, members map[string]File) error {
	abs, err := resolveUnder(b.opts.Root, rel)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return &MissingSourceError{Path: rel, Err: err}
	}

	if !info.IsDir() {
		return b.addFile(abs, info, members)
	}

	return filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "__pycache__" || (strings.HasPrefix(d.Name(), ".") && p != abs) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasSuffix(d.Name(), ".pyc") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return b.addFile(p, fi, members)
	})
}

func (b *Builder) addFile(abs string, info fs.FileInfo, members map[string]File) error {
	content, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", abs, err)
	}
	rel, err := filepath.Rel(b.opts.Root, abs)
	if err != nil {
		return err
	}
	rel = filepath.ToSlash(rel)
	members[rel] = File{Path: rel, Mode: normalizeMode(info.Mode()), Content: content}
	return nil
}

// normalizeMode keeps only the executable distinction so that the local umask
// does not leak into the digest.
func normalizeMode(m fs.FileMode) fs.FileMode {
	if m.Perm()&0o111 != 0 {
		return 0o755
	}
	return 0o644
}

// resolveUnder joins rel onto root and rejects results outside root
func resolveUnder(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", &MissingSourceError{Path: rel, Err: errors.New("path must be relative to the project root")}
	}
	abs := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, abs)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", &MissingSourceError{Path: rel, Err: errors.New("path escapes the project root")}
	}
	return abs, nil
}
