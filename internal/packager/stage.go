package packager

import (
	"fmt"
	"os"
	"path/filepath"
)

// Stage writes the artifact into <dir>/<digest> and returns that directory.
// An already staged digest is reused. Only the staging directory is written.
func Stage(artifact *Artifact, dir string) (string, error) {
	if artifact == nil || artifact.Digest == "" {
		return "", fmt.Errorf("artifact has no digest")
	}
	final := filepath.Join(dir, artifact.Digest)
	if info, err := os.Stat(final); err == nil && info.IsDir() {
		return final, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}
	tmp, err := os.MkdirTemp(dir, ".stage-"+artifact.ShortDigest()+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging dir: %w", err)
	}

	for _, f := range artifact.Files {
		p := filepath.Join(tmp, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			os.RemoveAll(tmp)
			return "", err
		}
		if err := os.WriteFile(p, f.Content, f.Mode.Perm()); err != nil {
			os.RemoveAll(tmp)
			return "", fmt.Errorf("failed to stage %s: %w", f.Path, err)
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		if info, statErr := os.Stat(final); statErr == nil && info.IsDir() {
			return final, nil
		}
		return "", fmt.Errorf("failed to finalize staging dir: %w", err)
	}
	return final, nil
}
