// Package mediasum maintains md5sum.txt, the self-check manifest Ubuntu
// installer media carries at its root. The installer offers to verify the
// media against it, so every file the build rewrites needs its line brought
// up to date or the check reports corruption on perfectly good media.
package mediasum

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/fault"
)

// ManifestName is the manifest filename at the media root.
const ManifestName = "md5sum.txt"

// Regenerate brings the manifest in line with the patched tree. touched
// lists tree-relative paths whose content was rewritten or created. Lines
// for untouched files are preserved verbatim, ordering included, so the
// rewritten manifest stays diffable against the stock one. Media without a
// manifest is left alone.
func Regenerate(treeDir string, touched []string) error {
	manifest := filepath.Join(treeDir, ManifestName)
	data, err := os.ReadFile(manifest)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logrus.Infof("media carries no %s, skipping checksum regeneration", ManifestName)
		return nil
	case err != nil:
		return fault.Wrap(fault.BuildFailure, err)
	}

	sums := make(map[string]string, len(touched))
	for _, rel := range touched {
		sum, err := fileMD5(filepath.Join(treeDir, filepath.FromSlash(rel)))
		if err != nil {
			return fault.Errorf(fault.BuildFailure, "checksumming %s: %w", rel, err)
		}
		sums["./"+rel] = sum
	}

	body := strings.TrimSuffix(string(data), "\n")
	var lines []string
	if body != "" {
		lines = strings.Split(body, "\n")
	}

	present := make(map[string]bool, len(lines))
	for i, line := range lines {
		p := pathField(line)
		if p == "" {
			continue
		}
		present[p] = true
		if sum, ok := sums[p]; ok {
			lines[i] = fmt.Sprintf("%s  %s", sum, p)
		}
	}
	for _, rel := range touched {
		key := "./" + rel
		if present[key] {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s  %s", sums[key], key))
	}

	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(manifest, []byte(out), 0644); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}

	logrus.Infof("regenerated %s entries for %d files", ManifestName, len(touched))
	return nil
}

// Disable truncates the manifest to empty so the installer has nothing to
// verify. Media without a manifest gets an empty one, the installer treats
// both the same.
func Disable(treeDir string) error {
	if err := os.WriteFile(filepath.Join(treeDir, ManifestName), nil, 0644); err != nil {
		return fault.Wrap(fault.BuildFailure, err)
	}
	logrus.Infof("media self check disabled, %s truncated", ManifestName)
	return nil
}

// pathField returns the ./relpath portion of a manifest line, or "" for
// lines that do not carry one.
func pathField(line string) string {
	i := strings.Index(line, "./")
	if i < 0 {
		return ""
	}
	return line[i:]
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
