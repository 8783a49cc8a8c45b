// Package overlay merges a caller-supplied directory of additional files
// onto the extracted media tree before repackaging, so the finished image
// can carry site payloads next to the installer: late-command scripts,
// offline debs, extra seed fragments.
package overlay

import (
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/fault"
)

// Merge copies extraDir recursively onto treeDir. Files from extraDir win
// on collision. exclude patterns use gobwas/glob syntax with '/' as the
// separator and are matched against extraDir-relative paths. An empty
// extraDir means no overlay was requested.
func Merge(extraDir, treeDir string, exclude []string) error {
	if extraDir == "" {
		return nil
	}

	globs := make([]glob.Glob, 0, len(exclude))
	for _, pattern := range exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return fault.Errorf(fault.InputValidation, "bad overlay exclude pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	opts := copy.Options{
		OnDirExists: func(src, dest string) copy.DirExistsAction {
			return copy.Merge
		},
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			rel, err := filepath.Rel(extraDir, src)
			if err != nil {
				return false, err
			}
			rel = filepath.ToSlash(rel)
			if rel == "." {
				return false, nil
			}
			for _, g := range globs {
				if g.Match(rel) {
					logrus.Debugf("overlay excludes %s", rel)
					return true, nil
				}
			}
			return false, nil
		},
	}
	if err := copy.Copy(extraDir, treeDir, opts); err != nil {
		return fault.Errorf(fault.BuildFailure, "merging additional files: %w", err)
	}

	logrus.Infof("merged additional files from %s", extraDir)
	return nil
}
