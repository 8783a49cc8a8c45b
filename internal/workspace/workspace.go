// Package workspace owns the scratch directory a build runs in. Everything
// intermediate lands here and the whole directory goes away when the run
// ends, however it ends.
package workspace

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/fault"
)

// Workspace is one run's scratch directory.
//
// Layout:
//
//	tree/   extracted media content, later rewritten and repackaged
//	boot/   boot material carved out of the source image
//	gnupg/  isolated keyring material, the user's GPG home is never touched
type Workspace struct {
	root string

	releaseOnce sync.Once
}

// Acquire creates a fresh private workspace under the system temp dir.
func Acquire() (*Workspace, error) {
	root, err := os.MkdirTemp("", "seediso-")
	if err != nil {
		return nil, fault.Errorf(fault.DependencyMissing, "failed to create workspace: %w", err)
	}

	ws := &Workspace{root: root}
	for _, dir := range []string{ws.Tree(), ws.Boot(), ws.GnupgHome()} {
		if err := os.Mkdir(dir, 0700); err != nil {
			ws.Release()
			return nil, fault.Errorf(fault.DependencyMissing, "failed to lay out workspace: %w", err)
		}
	}

	logrus.Debugf("workspace at %s", root)
	return ws, nil
}

// Root is the workspace directory itself.
func (w *Workspace) Root() string {
	return w.root
}

// Tree is where the extracted media content lives.
func (w *Workspace) Tree() string {
	return filepath.Join(w.root, "tree")
}

// Boot is where boot material carved from the source image lives.
func (w *Workspace) Boot() string {
	return filepath.Join(w.root, "boot")
}

// GnupgHome is the isolated keyring directory.
func (w *Workspace) GnupgHome() string {
	return filepath.Join(w.root, "gnupg")
}

// Release removes the workspace and everything in it. Safe to call more
// than once; only the first call does anything.
func (w *Workspace) Release() {
	w.releaseOnce.Do(func() {
		if err := os.RemoveAll(w.root); err != nil {
			logrus.Warnf("failed to remove workspace %s: %v", w.root, err)
			return
		}
		logrus.Debugf("removed workspace %s", w.root)
	})
}
