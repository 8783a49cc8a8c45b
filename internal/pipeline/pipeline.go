// Package pipeline runs a build from source acquisition to the finished
// image. Stages run strictly in order and the first failure ends the run;
// nothing is retried here, transient network trouble is the transport's
// problem.
package pipeline

import (
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/bootconfig"
	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/extract"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/fetch"
	"github.com/seediso/seediso/internal/mediasum"
	"github.com/seediso/seediso/internal/overlay"
	"github.com/seediso/seediso/internal/release"
	"github.com/seediso/seediso/internal/repack"
	"github.com/seediso/seediso/internal/source"
	"github.com/seediso/seediso/internal/verify"
	"github.com/seediso/seediso/internal/workspace"
)

type Pipeline struct {
	opts   *buildconfig.Options
	rel    *release.Release
	client *fetch.Client
}

func New(opts *buildconfig.Options, rel *release.Release) *Pipeline {
	return &Pipeline{
		opts:   opts,
		rel:    rel,
		client: fetch.New(logrus.StandardLogger()),
	}
}

// Run executes the build. Cancelling ctx stops the run at the next stage
// boundary, or mid-transfer inside the network stages; the workspace is
// removed on every exit path through the single deferred Release.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.checkPrereqs(); err != nil {
		return fault.InStage("preflight", err)
	}

	ws, err := workspace.Acquire()
	if err != nil {
		return fault.InStage("workspace", err)
	}
	defer ws.Release()

	logrus.Infof("building %s (%s) autoinstall media", p.rel.Codename, p.rel.Version)

	var (
		src     *source.Resolved
		media   *extract.Media
		touched []string
	)

	stages := []struct {
		name string
		run  func() error
	}{
		{"acquire", func() (err error) {
			src, err = source.New(p.client, p.opts, p.rel).Acquire(ctx)
			return
		}},
		{"verify", func() error {
			if p.opts.SkipVerification {
				logrus.Warn("source verification disabled, continuing with an unverified image")
				return nil
			}
			return verify.New(p.client, p.opts).Verify(ctx, src, ws.GnupgHome())
		}},
		{"extract", func() (err error) {
			media, err = extract.New(p.rel).Extract(src.ImagePath, ws)
			return
		}},
		{"patch", func() (err error) {
			touched, err = bootconfig.New(p.opts, p.rel).Patch(media.TreeDir)
			return
		}},
		{"checksum", func() error {
			if p.opts.DisableSelfCheck {
				return mediasum.Disable(media.TreeDir)
			}
			return mediasum.Regenerate(media.TreeDir, touched)
		}},
		{"overlay", func() error {
			return overlay.Merge(p.opts.ExtraFilesDir, media.TreeDir, p.opts.OverlayExclude)
		}},
		{"repack", func() error {
			label := buildconfig.VolumeLabel(p.opts.RunDate)
			return repack.New(p.rel, label).Pack(media, p.opts.DestinationPath)
		}},
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		logrus.Debugf("stage %s", stage.name)
		if err := stage.run(); err != nil {
			return fault.InStage(stage.name, err)
		}
	}
	return nil
}

// checkPrereqs probes the two external capabilities a run depends on before
// any work starts: a usable cache directory and a writable destination.
func (p *Pipeline) checkPrereqs() error {
	if err := os.MkdirAll(p.opts.CacheDir, 0755); err != nil {
		return fault.Errorf(fault.DependencyMissing, "cache directory: %w", err)
	}
	if err := probeWrite(p.opts.CacheDir); err != nil {
		return fault.Errorf(fault.DependencyMissing, "cache directory %s is not writable: %w", p.opts.CacheDir, err)
	}

	destDir := filepath.Dir(p.opts.DestinationPath)
	info, err := os.Stat(destDir)
	if err != nil {
		return fault.Errorf(fault.DependencyMissing, "destination directory: %w", err)
	}
	if !info.IsDir() {
		return fault.Errorf(fault.DependencyMissing, "destination %s is not a directory", destDir)
	}
	if err := probeWrite(destDir); err != nil {
		return fault.Errorf(fault.DependencyMissing, "destination directory %s is not writable: %w", destDir, err)
	}
	return nil
}

// probeWrite proves dir accepts new files. Stat alone can't tell, mode bits
// lie under containers and ACLs.
func probeWrite(dir string) error {
	f, err := os.CreateTemp(dir, ".seediso-probe-")
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(f.Name())
}
