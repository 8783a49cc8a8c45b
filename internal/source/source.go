// Package source resolves which installer image a run starts from and makes
// sure a complete local copy of it exists, either the caller's own file or
// a cached download from the Ubuntu mirrors.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/fetch"
	"github.com/seediso/seediso/internal/release"
)

// Resolved describes where the run's image ended up and where its integrity
// metadata lives. The manifest URLs are filled in even when the image itself
// was supplied locally, verification checks the local file against the
// channel's manifest in that case.
type Resolved struct {
	// ImagePath is the local image the pipeline continues with.
	ImagePath string

	// ManifestURL and SignatureURL point at SHA256SUMS and SHA256SUMS.gpg
	// in the same remote directory the image comes from.
	ManifestURL  string
	SignatureURL string

	// CacheSuffix versions the cached manifest copies: the release version
	// on the numbered-release channel, the run date on the daily channel.
	CacheSuffix string
}

type Acquirer struct {
	client *fetch.Client
	opts   *buildconfig.Options
	rel    *release.Release
}

func New(client *fetch.Client, opts *buildconfig.Options, rel *release.Release) *Acquirer {
	return &Acquirer{client: client, opts: opts, rel: rel}
}

// channelDir is the remote directory holding the image and its manifest.
func (a *Acquirer) channelDir() string {
	if a.opts.UseReleaseISO {
		return a.rel.ReleaseDirURL(a.opts.ReleaseMirror)
	}
	url := a.rel.DailyURL(a.opts.DailyMirror)
	return url[:len(url)-len(a.rel.DailyFilename())]
}

// Acquire makes the source image available locally.
//
// An explicit --source path short-circuits every network step and is used
// verbatim, without any freshness check. Otherwise the image is looked up in
// the cache directory by its artifact name and only downloaded on a miss; a
// file present in the cache always means a completed transfer because
// downloads land under a staging name first.
func (a *Acquirer) Acquire(ctx context.Context) (*Resolved, error) {
	dir := a.channelDir()
	resolved := &Resolved{
		ManifestURL:  dir + "SHA256SUMS",
		SignatureURL: dir + "SHA256SUMS.gpg",
		CacheSuffix:  a.rel.Version,
	}
	if !a.opts.UseReleaseISO {
		resolved.CacheSuffix = a.opts.RunDate.Format("20060102")
	}

	if a.opts.SourcePath != "" {
		logrus.Infof("using local source image %s", a.opts.SourcePath)
		resolved.ImagePath = a.opts.SourcePath
		return resolved, nil
	}

	name, err := a.artifactName(ctx, dir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.opts.CacheDir, 0755); err != nil {
		return nil, fault.Errorf(fault.DependencyMissing, "cache directory: %w", err)
	}

	resolved.ImagePath = filepath.Join(a.opts.CacheDir, name)
	if _, err := os.Stat(resolved.ImagePath); err == nil {
		logrus.Infof("using cached image %s", resolved.ImagePath)
		return resolved, nil
	}

	logrus.Infof("downloading %s", dir+name)
	if err := a.client.Download(ctx, dir+name, resolved.ImagePath); err != nil {
		return nil, err
	}
	return resolved, nil
}

// artifactName resolves the image filename within the channel directory. The
// daily channel uses a fixed name; the numbered-release channel is resolved
// against the directory listing because point releases rename the artifact.
func (a *Acquirer) artifactName(ctx context.Context, dir string) (string, error) {
	if !a.opts.UseReleaseISO {
		return a.rel.DailyFilename(), nil
	}

	listing, err := a.client.Get(ctx, dir)
	if err != nil {
		return "", err
	}

	name := a.rel.ArtifactPattern(a.opts.Flavor()).FindString(string(listing))
	if name == "" {
		return "", fault.Errorf(fault.InputValidation,
			"no ubuntu-%s %s-amd64.iso artifact listed at %s", a.rel.Version, a.opts.Flavor(), dir)
	}
	return name, nil
}

// CachedManifestPaths names the local cache locations for the channel's
// checksum manifest and its detached signature.
func (r *Resolved) CachedManifestPaths(cacheDir string) (manifest, signature string) {
	manifest = filepath.Join(cacheDir, fmt.Sprintf("SHA256SUMS-%s", r.CacheSuffix))
	return manifest, manifest + ".gpg"
}
