// Package verify authenticates the source image before anything else is
// allowed to touch it: the channel's SHA256SUMS manifest must carry a valid
// detached signature from the pinned Ubuntu CD image signing key, and the
// image's own digest must appear in that manifest.
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/sirupsen/logrus"

	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/fetch"
	"github.com/seediso/seediso/internal/source"
)

// keyFileName is the cached copy of the signing key, armored.
const keyFileName = "signing-key.asc"

type Verifier struct {
	client *fetch.Client
	opts   *buildconfig.Options
}

func New(client *fetch.Client, opts *buildconfig.Options) *Verifier {
	return &Verifier{client: client, opts: opts}
}

// Verify checks src's image. It returns nil only when the manifest
// signature verifies against the pinned key and the image digest is listed.
// All key material is kept under gnupgHome and the cache; the caller's own
// GPG home is never consulted.
func (v *Verifier) Verify(ctx context.Context, src *source.Resolved, gnupgHome string) error {
	if err := os.MkdirAll(v.opts.CacheDir, 0755); err != nil {
		return fault.Errorf(fault.DependencyMissing, "cache directory: %w", err)
	}

	manifestPath, sigPath, err := v.fetchManifest(ctx, src)
	if err != nil {
		return err
	}

	keyring, err := v.keyring(ctx, gnupgHome)
	if err != nil {
		return err
	}

	signer, err := checkSignature(keyring, manifestPath, sigPath)
	if err != nil {
		return err
	}

	fingerprint := strings.ToUpper(hex.EncodeToString(signer.PrimaryKey.Fingerprint))
	if fingerprint != v.opts.Fingerprint {
		return fault.Errorf(fault.IntegrityFailure,
			"manifest signed by %s, expected %s", fingerprint, v.opts.Fingerprint)
	}
	logrus.Infof("manifest signature good, signed by %s", fingerprint)

	digest, err := imageDigest(src.ImagePath)
	if err != nil {
		return err
	}

	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return fault.Errorf(fault.IntegrityFailure, "reading manifest: %w", err)
	}
	if !strings.Contains(string(manifest), digest) {
		return fault.Errorf(fault.IntegrityFailure,
			"digest %s of %s not listed in signed manifest", digest, filepath.Base(src.ImagePath))
	}

	logrus.Infof("image digest %s matches signed manifest", digest)
	return nil
}

// fetchManifest makes the manifest and its signature available locally,
// reusing cached copies keyed by the channel's cache suffix.
func (v *Verifier) fetchManifest(ctx context.Context, src *source.Resolved) (manifestPath, sigPath string, err error) {
	manifestPath, sigPath = src.CachedManifestPaths(v.opts.CacheDir)

	for _, f := range []struct {
		url  string
		path string
	}{
		{src.ManifestURL, manifestPath},
		{src.SignatureURL, sigPath},
	} {
		if _, err := os.Stat(f.path); err == nil {
			logrus.Debugf("using cached %s", f.path)
			continue
		}
		if err := v.client.Download(ctx, f.url, f.path); err != nil {
			return "", "", err
		}
	}
	return manifestPath, sigPath, nil
}

// keyring loads the pinned signing key, from the cache when present and
// from the configured keyserver otherwise. The armored blob is mirrored
// into gnupgHome so the material a run trusted stays inspectable until the
// workspace goes away.
func (v *Verifier) keyring(ctx context.Context, gnupgHome string) (openpgp.EntityList, error) {
	cached := filepath.Join(v.opts.CacheDir, keyFileName)

	blob, err := os.ReadFile(cached)
	if os.IsNotExist(err) {
		url := fmt.Sprintf("%s/pks/lookup?op=get&options=mr&search=0x%s", v.opts.Keyserver, v.opts.Fingerprint)
		logrus.Infof("fetching signing key 0x%s from %s", v.opts.Fingerprint, v.opts.Keyserver)

		blob, err = v.client.Get(ctx, url)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(cached, blob, 0644); err != nil {
			return nil, fault.Errorf(fault.DependencyMissing, "caching signing key: %w", err)
		}
	} else if err != nil {
		return nil, fault.Errorf(fault.DependencyMissing, "reading cached signing key: %w", err)
	}

	if err := os.WriteFile(filepath.Join(gnupgHome, keyFileName), blob, 0600); err != nil {
		return nil, fault.Errorf(fault.DependencyMissing, "staging signing key: %w", err)
	}

	keyring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(blob))
	if err != nil {
		return nil, fault.Errorf(fault.IntegrityFailure, "parsing signing key: %w", err)
	}

	for _, entity := range keyring {
		if strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint)) == v.opts.Fingerprint {
			return keyring, nil
		}
	}
	return nil, fault.Errorf(fault.IntegrityFailure,
		"keyserver response does not contain key %s", v.opts.Fingerprint)
}

// checkSignature verifies the detached signature over the manifest. Ubuntu
// publishes binary signatures, but armored ones are accepted too.
func checkSignature(keyring openpgp.EntityList, manifestPath, sigPath string) (*openpgp.Entity, error) {
	manifest, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fault.Errorf(fault.IntegrityFailure, "reading manifest: %w", err)
	}
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fault.Errorf(fault.IntegrityFailure, "reading manifest signature: %w", err)
	}

	signer, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(manifest), bytes.NewReader(sig), nil)
	if err != nil {
		signer, err = openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(manifest), bytes.NewReader(sig), nil)
	}
	if err != nil {
		return nil, fault.Errorf(fault.IntegrityFailure, "manifest signature did not verify: %w", err)
	}
	return signer, nil
}

func imageDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.Errorf(fault.IntegrityFailure, "opening image: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fault.Errorf(fault.IntegrityFailure, "hashing image: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
