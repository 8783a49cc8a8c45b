package buildconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/release"
)

func TestParseMissingFileUsesDefaults(t *testing.T) {
	cfg, err := buildconfig.Parse(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)

	assert.Equal(t, "https://keyserver.ubuntu.com", cfg.Keyserver)
	assert.Equal(t, "843938DF228D22F7B3742BC0D94AA3F0EFE21092", cfg.Fingerprint)
	assert.Equal(t, "https://cdimage.ubuntu.com", cfg.Mirrors.Daily)
	assert.Equal(t, "https://releases.ubuntu.com", cfg.Mirrors.Release)
	assert.NotEmpty(t, cfg.CacheDir)
}

func TestParseOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seediso.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache_dir = "/var/cache/seediso"
fingerprint = "8439 38df 228d 22f7 b374 2bc0 d94a a3f0 efe2 1092"

[mirrors]
daily = "https://mirror.example.com/"

[overlay]
exclude = [".git/**"]
`), 0600))

	cfg, err := buildconfig.Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/seediso", cfg.CacheDir)
	// fingerprints are normalized to bare uppercase hex
	assert.Equal(t, "843938DF228D22F7B3742BC0D94AA3F0EFE21092", cfg.Fingerprint)
	// trailing slashes are trimmed so URL building can join with "/"
	assert.Equal(t, "https://mirror.example.com", cfg.Mirrors.Daily)
	assert.Equal(t, "https://releases.ubuntu.com", cfg.Mirrors.Release)
	assert.Equal(t, []string{".git/**"}, cfg.Overlay.Exclude)
}

func TestParseMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seediso.toml")
	require.NoError(t, os.WriteFile(path, []byte("cache_dir = [broken"), 0600))

	_, err := buildconfig.Parse(path)
	require.Error(t, err)
	assert.Equal(t, fault.InputValidation, fault.KindOf(err))
}

func validOptions(t *testing.T) buildconfig.Options {
	t.Helper()
	return buildconfig.Options{
		Codename: "jammy",
		RunDate:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidateDefaults(t *testing.T) {
	opts := validOptions(t)

	rel, err := opts.Validate(release.NewDefault())
	require.NoError(t, err)
	assert.Equal(t, "jammy", rel.Codename)
	assert.Equal(t, "ubuntu-autoinstall-20240301.iso", opts.DestinationPath)
	assert.Equal(t, "live-server", opts.Flavor())
}

func TestValidateRejects(t *testing.T) {
	tmp := t.TempDir()

	for _, tc := range []struct {
		name   string
		mangle func(o *buildconfig.Options)
	}{
		{"unknown codename", func(o *buildconfig.Options) { o.Codename = "warty" }},
		{"all-in-one without user-data", func(o *buildconfig.Options) { o.EmbedAnswerFiles = true }},
		{"release-type without release channel", func(o *buildconfig.Options) { o.ReleaseType = "desktop" }},
		{"missing user-data file", func(o *buildconfig.Options) { o.UserDataPath = filepath.Join(tmp, "nope") }},
		{"missing meta-data file", func(o *buildconfig.Options) { o.MetaDataPath = filepath.Join(tmp, "nope") }},
		{"missing source image", func(o *buildconfig.Options) { o.SourcePath = filepath.Join(tmp, "nope.iso") }},
		{"user-data is a directory", func(o *buildconfig.Options) { o.UserDataPath = tmp }},
		{"extra-files is a file", func(o *buildconfig.Options) {
			p := filepath.Join(tmp, "plain")
			require.NoError(t, os.WriteFile(p, nil, 0600))
			o.ExtraFilesDir = p
		}},
		{"missing extra-files dir", func(o *buildconfig.Options) { o.ExtraFilesDir = filepath.Join(tmp, "nodir") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions(t)
			tc.mangle(&opts)

			_, err := opts.Validate(release.NewDefault())
			require.Error(t, err)
			assert.Equal(t, fault.InputValidation, fault.KindOf(err))
		})
	}
}

func TestValidateAcceptsFullSet(t *testing.T) {
	tmp := t.TempDir()
	userData := filepath.Join(tmp, "user-data")
	require.NoError(t, os.WriteFile(userData, []byte("#cloud-config\n"), 0600))

	opts := validOptions(t)
	opts.EmbedAnswerFiles = true
	opts.UserDataPath = userData
	opts.UseReleaseISO = true
	opts.ReleaseType = "desktop"
	opts.DestinationPath = "out.iso"

	rel, err := opts.Validate(release.NewDefault())
	require.NoError(t, err)
	assert.Equal(t, "jammy", rel.Codename)
	assert.Equal(t, "out.iso", opts.DestinationPath)
	assert.Equal(t, "desktop", opts.Flavor())
}

func TestVolumeLabel(t *testing.T) {
	date := time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "ubuntu-autoinstall-20241231", buildconfig.VolumeLabel(date))
	assert.Equal(t, "ubuntu-autoinstall-20241231.iso", buildconfig.DefaultDestination(date))
}
