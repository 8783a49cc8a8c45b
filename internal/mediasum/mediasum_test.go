package mediasum

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

func sumOf(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

func TestRegenerateRewritesTouchedLines(t *testing.T) {
	tree := writeTree(t, map[string]string{
		"boot/grub/grub.cfg": "set timeout=1\n",
		"casper/vmlinuz":     "kernel",
	})
	stale := strings.Join([]string{
		"0000000000000000000000000000000a  ./boot/grub/grub.cfg",
		sumOf("kernel") + "  ./casper/vmlinuz",
		"0000000000000000000000000000000b  ./casper/filesystem.squashfs",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(tree, ManifestName), []byte(stale), 0644))

	require.NoError(t, Regenerate(tree, []string{"boot/grub/grub.cfg"}))

	got, err := os.ReadFile(filepath.Join(tree, ManifestName))
	require.NoError(t, err)
	want := strings.Join([]string{
		sumOf("set timeout=1\n") + "  ./boot/grub/grub.cfg",
		sumOf("kernel") + "  ./casper/vmlinuz",
		"0000000000000000000000000000000b  ./casper/filesystem.squashfs",
	}, "\n") + "\n"
	assert.Equal(t, want, string(got))
}

func TestRegenerateAppendsNewFiles(t *testing.T) {
	tree := writeTree(t, map[string]string{
		"boot/grub/grub.cfg": "set timeout=1\n",
		"nocloud/user-data":  "#cloud-config\n",
		"nocloud/meta-data":  "",
	})
	stale := "0000000000000000000000000000000a  ./boot/grub/grub.cfg\n"
	require.NoError(t, os.WriteFile(filepath.Join(tree, ManifestName), []byte(stale), 0644))

	touched := []string{"boot/grub/grub.cfg", "nocloud/user-data", "nocloud/meta-data"}
	require.NoError(t, Regenerate(tree, touched))

	got, err := os.ReadFile(filepath.Join(tree, ManifestName))
	require.NoError(t, err)
	want := strings.Join([]string{
		sumOf("set timeout=1\n") + "  ./boot/grub/grub.cfg",
		sumOf("#cloud-config\n") + "  ./nocloud/user-data",
		sumOf("") + "  ./nocloud/meta-data",
	}, "\n") + "\n"
	assert.Equal(t, want, string(got))
}

func TestRegenerateDistinguishesSuffixCollisions(t *testing.T) {
	tree := writeTree(t, map[string]string{
		"casper/initrd":     "patched",
		"casper/hwe-initrd": "hwe",
	})
	stale := strings.Join([]string{
		"0000000000000000000000000000000a  ./casper/initrd",
		sumOf("hwe") + "  ./casper/hwe-initrd",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(tree, ManifestName), []byte(stale), 0644))

	require.NoError(t, Regenerate(tree, []string{"casper/initrd"}))

	got, err := os.ReadFile(filepath.Join(tree, ManifestName))
	require.NoError(t, err)
	want := strings.Join([]string{
		sumOf("patched") + "  ./casper/initrd",
		sumOf("hwe") + "  ./casper/hwe-initrd",
	}, "\n") + "\n"
	assert.Equal(t, want, string(got))
}

func TestRegenerateWithoutManifest(t *testing.T) {
	tree := writeTree(t, map[string]string{"boot/grub/grub.cfg": "set timeout=1\n"})

	require.NoError(t, Regenerate(tree, []string{"boot/grub/grub.cfg"}))

	_, err := os.Stat(filepath.Join(tree, ManifestName))
	assert.True(t, os.IsNotExist(err), "no manifest should be created")
}

func TestDisableTruncates(t *testing.T) {
	tree := writeTree(t, map[string]string{
		ManifestName: "0000000000000000000000000000000a  ./casper/vmlinuz\n",
	})

	require.NoError(t, Disable(tree))

	got, err := os.ReadFile(filepath.Join(tree, ManifestName))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDisableCreatesEmptyManifest(t *testing.T) {
	tree := t.TempDir()

	require.NoError(t, Disable(tree))

	got, err := os.ReadFile(filepath.Join(tree, ManifestName))
	require.NoError(t, err)
	assert.Empty(t, got)
}
