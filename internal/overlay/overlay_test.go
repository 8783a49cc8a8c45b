package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seediso/seediso/internal/fault"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	return dir
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(b)
}

func TestMergeOverlaysTree(t *testing.T) {
	tree := writeFiles(t, map[string]string{
		"boot/grub/grub.cfg": "set timeout=1\n",
		"md5sum.txt":         "stock\n",
	})
	extra := writeFiles(t, map[string]string{
		"md5sum.txt":              "overridden\n",
		"payload/late-command.sh": "#!/bin/sh\n",
	})

	require.NoError(t, Merge(extra, tree, nil))

	assert.Equal(t, "overridden\n", readFile(t, tree, "md5sum.txt"))
	assert.Equal(t, "#!/bin/sh\n", readFile(t, tree, "payload/late-command.sh"))
	assert.Equal(t, "set timeout=1\n", readFile(t, tree, "boot/grub/grub.cfg"))
}

func TestMergeHonorsExcludes(t *testing.T) {
	tree := writeFiles(t, map[string]string{"base.txt": "base\n"})
	extra := writeFiles(t, map[string]string{
		"payload/keep.sh":      "keep\n",
		".git/config":          "secret\n",
		".git/hooks/pre-push":  "hook\n",
		"payload/notes.secret": "secret\n",
	})

	require.NoError(t, Merge(extra, tree, []string{".git", ".git/**", "**.secret"}))

	assert.Equal(t, "keep\n", readFile(t, tree, "payload/keep.sh"))
	assert.NoFileExists(t, filepath.Join(tree, ".git/config"))
	assert.NoFileExists(t, filepath.Join(tree, "payload/notes.secret"))
}

func TestMergeRejectsBadPattern(t *testing.T) {
	tree := t.TempDir()
	extra := writeFiles(t, map[string]string{"a.txt": "a\n"})

	err := Merge(extra, tree, []string{"[unterminated"})
	require.Error(t, err)
	assert.Equal(t, fault.InputValidation, fault.KindOf(err))
}

func TestMergeWithoutOverlayDir(t *testing.T) {
	tree := writeFiles(t, map[string]string{"base.txt": "base\n"})

	require.NoError(t, Merge("", tree, []string{"ignored"}))

	entries, err := os.ReadDir(tree)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
