// Package release knows which Ubuntu Server releases this tool can rewrite
// and everything about them that the rest of the pipeline conditions on:
// where their images live, how their media is laid out and which boot loader
// configs they carry.
package release

import (
	"fmt"
	"regexp"
	"sort"
)

// Layout selects how the repackaged image arranges its boot structures.
type Layout int

const (
	// LayoutElTorito is the pre-22.04 arrangement. Both firmware paths boot
	// from files inside the ISO9660 tree and the isohybrid MBR prefix is
	// reused from the source image.
	LayoutElTorito Layout = iota

	// LayoutGPTAppended is the 22.04+ arrangement. The EFI System Partition
	// carved out of the source image rides behind the ISO9660 volume as a
	// real GPT partition.
	LayoutGPTAppended
)

// Grammar names the boot loader config dialect a file is written in. The
// two differ in comment syntax, timeout units and semicolon escaping.
type Grammar int

const (
	GrammarGrub Grammar = iota
	GrammarSyslinux
)

// ConfigFile is one boot loader config inside the media tree.
type ConfigFile struct {
	// Path is relative to the media root, forward slashes.
	Path    string
	Grammar Grammar

	// Required makes a missing file fatal. Optional files are skipped.
	Required bool

	// KernelArgs marks files carrying kernel argument lines, recognizable
	// by the "---" separator subiquity expects.
	KernelArgs bool

	// AppendTimeout adds a timeout directive when the file declares none.
	AppendTimeout bool
}

// Release describes one supported Ubuntu Server release.
type Release struct {
	Codename string
	Version  string
	Layout   Layout
}

// When adding support for a new release, add it here.
// Note that this is a constant, do not write to this slice.
var supportedReleases = []Release{
	{Codename: "bionic", Version: "18.04", Layout: LayoutElTorito},
	{Codename: "focal", Version: "20.04", Layout: LayoutElTorito},
	{Codename: "jammy", Version: "22.04", Layout: LayoutGPTAppended},
	{Codename: "noble", Version: "24.04", Layout: LayoutGPTAppended},
}

// HybridBoot reports whether the source media carries its EFI System
// Partition as a real partition that extraction must carve out.
func (r *Release) HybridBoot() bool {
	return r.Layout == LayoutGPTAppended
}

// LegacyIsolinux reports whether the media still boots BIOS through
// syslinux configs under isolinux/.
func (r *Release) LegacyIsolinux() bool {
	return r.Layout == LayoutElTorito
}

// BootConfigs lists the boot loader configs the patcher rewrites for this
// release, in patch order.
func (r *Release) BootConfigs() []ConfigFile {
	configs := []ConfigFile{
		{Path: "boot/grub/grub.cfg", Grammar: GrammarGrub, Required: true, KernelArgs: true, AppendTimeout: true},
		{Path: "boot/grub/loopback.cfg", Grammar: GrammarGrub, KernelArgs: true},
	}
	if r.LegacyIsolinux() {
		configs = append(configs,
			ConfigFile{Path: "isolinux/isolinux.cfg", Grammar: GrammarSyslinux},
			ConfigFile{Path: "isolinux/txt.cfg", Grammar: GrammarSyslinux, Required: true, KernelArgs: true},
		)
	}
	return configs
}

// DailyFilename is the fixed artifact name of the daily-live build.
func (r *Release) DailyFilename() string {
	return fmt.Sprintf("%s-live-server-amd64.iso", r.Codename)
}

// DailyURL returns the daily-live image URL under the given mirror base.
func (r *Release) DailyURL(base string) string {
	return fmt.Sprintf("%s/ubuntu-server/%s/daily-live/current/%s", base, r.Codename, r.DailyFilename())
}

// ReleaseDirURL returns the numbered-release directory URL under the given
// mirror base. The artifact name is found by matching ArtifactPattern
// against the directory listing, the checksum manifest sits alongside.
func (r *Release) ReleaseDirURL(base string) string {
	return fmt.Sprintf("%s/%s/", base, r.Codename)
}

// ArtifactPattern matches the release image filename for the given artifact
// flavor ("live-server" for the stock installer) in a directory listing.
// Point releases bump the name past the plain version, hence the wildcard.
func (r *Release) ArtifactPattern(flavor string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`ubuntu-%s[^"]*-%s-amd64\.iso`, regexp.QuoteMeta(r.Version), regexp.QuoteMeta(flavor)))
}

// Registry holds the supported releases, keyed by codename.
type Registry struct {
	releases map[string]*Release
}

func New(releases ...Release) (*Registry, error) {
	reg := &Registry{
		releases: make(map[string]*Release),
	}
	for i := range releases {
		r := releases[i]
		if _, exists := reg.releases[r.Codename]; exists {
			return nil, fmt.Errorf("New: passed two releases with the same codename: %s", r.Codename)
		}
		reg.releases[r.Codename] = &r
	}
	return reg, nil
}

// NewDefault creates a Registry with all releases supported by seediso. If
// you need to add a release here, see the supportedReleases variable.
func NewDefault() *Registry {
	registry, err := New(supportedReleases...)
	if err != nil {
		panic(fmt.Sprintf("two supported releases have the same codename, this is a programming error: %v", err))
	}
	return registry
}

// Lookup returns the release for a codename, or nil when it is unknown.
func (r *Registry) Lookup(codename string) *Release {
	rel, ok := r.releases[codename]
	if !ok {
		return nil
	}
	return rel
}

// List returns the codenames of all releases in a Registry, sorted
// alphabetically.
func (r *Registry) List() []string {
	list := []string{}
	for _, rel := range r.releases {
		list = append(list, rel.Codename)
	}
	sort.Strings(list)
	return list
}
