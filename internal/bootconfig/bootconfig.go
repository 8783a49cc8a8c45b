// Package bootconfig rewrites the boot loader configs of an extracted
// installer tree so the media boots straight into an unattended install:
// the autoinstall kernel arguments are injected ahead of the "---"
// separator, menu timeouts drop to one unit and, when requested, the
// cloud-init answer files are embedded as a NoCloud seed directory.
//
// All rewrites are plain text substitution. The same inputs always produce
// byte-identical outputs, which keeps the repackaged media reproducible.
package bootconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/fault"
	"github.com/seediso/seediso/internal/release"
)

// seedDirName is the NoCloud seed directory at the media root. The injected
// kernel arguments point cloud-init at /cdrom/<seedDirName>/.
const seedDirName = "nocloud"

// argSeparator splits kernel arguments consumed by the installer from those
// passed through to the installed system. Everything we inject goes in
// front of it.
const argSeparator = "---"

// alternateKernel marks media that ships the hardware enablement kernel.
const alternateKernel = "hwe-vmlinuz"

var (
	grubTimeout     = regexp.MustCompile(`(?m)^(\s*set timeout=)-?\d+`)
	syslinuxTimeout = regexp.MustCompile(`(?m)^(\s*timeout\s+)\d+`)
)

// Patcher rewrites the boot configs of one extracted tree.
type Patcher struct {
	opts *buildconfig.Options
	rel  *release.Release
}

func New(opts *buildconfig.Options, rel *release.Release) *Patcher {
	return &Patcher{opts: opts, rel: rel}
}

// configState carries one boot config through the patch phases. Only
// configs whose text moved away from orig are written back.
type configState struct {
	file release.ConfigFile
	text string
	orig string
}

// Patch rewrites the boot configs under treeDir and, in embedded answer
// file mode, writes the NoCloud seed. It returns the tree-relative paths of
// every file it wrote, so their checksums can be regenerated.
func (p *Patcher) Patch(treeDir string) ([]string, error) {
	configs, err := p.load(treeDir)
	if err != nil {
		return nil, err
	}

	if p.opts.UseHWEKernel {
		p.swapKernel(configs)
	}
	if err := p.injectAutoinstall(configs); err != nil {
		return nil, err
	}
	p.reduceTimeouts(configs)

	var touched []string
	for _, c := range configs {
		if c.text == c.orig {
			continue
		}
		dest := filepath.Join(treeDir, filepath.FromSlash(c.file.Path))
		if err := os.WriteFile(dest, []byte(c.text), 0644); err != nil {
			return nil, fault.Wrap(fault.BuildFailure, err)
		}
		logrus.Debugf("patched boot config %s", c.file.Path)
		touched = append(touched, c.file.Path)
	}

	if p.opts.EmbedAnswerFiles {
		seeded, err := p.writeSeed(treeDir)
		if err != nil {
			return nil, err
		}
		touched = append(touched, seeded...)
	}

	return touched, nil
}

func (p *Patcher) load(treeDir string) ([]*configState, error) {
	var configs []*configState
	for _, file := range p.rel.BootConfigs() {
		b, err := os.ReadFile(filepath.Join(treeDir, filepath.FromSlash(file.Path)))
		switch {
		case errors.Is(err, os.ErrNotExist):
			if file.Required {
				return nil, fault.Errorf(fault.StructuralAssumptionViolation, "boot config %s missing from source media", file.Path)
			}
			logrus.Debugf("boot config %s not on this media, skipping", file.Path)
			continue
		case err != nil:
			return nil, fault.Wrap(fault.BuildFailure, err)
		}
		configs = append(configs, &configState{file: file, text: string(b), orig: string(b)})
	}
	return configs, nil
}

// swapKernel switches every config over to the HWE kernel, provided the
// required menu config proves the media ships one. Media without it keeps
// the stock kernel, that is a downgrade and not an error.
func (p *Patcher) swapKernel(configs []*configState) {
	var menu *configState
	for _, c := range configs {
		if c.file.Required && c.file.Grammar == release.GrammarGrub {
			menu = c
			break
		}
	}
	if menu == nil || !strings.Contains(menu.text, alternateKernel) {
		logrus.Warnf("media carries no %s kernel, continuing with the stock kernel", alternateKernel)
		return
	}

	for _, c := range configs {
		c.text = strings.ReplaceAll(c.text, "/casper/vmlinuz", "/casper/hwe-vmlinuz")
		c.text = strings.ReplaceAll(c.text, "/casper/initrd", "/casper/hwe-initrd")
	}
	logrus.Info("switched boot configs to the HWE kernel")
}

// kernelArgs is the text injected in front of the separator. GRUB configs
// need the NoCloud semicolon escaped, syslinux ones take it verbatim.
func (p *Patcher) kernelArgs(g release.Grammar) string {
	if !p.opts.EmbedAnswerFiles {
		return "autoinstall"
	}
	semi := ";"
	if g == release.GrammarGrub {
		semi = `\;`
	}
	return fmt.Sprintf("autoinstall ds=nocloud%ss=/cdrom/%s/", semi, seedDirName)
}

func (p *Patcher) injectAutoinstall(configs []*configState) error {
	for _, c := range configs {
		if !c.file.KernelArgs {
			continue
		}
		if !strings.Contains(c.text, argSeparator) {
			if c.file.Required {
				return fault.Errorf(fault.StructuralAssumptionViolation, "%s carries no %q kernel argument separator", c.file.Path, argSeparator)
			}
			logrus.Debugf("%s carries no kernel argument separator, leaving it alone", c.file.Path)
			continue
		}
		c.text = strings.ReplaceAll(c.text, argSeparator, p.kernelArgs(c.file.Grammar)+"  "+argSeparator)
	}
	return nil
}

// reduceTimeouts drops every declared menu timeout to one unit. The
// required GRUB menu config gets the directive appended when it declares
// none, everything else is only rewritten.
func (p *Patcher) reduceTimeouts(configs []*configState) {
	for _, c := range configs {
		switch c.file.Grammar {
		case release.GrammarGrub:
			if grubTimeout.MatchString(c.text) {
				c.text = grubTimeout.ReplaceAllString(c.text, "${1}1")
			} else if c.file.AppendTimeout {
				if !strings.HasSuffix(c.text, "\n") {
					c.text += "\n"
				}
				c.text += "set timeout=1\n"
			}
		case release.GrammarSyslinux:
			c.text = syslinuxTimeout.ReplaceAllString(c.text, "${1}1")
		}
	}
}

// writeSeed embeds the answer files under the seed directory. user-data
// must parse as YAML, cloud-init rejects broken seeds only deep into the
// boot and that failure mode is miserable to debug.
func (p *Patcher) writeSeed(treeDir string) ([]string, error) {
	dir := filepath.Join(treeDir, seedDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fault.Wrap(fault.BuildFailure, err)
	}

	userData, err := os.ReadFile(p.opts.UserDataPath)
	if err != nil {
		return nil, fault.Errorf(fault.InputValidation, "reading user-data: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(userData, &doc); err != nil {
		return nil, fault.Errorf(fault.InputValidation, "user-data is not valid YAML: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "user-data"), userData, 0644); err != nil {
		return nil, fault.Wrap(fault.BuildFailure, err)
	}

	metaData := []byte{}
	if p.opts.MetaDataPath != "" {
		metaData, err = os.ReadFile(p.opts.MetaDataPath)
		if err != nil {
			return nil, fault.Errorf(fault.InputValidation, "reading meta-data: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "meta-data"), metaData, 0644); err != nil {
		return nil, fault.Wrap(fault.BuildFailure, err)
	}

	logrus.Infof("embedded answer files under /%s", seedDirName)
	return []string{seedDirName + "/user-data", seedDirName + "/meta-data"}, nil
}
