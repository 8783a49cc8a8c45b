package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seediso/seediso/internal/buildconfig"
	"github.com/seediso/seediso/internal/pipeline"
	"github.com/seediso/seediso/internal/release"
)

var (
	argAllInOne      bool
	argUseHWEKernel  bool
	argUserData      string
	argMetaData      string
	argNoVerify      bool
	argNoMD5         bool
	argCodename      string
	argUseReleaseISO bool
	argReleaseType   string
	argExtraFiles    string
	argSource        string
	argDestination   string
	argConfigFile    string
	argVerbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "seediso",
	Short: "Build unattended-install media for Ubuntu Server",
	Long: `seediso takes a stock Ubuntu Server live installer image, injects the
subiquity autoinstall kernel argument (optionally together with a cloud-init
NoCloud seed carried on the media itself), refreshes the internal checksum
manifest and repackages the result as a hybrid BIOS+UEFI bootable image.`,
	Example: `  seediso
  seediso -c focal -r -d ubuntu-autoinstall.iso
  seediso -a -u user-data -m meta-data -s ./jammy-live-server-amd64.iso`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func run(ctx context.Context) error {
	logrus.SetLevel(logrus.InfoLevel)
	if argVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	config, err := buildconfig.Parse(argConfigFile)
	if err != nil {
		return err
	}

	opts := newOptions(config)
	rel, err := opts.Validate(release.NewDefault())
	if err != nil {
		return err
	}

	return pipeline.New(opts, rel).Run(ctx)
}

// newOptions merges the parsed config file and the command line; flags win
// where both say something.
func newOptions(config *buildconfig.Config) *buildconfig.Options {
	return &buildconfig.Options{
		Codename:         argCodename,
		UseReleaseISO:    argUseReleaseISO,
		ReleaseType:      argReleaseType,
		SourcePath:       argSource,
		DestinationPath:  argDestination,
		EmbedAnswerFiles: argAllInOne,
		UserDataPath:     argUserData,
		MetaDataPath:     argMetaData,
		UseHWEKernel:     argUseHWEKernel,
		SkipVerification: argNoVerify,
		DisableSelfCheck: argNoMD5,
		ExtraFilesDir:    argExtraFiles,

		CacheDir:       config.CacheDir,
		Keyserver:      config.Keyserver,
		Fingerprint:    config.Fingerprint,
		DailyMirror:    config.Mirrors.Daily,
		ReleaseMirror:  config.Mirrors.Release,
		OverlayExclude: config.Overlay.Exclude,

		RunDate: time.Now(),
	}
}

func main() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&argAllInOne, "all-in-one", "a", false, "embed the answer files on the media as a NoCloud seed")
	flags.BoolVarP(&argUseHWEKernel, "use-hwe-kernel", "e", false, "prefer the hardware-enablement kernel when the media carries it")
	flags.StringVarP(&argUserData, "user-data", "u", "", "autoinstall answer file (required with -a)")
	flags.StringVarP(&argMetaData, "meta-data", "m", "", "cloud-init metadata file (an empty file is seeded if omitted)")
	flags.BoolVarP(&argNoVerify, "no-verify", "k", false, "skip GPG/SHA256 verification of the source image")
	flags.BoolVarP(&argNoMD5, "no-md5", "n", false, "blank the media's internal checksum manifest")
	flags.StringVarP(&argCodename, "code-name", "c", "jammy", "target release codename")
	flags.BoolVarP(&argUseReleaseISO, "use-release-iso", "r", false, "use the latest numbered release instead of the daily build")
	flags.StringVar(&argReleaseType, "release-type", "", "release artifact flavor for -r (default \"live-server\")")
	flags.StringVarP(&argExtraFiles, "extra-files", "x", "", "directory overlaid onto the media root")
	flags.StringVarP(&argSource, "source", "s", "", "existing local source image, skips the download")
	flags.StringVarP(&argDestination, "destination", "d", "", "output image path (default ubuntu-autoinstall-<date>.iso)")
	flags.StringVar(&argConfigFile, "config", buildconfig.DefaultPath(), "TOML config file")
	flags.BoolVarP(&argVerbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logrus.Error("build cancelled")
		} else {
			logrus.Error(err)
		}
		os.Exit(1)
	}
}
