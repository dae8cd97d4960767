// Command otapackage builds a signed OTA update package from one or two
// target-files archives:
//
//	otapackage [flags] <target-files.zip> <output.zip>
//
// With -i/--incremental_from the package transforms the named source
// build into the target build; otherwise it reinstalls the target from
// scratch.
package main

import (
	"context"
	"log/slog"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/otacompose/engine/compose"
)

var (
	packageKey      string
	incrementalFrom string
	wipeUserData    bool
	noPrereq        bool
	extraScriptPath string
	aslrMode        string
	workerThreads   int
	intelOTA        bool
	boardConfig     string // -b accepted and ignored for compatibility
)

var rootCmd = &cobra.Command{
	Use:   "otapackage <target-files.zip> <output.zip>",
	Short: "build a signed OTA update package from target-files archives",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return run(cmd.Context(), args[0], args[1])
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&packageKey, "package_key", "k", "", "path to the package-signing key")
	flags.StringVarP(&incrementalFrom, "incremental_from", "i", "", "source target-files archive for an incremental package")
	flags.BoolVarP(&wipeUserData, "wipe_user_data", "w", false, "format /data as part of a full package")
	flags.BoolVarP(&noPrereq, "no_prereq", "n", false, "omit the assert_older_build prerequisite check")
	flags.StringVarP(&extraScriptPath, "extra_script", "e", "", "file whose contents are appended to the installer script")
	flags.StringVarP(&aslrMode, "aslr_mode", "a", "off", "emit ASLR retouch primitives for lib/ files (on|off)")
	flags.IntVar(&workerThreads, "worker_threads", 3, "diff worker pool size")
	flags.BoolVar(&intelOTA, "intel_ota", false, "accepted for compatibility; Intel image handling is driven by misc_info.txt")
	flags.StringVarP(&boardConfig, "board_config", "b", "", "accepted and ignored for compatibility")
	flags.MarkHidden("board_config") //nolint:errcheck // flag is registered above
}

func run(ctx context.Context, targetPath, outputPath string) error {
	if os.Getenv("OTA_ROLLBACK") == "off" {
		noPrereq = true
	}

	var extraScript string
	if extraScriptPath != "" {
		data, err := os.ReadFile(extraScriptPath) //nolint:gosec // operator-supplied path
		if err != nil {
			return err
		}
		extraScript = string(data)
	}

	composer, err := compose.New(
		compose.WithPackageKey(packageKey),
		compose.WithWipeUserData(wipeUserData),
		compose.WithOmitPrereq(noPrereq),
		compose.WithExtraScript(extraScript),
		compose.WithEmitRetouch(aslrMode == "on"),
		compose.WithWorkerThreads(workerThreads),
		compose.WithLogger(slog.New(logrusHandler{})),
	)
	if err != nil {
		return err
	}

	if incrementalFrom != "" {
		log.WithFields(log.Fields{"source": incrementalFrom, "target": targetPath}).Info("building incremental package")
		return composer.ComposeIncremental(ctx, incrementalFrom, targetPath, outputPath)
	}
	log.WithField("target", targetPath).Info("building full package")
	return composer.ComposeFull(ctx, targetPath, outputPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
