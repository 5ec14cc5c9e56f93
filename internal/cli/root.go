// Package cli implements the imagesaver command line tool.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dunamismax/imagesaver/internal/app"
	"github.com/dunamismax/imagesaver/internal/config"
	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/images"
	"github.com/dunamismax/imagesaver/internal/logging"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	dir      string
	logLevel string
}

// NewRootCommand builds the command tree. Each call returns fresh flag state.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "imagesaver",
		Short: "Fetch, upload and process images into a target directory",
		Long: `imagesaver acquires images from URLs or local files, validates them,
and optionally runs a processing pipeline and text overlays on the result.

Settings not given as flags are read from the environment and an optional
.env file, the same way the API and worker binaries read them.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.dir, "dir", "", "target directory (default IMAGESAVER_TARGET_DIR)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		newFetchCommand(opts),
		newUploadCommand(opts),
		newProcessCommand(opts),
	)
	return root
}

func Execute() error {
	return NewRootCommand().Execute()
}

func (o *globalOptions) service(cmd *cobra.Command) (*images.Service, error) {
	cfg := config.Load()
	if o.dir != "" {
		cfg.Saver.TargetDir = o.dir
	}

	logger, err := logging.New(logging.Config{Level: o.logLevel, Encoding: logging.EncodingConsole})
	if err != nil {
		return nil, err
	}

	saverCfg := app.SaverConfig(cfg.Saver, logger)
	stderr := cmd.ErrOrStderr()
	saverCfg.OnStart = func(total int64) {
		if total > 0 {
			fmt.Fprintf(stderr, "downloading %s\n", humanize.Bytes(uint64(total)))
		}
	}

	return images.NewService(images.Options{
		Saver:  saverCfg,
		Logger: logger.Named("images"),
	})
}

func printImage(w io.Writer, saved domain.SavedImage) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(saved)
}

func newFetchCommand(global *globalOptions) *cobra.Command {
	var (
		name  string
		steps stepFlags
	)
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Download an image from a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := domain.ValidateName(name); err != nil {
				return err
			}
			process, err := steps.request()
			if err != nil {
				return err
			}
			svc, err := global.service(cmd)
			if err != nil {
				return err
			}
			saved, err := svc.Fetch(cmd.Context(), images.FetchRequest{URL: args[0], Name: name, Process: process})
			if err != nil {
				return err
			}
			return printImage(cmd.OutOrStdout(), saved)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "target file name without extension")
	steps.register(cmd)
	return cmd
}

func newUploadCommand(global *globalOptions) *cobra.Command {
	var (
		name  string
		steps stepFlags
	)
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Store a local image file as if it had been uploaded",
		Long: `upload sends FILE through the same multipart path the API uses, so JPEG
files get their EXIF orientation applied before validation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := domain.ValidateName(name); err != nil {
				return err
			}
			process, err := steps.request()
			if err != nil {
				return err
			}
			svc, err := global.service(cmd)
			if err != nil {
				return err
			}
			src, done, err := uploadFromFile(args[0])
			if err != nil {
				return err
			}
			defer done()
			saved, err := svc.Upload(cmd.Context(), src, name, process)
			if err != nil {
				return err
			}
			return printImage(cmd.OutOrStdout(), saved)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "target file name without extension")
	steps.register(cmd)
	return cmd
}

func newProcessCommand(global *globalOptions) *cobra.Command {
	var steps stepFlags
	cmd := &cobra.Command{
		Use:   "process FILE",
		Short: "Apply a pipeline to a file already in the target directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			process, err := steps.request()
			if err != nil {
				return err
			}
			if process.Empty() {
				return fmt.Errorf("nothing to do: give at least one step or --text")
			}
			svc, err := global.service(cmd)
			if err != nil {
				return err
			}
			saved, err := svc.Process(cmd.Context(), strings.TrimSpace(args[0]), process)
			if err != nil {
				return err
			}
			return printImage(cmd.OutOrStdout(), saved)
		},
	}
	steps.register(cmd)
	return cmd
}

