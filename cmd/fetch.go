package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/itchdl/itch-dl/internal/fetcher"
	"github.com/itchdl/itch-dl/internal/naming"
	"github.com/itchdl/itch-dl/internal/progress"
)

var (
	fetchNoSkip    bool
	fetchNoArchive bool
	fetchVerbose   bool
	fetchSlug      bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url> [dest]",
	Short: "Fetch one remote file",
	Long:  "Fetches url into dest: an existing directory, an explicit file path, or the working directory when omitted.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := fetcher.NewEngine(engineOptions(cfg.Fetch))
		if err != nil {
			return eris.Wrap(err, "init engine")
		}

		req := fetcher.Request{URL: args[0], Options: commandFetchOptions()}
		if len(args) == 2 {
			req.Destination = args[1]
		}
		if progress.IsTerminal(os.Stdout) {
			req.Options.Progress = progress.NewReporter(os.Stdout).Observe
		}

		return runFetch(ctx, eng, req, cmd.OutOrStdout())
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchNoSkip, "no-skip", false, "download even when an identical copy exists")
	fetchCmd.Flags().BoolVar(&fetchNoArchive, "no-archive", false, "overwrite an existing copy instead of archiving it")
	fetchCmd.Flags().BoolVar(&fetchVerbose, "verbose", false, "log negotiated metadata")
	fetchCmd.Flags().BoolVar(&fetchSlug, "slug", false, "slugify the resolved filename")
	rootCmd.AddCommand(fetchCmd)
}

// commandFetchOptions merges the configured defaults with the command flags.
func commandFetchOptions() fetcher.Options {
	opts := fetchOptions(cfg.Fetch)
	if fetchNoSkip {
		opts.SkipIfIdentical = false
	}
	if fetchNoArchive {
		opts.ArchiveExisting = false
	}
	if fetchVerbose {
		opts.Verbose = true
	}
	if fetchSlug {
		opts.Rename = naming.SlugifyFilename
	}
	return opts
}

// runFetch performs req and prints a one-line outcome to out.
func runFetch(ctx context.Context, f fetcher.Fetcher, req fetcher.Request, out io.Writer) error {
	res, err := f.Fetch(ctx, req)
	if err != nil {
		fmt.Fprintf(out, "%s %s: %s\n", res.Outcome, req.URL, res.Reason) //nolint:errcheck
		return eris.Wrapf(err, "fetch %s", req.URL)
	}
	fmt.Fprintf(out, "%s %s (%s)\n", res.Outcome, res.Path, humanize.Bytes(uint64(max(res.Bytes, 0)))) //nolint:errcheck
	if res.ArchivedPath != "" {
		fmt.Fprintf(out, "archived previous copy to %s\n", res.ArchivedPath) //nolint:errcheck
	}
	return nil
}
