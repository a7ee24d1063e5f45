package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/itchdl/itch-dl/internal/model"
	"github.com/itchdl/itch-dl/internal/store"
)

var (
	statusBatch  string
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger rows and dead-letter queue size",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.ListFetches(ctx, store.FetchFilter{
			BatchID: statusBatch,
			Status:  model.FetchStatus(statusFilter),
			Limit:   statusLimit,
		})
		if err != nil {
			return eris.Wrap(err, "status: list fetches")
		}
		dlq, err := st.CountDLQ(ctx)
		if err != nil {
			return eris.Wrap(err, "status: count dlq")
		}

		formatStatus(cmd.OutOrStdout(), recs, dlq)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusBatch, "batch", "", "only show rows of this batch")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show rows with this status (downloaded, skipped, failed)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "max rows to show")
	rootCmd.AddCommand(statusCmd)
}

func formatStatus(w io.Writer, recs []model.FetchRecord, dlq int) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No fetches recorded.") //nolint:errcheck
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "BATCH\tIDX\tSTATUS\tREASON\tSIZE\tTRIES\tUPDATED\tPATH") //nolint:errcheck
		for _, r := range recs {
			reason := r.Reason
			if reason == "" {
				reason = "-"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n", //nolint:errcheck
				shorten(r.BatchID, 24), r.Index, r.Status, reason,
				humanize.Bytes(uint64(max(r.Bytes, 0))), r.Attempts,
				humanize.Time(r.UpdatedAt), pathOrURL(r))
		}
		_ = tw.Flush()
	}
	fmt.Fprintf(w, "\nDead-letter queue: %d\n", dlq) //nolint:errcheck
}

func pathOrURL(r model.FetchRecord) string {
	if r.Path != "" {
		return r.Path
	}
	return r.URL
}

// shorten keeps the tail of s, where batch ids built from manifest paths
// carry the distinguishing part.
func shorten(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "…" + string(runes[len(runes)-n+1:])
}
