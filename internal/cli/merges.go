package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"temerio/api/internal/merge"
)

// MergeUndoer reverts a person merge on behalf of its owner.
type MergeUndoer interface {
	Undo(ctx context.Context, userID, mergeLogID string) (merge.Result, error)
}

// NewMergesCommand groups merge repair commands.
func NewMergesCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merges",
		Short: "Repair person merges",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "undo <user-id> <merge-log-id>",
		Short: "Undo a merge for the user who owns it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			undoer, closeFn, err := opts.openMerges(cmd.Context(), opts.DatabaseURL)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := undoer.Undo(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			p := newPrinter(opts, cmd.OutOrStdout())
			return p.emit(result, func(w io.Writer) {
				p.line(w, "%s", result.Message)
			})
		},
	})
	return cmd
}
