package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apollo-events/data-sync/local"
	"github.com/spf13/cobra"
)

type entryView struct {
	Seq          int64  `json:"seq"`
	MutationID   string `json:"mutation_id"`
	RecordID     string `json:"record_id"`
	Op           string `json:"op"`
	BaseRevision int64  `json:"base_revision"`
	Timestamp    int64  `json:"timestamp"`
}

type entryList []entryView

func (l entryList) String() string {
	if len(l) == 0 {
		return "nothing pending"
	}
	lines := make([]string, len(l))
	for i, e := range l {
		lines[i] = fmt.Sprintf("%d %s %s base=%d %s", e.Seq, e.Op, e.RecordID, e.BaseRevision, e.MutationID)
	}
	return strings.Join(lines, "\n")
}

func NewPendingCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "pending",
		Short:         "List changes waiting for upload",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.ListPending(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list pending changes", err)
			}
			views := make(entryList, len(entries))
			for i, e := range entries {
				views[i] = entryView{
					Seq:          e.Seq,
					MutationID:   e.MutationID,
					RecordID:     e.RecordID,
					Op:           string(e.Op),
					BaseRevision: e.BaseRevision,
					Timestamp:    e.Timestamp,
				}
			}
			return opts.formatter(cmd).Success(views)
		},
	}
}

type conflictView struct {
	ID        int64  `json:"id"`
	RecordID  string `json:"record_id"`
	Reason    string `json:"reason"`
	Revision  int64  `json:"revision"`
	Origin    string `json:"origin"`
	Deleted   bool   `json:"deleted,omitempty"`
	Payload   string `json:"payload"`
	CreatedAt int64  `json:"created_at"`
}

type conflictList []conflictView

func (l conflictList) String() string {
	if len(l) == 0 {
		return "no conflicts"
	}
	lines := make([]string, len(l))
	for i, c := range l {
		lines[i] = fmt.Sprintf("%d %s %s rev=%d origin=%s %s", c.ID, c.RecordID, c.Reason, c.Revision, c.Origin, c.Payload)
	}
	return strings.Join(lines, "\n")
}

func newConflictList(conflicts []local.Conflict) conflictList {
	views := make(conflictList, len(conflicts))
	for i, c := range conflicts {
		views[i] = conflictView{
			ID:        c.ID,
			RecordID:  c.RecordID,
			Reason:    c.Reason,
			Revision:  c.Revision,
			Origin:    c.Origin,
			Deleted:   c.Deleted,
			Payload:   string(c.Payload),
			CreatedAt: c.CreatedAt,
		}
	}
	return views
}

func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "conflicts [record-id]",
		Short:         "List payloads that lost a conflict",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID := ""
			if len(args) == 1 {
				recordID = args[0]
			}
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			conflicts, err := s.Conflicts(cmd.Context(), recordID)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list conflicts", err)
			}
			return opts.formatter(cmd).Success(newConflictList(conflicts))
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "drop <conflict-id>",
		Short:         "Discard a conflict record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid conflict id", err)
			}
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteConflict(cmd.Context(), id); err != nil {
				return WrapExitError(ExitFailure, "failed to drop conflict", err)
			}
			return opts.formatter(cmd).Success(fmt.Sprintf("dropped conflict %d", id))
		},
	})

	return cmd
}

func NewCompactCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "compact",
		Short:         "Remove acknowledged change history",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			removed, err := s.Queue().Compact(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to compact queue", err)
			}
			return opts.formatter(cmd).Success(fmt.Sprintf("removed %d entries", removed))
		},
	}
}
