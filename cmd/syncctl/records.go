package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/local"
	"github.com/spf13/cobra"
)

type recordView struct {
	ID             string `json:"id"`
	Collection     string `json:"collection"`
	LocalRevision  int64  `json:"local_revision"`
	RemoteRevision *int64 `json:"remote_revision"`
	Deleted        bool   `json:"deleted,omitempty"`
	UpdatedAt      int64  `json:"updated_at"`
	Origin         string `json:"origin"`
	Payload        string `json:"payload"`
}

func newRecordView(r *local.Record) recordView {
	return recordView{
		ID:             r.ID,
		Collection:     r.Collection,
		LocalRevision:  r.LocalRevision,
		RemoteRevision: r.RemoteRevision,
		Deleted:        r.Deleted,
		UpdatedAt:      r.UpdatedAt,
		Origin:         r.Origin,
		Payload:        string(r.Payload),
	}
}

func (v recordView) String() string {
	remote := "-"
	if v.RemoteRevision != nil {
		remote = fmt.Sprint(*v.RemoteRevision)
	}
	return fmt.Sprintf("%s %s local=%d remote=%s %s", v.ID, v.Collection, v.LocalRevision, remote, v.Payload)
}

type recordList []recordView

func (l recordList) String() string {
	if len(l) == 0 {
		return "no records"
	}
	lines := make([]string, len(l))
	for i, v := range l {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

func completeCollection(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return api.Collections, cobra.ShellCompDirectiveNoFileComp
}

type PutOptions struct {
	*RootOptions
	Collection string
	Data       string
}

func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Create or update a record",
		Long: `Create or update a record in the local store. The write is queued
for upload on the next sync. Pass --data - to read the payload from stdin.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "collection the record belongs to (required)")
	cmd.Flags().StringVar(&opts.Data, "data", "", "record payload, or - for stdin")
	_ = cmd.MarkFlagRequired("collection")
	_ = cmd.RegisterFlagCompletionFunc("collection", completeCollection)

	return cmd
}

func runPut(cmd *cobra.Command, opts *PutOptions, id string) error {
	payload := []byte(opts.Data)
	if opts.Data == "-" {
		var err error
		payload, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read payload", err)
		}
	}

	s, err := opts.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	record, err := s.Put(cmd.Context(), id, opts.Collection, payload)
	if errors.Is(err, local.ErrPayloadTooLarge) {
		opts.formatter(cmd).Error("too_large", err.Error())
		return WrapExitError(ExitCommandError, "payload too large", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to put record", err)
	}
	return opts.formatter(cmd).Success(newRecordView(record))
}

func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <id>",
		Short:         "Show a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			record, err := s.Get(cmd.Context(), args[0])
			if errors.Is(err, local.ErrNotFound) {
				opts.formatter(cmd).Error("not_found", fmt.Sprintf("record %q not found", args[0]))
				return WrapExitError(ExitCommandError, "record not found", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "failed to get record", err)
			}
			return opts.formatter(cmd).Success(newRecordView(record))
		},
	}
}

func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Delete(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, local.ErrNotFound) {
					opts.formatter(cmd).Error("not_found", fmt.Sprintf("record %q not found", args[0]))
					return WrapExitError(ExitCommandError, "record not found", err)
				}
				return WrapExitError(ExitFailure, "failed to delete record", err)
			}
			return opts.formatter(cmd).Success(fmt.Sprintf("deleted %s", args[0]))
		},
	}
}

type ListOptions struct {
	*RootOptions
	Collection string
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List live records ordered by id",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.List(cmd.Context(), opts.Collection)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list records", err)
			}
			views := make(recordList, len(records))
			for i, r := range records {
				views[i] = newRecordView(r)
			}
			return opts.formatter(cmd).Success(views)
		},
	}

	cmd.Flags().StringVar(&opts.Collection, "collection", "", "only list this collection")
	_ = cmd.RegisterFlagCompletionFunc("collection", completeCollection)
	return cmd
}
