package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/apollo-events/data-sync/local"
	"github.com/spf13/cobra"
)

const defaultAttachField = "eventPosterUrl"

type attachView struct {
	ID     string `json:"id"`
	Field  string `json:"field"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
	URL    string `json:"url"`
}

func (v attachView) String() string {
	return fmt.Sprintf("%s.%s = %s (%d bytes)", v.ID, v.Field, v.URL, v.Size)
}

var errNotObject = errors.New("record payload is not a JSON object")

// attachBlob uploads data and points field of record id at it. The record
// update goes through the local store, so it syncs like any other write.
func attachBlob(ctx context.Context, s *local.Store, blobs blobClient, id, field, contentType string, data []byte) (*attachView, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	doc := map[string]json.RawMessage{}
	if len(record.Payload) > 0 {
		if err := json.Unmarshal(record.Payload, &doc); err != nil || doc == nil {
			return nil, errNotObject
		}
	}

	ref, err := blobs.PutBlob(ctx, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob: %w", err)
	}
	url, err := json.Marshal(ref.URL)
	if err != nil {
		return nil, err
	}
	doc[field] = url
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if _, err := s.Put(ctx, id, record.Collection, payload); err != nil {
		return nil, err
	}
	return &attachView{ID: id, Field: field, Digest: ref.Digest, Size: ref.Size, URL: ref.URL}, nil
}

type AttachOptions struct {
	*RootOptions
	Field       string
	ContentType string
}

func NewAttachCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttachOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attach <id> <file>",
		Short: "Upload a file and link it from a record",
		Long: `Upload a file, such as an event poster, to the service and set a
field of the record's JSON payload to the blob's URL. The record update is
queued like any other write.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read file", err)
			}
			contentType := opts.ContentType
			if contentType == "" {
				contentType = http.DetectContentType(data)
			}

			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			client, closeClient, err := opts.newClient(nil)
			if err != nil {
				return err
			}
			defer closeClient()

			view, err := attachBlob(cmd.Context(), s, client, args[0], opts.Field, contentType, data)
			switch {
			case errors.Is(err, local.ErrNotFound):
				opts.formatter(cmd).Error("not_found", fmt.Sprintf("record %q not found", args[0]))
				return WrapExitError(ExitCommandError, "record not found", err)
			case errors.Is(err, errNotObject):
				opts.formatter(cmd).Error("bad_payload", err.Error())
				return WrapExitError(ExitCommandError, "cannot attach", err)
			case err != nil:
				return syncExitError(err)
			}
			return opts.formatter(cmd).Success(view)
		},
	}

	cmd.Flags().StringVar(&opts.Field, "field", defaultAttachField, "payload field that receives the blob URL")
	cmd.Flags().StringVar(&opts.ContentType, "content-type", "", "blob content type (sniffed when empty)")
	return cmd
}

type FetchOptions struct {
	*RootOptions
	Out string
}

func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "fetch <digest>",
		Short:         "Download a blob",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, closeClient, err := opts.newClient(nil)
			if err != nil {
				return err
			}
			defer closeClient()

			blob, err := client.GetBlob(cmd.Context(), args[0])
			if err != nil {
				return syncExitError(err)
			}
			if opts.Out == "" {
				_, err = cmd.OutOrStdout().Write(blob.Data)
				return err
			}
			if err := os.WriteFile(opts.Out, blob.Data, 0o644); err != nil {
				return WrapExitError(ExitFailure, "failed to write file", err)
			}
			return opts.formatter(cmd).Success(fmt.Sprintf("wrote %d bytes (%s) to %s", len(blob.Data), blob.ContentType, opts.Out))
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}
