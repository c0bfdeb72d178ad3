package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apollo-events/data-sync/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type statusView struct {
	DeviceID  string `json:"device_id"`
	Cursor    string `json:"cursor"`
	Records   int    `json:"records"`
	Pending   int    `json:"pending"`
	Acked     int    `json:"acked"`
	Conflicts int    `json:"conflicts"`
}

func (v statusView) String() string {
	cursor := v.Cursor
	if cursor == "" {
		cursor = "-"
	}
	return fmt.Sprintf("device:    %s\ncursor:    %s\nrecords:   %d\npending:   %d\nacked:     %d\nconflicts: %d",
		v.DeviceID, cursor, v.Records, v.Pending, v.Acked, v.Conflicts)
}

func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the local store's sync position",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			stats, err := s.Stats(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read stats", err)
			}
			cursor, err := s.Cursor(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read cursor", err)
			}
			return opts.formatter(cmd).Success(statusView{
				DeviceID:  s.DeviceID(),
				Cursor:    cursor,
				Records:   stats.Records,
				Pending:   stats.Pending,
				Acked:     stats.Acked,
				Conflicts: stats.Conflicts,
			})
		},
	}
}

type cycleView struct {
	Uploaded   int `json:"uploaded"`
	Conflicts  int `json:"conflicts"`
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
}

func (v cycleView) String() string {
	return fmt.Sprintf("uploaded=%d conflicts=%d downloaded=%d skipped=%d", v.Uploaded, v.Conflicts, v.Downloaded, v.Skipped)
}

// syncExitError maps engine failures onto exit codes: a transient failure
// is worth retrying, anything else needs attention first.
func syncExitError(err error) error {
	code := ExitCommandError
	if syncer.KindOf(err) == syncer.KindTransient {
		code = ExitFailure
	}
	return WrapExitError(code, fmt.Sprintf("sync failed (%s)", syncer.KindOf(err)), err)
}

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sync",
		Short:         "Run one upload and download cycle",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			engine, closeClient, err := opts.newEngine(cmd, s, nil, false)
			if err != nil {
				return err
			}
			defer closeClient()
			result, err := engine.SyncOnce(ctx)
			if err != nil {
				opts.formatter(cmd).Error(syncer.KindOf(err).String(), err.Error())
				return syncExitError(err)
			}
			return opts.formatter(cmd).Success(cycleView(result))
		},
	}
}

type RunOptions struct {
	*RootOptions
	Watch       bool
	MetricsAddr string
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the local store in sync until interrupted",
		Long: `Run the sync engine in the foreground. It syncs on the configured
interval, after remote change notifications when --watch is set, and
backs off on transient failures. A permanent failure pauses the engine
and corruption stops it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "long-poll the service for remote changes")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve engine metrics on this address")
	return cmd
}

func runEngine(cmd *cobra.Command, opts *RunOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := opts.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	registry := prometheus.NewRegistry()
	engine, closeClient, err := opts.newEngine(cmd, s, registry, opts.Watch)
	if err != nil {
		return err
	}
	defer closeClient()
	logger := opts.logger(cmd)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(ctx)
	})
	if opts.MetricsAddr != "" {
		server := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", opts.MetricsAddr)
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return syncExitError(err)
	}
	status, err := engine.Status(context.Background())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read status", err)
	}
	logger.Info("stopped", "state", status.State, "pending", status.Pending)
	return nil
}
