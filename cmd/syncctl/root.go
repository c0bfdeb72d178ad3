package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/config"
	"github.com/apollo-events/data-sync/local"
	"github.com/apollo-events/data-sync/remote"
	"github.com/apollo-events/data-sync/syncer"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var ValidFormats = []string{"text", "json"}

type RootOptions struct {
	Verbose bool
	Format  string
	DBPath  string

	config *config.ClientConfig
}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "syncctl",
		Short:         "Inspect and sync a device's local data store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			cfg, err := config.NewClientConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if opts.DBPath != "" {
				cfg.DBPath = opts.DBPath
			}
			opts.config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "local database path (overrides DATA_SYNC_DB)")

	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewAttachCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func (o *RootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) openStore(ctx context.Context) (*local.Store, error) {
	s, err := local.Open(ctx, local.Options{
		Path:            o.config.DBPath,
		MaxPageCount:    o.config.MaxPageCount,
		MaxPayloadBytes: o.config.MaxPayloadBytes,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return s, nil
}

func (o *RootOptions) tokenSource() (remote.TokenSource, error) {
	switch {
	case o.config.TokenFile != "":
		return remote.FileToken(o.config.TokenFile), nil
	case o.config.Token != "":
		return remote.StaticToken(o.config.Token), nil
	default:
		return nil, fmt.Errorf("DATA_SYNC_TOKEN or DATA_SYNC_TOKEN_FILE is required")
	}
}

func parseDeviceKey(keyHex string) (*btcec.PrivateKey, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("DATA_SYNC_DEVICE_KEY is required")
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("DATA_SYNC_DEVICE_KEY must be 32 hex-encoded bytes")
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

// serviceClient is what both transports offer.
type serviceClient interface {
	syncer.Remote
	blobClient
}

type blobClient interface {
	PutBlob(ctx context.Context, contentType string, data []byte) (*api.BlobRef, error)
	GetBlob(ctx context.Context, digest string) (*api.Blob, error)
}

// newClient connects to the service over the configured transport. The
// returned func releases the connection.
func (o *RootOptions) newClient(reg prometheus.Registerer) (serviceClient, func(), error) {
	tokens, err := o.tokenSource()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "missing credentials", err)
	}
	key, err := parseDeviceKey(o.config.DeviceKey)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "missing device key", err)
	}
	if o.config.Transport == "grpc" {
		conn, err := remote.Dial(o.config.GrpcAddress, o.config.CACert.Pool(), reg)
		if err != nil {
			return nil, nil, WrapExitError(ExitCommandError, "failed to connect", err)
		}
		return remote.NewGRPC(conn, tokens, key), func() { conn.Close() }, nil
	}
	return remote.New(o.config.ServerURL, tokens, key, remote.WithRootCAs(o.config.CACert.Pool())), func() {}, nil
}

// newEngine wires the local store to the configured remote service.
func (o *RootOptions) newEngine(cmd *cobra.Command, s *local.Store, reg prometheus.Registerer, watch bool) (*syncer.Engine, func(), error) {
	client, closeClient, err := o.newClient(reg)
	if err != nil {
		return nil, nil, err
	}
	return syncer.New(s, client, syncer.Options{
		BatchSize:     o.config.BatchSize,
		SchemaVersion: o.config.SchemaVersion,
		Interval:      time.Duration(o.config.IntervalSeconds) * time.Second,
		Watch:         watch,
		Logger:        o.logger(cmd),
		Metrics:       syncer.NewMetrics(reg),
	}), closeClient, nil
}

func main() {
	godotenv.Load()
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(GetExitCode(err))
	}
}
