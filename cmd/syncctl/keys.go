package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/apollo-events/data-sync/middleware"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"
)

type keyView struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

func (v keyView) String() string {
	return fmt.Sprintf("DATA_SYNC_DEVICE_KEY=%s\npublic key: %s", v.PrivateKey, v.PublicKey)
}

func NewKeygenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "keygen",
		Short:         "Generate a device signing key",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := btcec.NewPrivateKey()
			if err != nil {
				return WrapExitError(ExitFailure, "failed to generate key", err)
			}
			return opts.formatter(cmd).Success(keyView{
				PrivateKey: hex.EncodeToString(key.Serialize()),
				PublicKey:  hex.EncodeToString(key.PubKey().SerializeCompressed()),
			})
		},
	}
}

type TokenOptions struct {
	*RootOptions
	Secret       string
	StoreID      string
	DevicePubkey string
	TTL          time.Duration
}

func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a device",
		Long: `Issue a signed access token binding a device public key to a store.
The secret must match the service's JWT_SECRET; it defaults to that
environment variable.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.Secret
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			if secret == "" {
				return WrapExitError(ExitCommandError, "--secret or JWT_SECRET is required", nil)
			}
			if opts.DevicePubkey == "" {
				key, err := parseDeviceKey(opts.config.DeviceKey)
				if err != nil {
					return WrapExitError(ExitCommandError, "--device-pubkey is required without a device key", err)
				}
				opts.DevicePubkey = hex.EncodeToString(key.PubKey().SerializeCompressed())
			}
			token, err := middleware.IssueToken([]byte(secret), opts.StoreID, opts.DevicePubkey, opts.TTL)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to issue token", err)
			}
			return opts.formatter(cmd).Success(token)
		},
	}

	cmd.Flags().StringVar(&opts.Secret, "secret", "", "token signing secret")
	cmd.Flags().StringVar(&opts.StoreID, "store", "", "store the token grants access to (required)")
	cmd.Flags().StringVar(&opts.DevicePubkey, "device-pubkey", "", "hex compressed public key of the device")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}
