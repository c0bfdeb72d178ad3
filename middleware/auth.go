package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tv42/zbase32"
)

type contextKey string

const (
	STORE_ID_CONTEXT_KEY    contextKey = "store_id"
	USER_PUBKEY_CONTEXT_KEY contextKey = "user_pubkey"
)

var ErrInvalidSignature = fmt.Errorf("invalid signature")
var ErrInvalidToken = fmt.Errorf("invalid token")
var SignedMsgPrefix = []byte("datasync:")

// Claims is the bearer token payload. The subject is the store id shared by
// a user's devices; DevicePubkey pins the key that must sign pushes.
type Claims struct {
	DevicePubkey string `json:"dpk"`
	jwt.RegisteredClaims
}

// IssueToken mints a bearer token. Tokens are refreshed out of band by
// whoever holds the secret.
func IssueToken(secret []byte, storeID, devicePubkey string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DevicePubkey: devicePubkey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   storeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func ParseToken(secret []byte, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.DevicePubkey == "" {
		return nil, fmt.Errorf("%w: missing subject or device key", ErrInvalidToken)
	}
	return claims, nil
}

func bearerToken(authHeader string) (string, error) {
	if len(authHeader) <= 7 || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("invalid auth header")
	}
	return authHeader[7:], nil
}

// Authenticate rejects requests without a valid bearer token and exposes
// the token's store id and device key to the handlers.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r.Header.Get("Authorization"))
			if err != nil {
				api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, err.Error())
				return
			}
			claims, err := ParseToken(secret, token)
			if err != nil {
				api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, STORE_ID_CONTEXT_KEY, claims.Subject)
	return context.WithValue(ctx, USER_PUBKEY_CONTEXT_KEY, claims.DevicePubkey)
}

func StoreID(ctx context.Context) string {
	id, _ := ctx.Value(STORE_ID_CONTEXT_KEY).(string)
	return id
}

func DevicePubkey(ctx context.Context) string {
	pubkey, _ := ctx.Value(USER_PUBKEY_CONTEXT_KEY).(string)
	return pubkey
}

// SignRequest is the message a device signs for a request body.
func SignRequest(body []byte, requestTime int64) string {
	return fmt.Sprintf("%x-%v", sha256.Sum256(body), requestTime)
}

// SetSignature signs body with key and sets the signature headers on r.
func SetSignature(r *http.Request, key *btcec.PrivateKey, body []byte, requestTime int64) error {
	signature, err := SignMessage(key, []byte(SignRequest(body, requestTime)))
	if err != nil {
		return err
	}
	r.Header.Set(api.SignatureHdr, signature)
	r.Header.Set(api.ReqTimeHdr, strconv.FormatInt(requestTime, 10))
	return nil
}

// VerifyRequest checks that body was signed by the device key named in the
// request's bearer token.
func VerifyRequest(r *http.Request, body []byte) error {
	return VerifySignature(r.Context(), body, r.Header.Get(api.SignatureHdr), r.Header.Get(api.ReqTimeHdr))
}

// VerifySignature checks signature over body and requestTime against the
// device key of the authenticated caller in ctx.
func VerifySignature(ctx context.Context, body []byte, signature, requestTime string) error {
	reqTime, err := strconv.ParseInt(requestTime, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad request time", ErrInvalidSignature)
	}
	pubkey, err := VerifyMessage([]byte(SignRequest(body, reqTime)), signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if hex.EncodeToString(pubkey.SerializeCompressed()) != DevicePubkey(ctx) {
		return fmt.Errorf("%w: signer does not match token", ErrInvalidSignature)
	}
	return nil
}

func prefixed(msg []byte) []byte {
	out := make([]byte, 0, len(SignedMsgPrefix)+len(msg))
	return append(append(out, SignedMsgPrefix...), msg...)
}

func SignMessage(key *btcec.PrivateKey, msg []byte) (string, error) {
	message := prefixed(msg)
	digest := chainhash.DoubleHashB(message)
	signture, err := ecdsa.SignCompact(key, digest, true)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %v", err)
	}
	sig := zbase32.EncodeToString(signture)
	return sig, nil
}

func VerifyMessage(message []byte, signature string) (*btcec.PublicKey, error) {
	// The signature should be zbase32 encoded
	sig, err := zbase32.DecodeString(signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %v", err)
	}

	msg := prefixed(message)
	first := sha256.Sum256(msg)
	second := sha256.Sum256(first[:])
	pubkey, wasCompressed, err := ecdsa.RecoverCompact(
		sig,
		second[:],
	)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	if !wasCompressed {
		return nil, ErrInvalidSignature
	}

	return pubkey, nil
}
