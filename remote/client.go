// Package remote is the device-side client of the remote document service.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apollo-events/data-sync/api"
	"github.com/apollo-events/data-sync/middleware"
	"github.com/apollo-events/data-sync/syncer"
	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/time/rate"
)

// TokenSource yields the current bearer token. Tokens are refreshed out of
// band, so it is asked before every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// FileToken reads the token from a file that another process keeps fresh.
type FileToken string

func (f FileToken) Token(context.Context) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

const (
	requestTimeout = 30 * time.Second
	watchTimeout   = 60 * time.Second
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	key        *btcec.PrivateKey
	limiter    *rate.Limiter
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRootCAs trusts only pool when verifying the service certificate.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(client *Client) {
		if pool == nil {
			return
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		client.httpClient = &http.Client{Transport: transport}
	}
}

// WithRateLimit paces requests to the service.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(client *Client) {
		client.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New returns a client for the service at baseURL. Pushes are signed with
// key, which must match the device key named in the bearer token.
func New(baseURL string, tokens TokenSource, key *btcec.PrivateKey, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		tokens:     tokens,
		key:        key,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Push(ctx context.Context, req *api.PushRequest) (*api.PushReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, syncer.Permanent("push", err)
	}
	if len(body) > api.MaxPushBytes {
		return nil, tooLarge(len(body))
	}
	var reply api.PushReply
	if err := c.do(ctx, "push", http.MethodPost, api.PushPath, nil, body, requestTimeout, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) ListChanges(ctx context.Context, cursor string, limit int) (*api.ListChangesReply, error) {
	query := url.Values{}
	query.Set("since", cursor)
	query.Set("limit", strconv.Itoa(limit))
	var reply api.ListChangesReply
	if err := c.do(ctx, "list changes", http.MethodGet, api.ChangesPath, query, nil, requestTimeout, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Watch(ctx context.Context, cursor string) (*api.WatchReply, error) {
	query := url.Values{}
	query.Set("since", cursor)
	var reply api.WatchReply
	if err := c.do(ctx, "watch", http.MethodGet, api.WatchPath, query, nil, watchTimeout, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GetRecord fetches the service's current version of one record.
func (c *Client) GetRecord(ctx context.Context, id string) (*api.Record, error) {
	var reply api.Record
	path := api.RecordsPath + "/" + url.PathEscape(id)
	if err := c.do(ctx, "get record", http.MethodGet, path, nil, nil, requestTimeout, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// PutBlob uploads data and returns the reference records should store.
func (c *Client) PutBlob(ctx context.Context, contentType string, data []byte) (*api.BlobRef, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var ref api.BlobRef
	err := c.send(ctx, "put blob", http.MethodPut, api.BlobsPath, nil, data, contentType, requestTimeout, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(&ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (c *Client) GetBlob(ctx context.Context, digest string) (*api.Blob, error) {
	blob := &api.Blob{Digest: digest}
	err := c.send(ctx, "get blob", http.MethodGet, api.BlobURL(url.PathEscape(digest)), nil, nil, "", requestTimeout, func(resp *http.Response) error {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		blob.ContentType = resp.Header.Get("Content-Type")
		blob.Data = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	if api.BlobDigest(blob.Data) != digest {
		return nil, syncer.Transient("get blob", fmt.Errorf("blob %v arrived corrupted", digest))
	}
	return blob, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, timeout time.Duration, out any) error {
	return c.send(ctx, op, method, path, query, body, "application/json", timeout, func(resp *http.Response) error {
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// send makes one signed request and hands a 200 response to read. Any body
// is signed, whatever its content type.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, body []byte, contentType string, timeout time.Duration, read func(*http.Response) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncer.Transient(op, err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return syncer.Permanent(op, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return syncer.Permanent(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
		if err := middleware.SetSignature(req, c.key, body, c.now().Unix()); err != nil {
			return syncer.Permanent(op, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncer.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classify(op, resp)
	}
	if err := read(resp); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return syncer.Transient(op, fmt.Errorf("failed to decode reply: %w", err))
	}
	return nil
}

// classify maps an error response onto the sync error taxonomy.
func classify(op string, resp *http.Response) error {
	reply := &api.ErrorReply{Code: http.StatusText(resp.StatusCode)}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, reply) != nil || reply.Message == "" {
		reply.Message = strings.TrimSpace(string(data))
	}
	return classifyStatus(op, resp.StatusCode, reply, retryAfter(resp.Header.Get("Retry-After")))
}

// classifyStatus is shared by both transports; gRPC statuses are mapped to
// their HTTP equivalent first.
func classifyStatus(op string, status int, reply *api.ErrorReply, hint time.Duration) error {
	err := fmt.Errorf("status %d: %w", status, reply)
	switch {
	case status == http.StatusTooManyRequests:
		e := syncer.Transient(op, err)
		e.RetryAfter = hint
		return e
	case status == http.StatusRequestTimeout, status >= 500:
		return syncer.Transient(op, err)
	case status == http.StatusConflict:
		return &syncer.Error{Kind: syncer.KindConflict, Op: op, Err: err}
	case status == http.StatusRequestEntityTooLarge:
		return syncer.TooLarge(op, err)
	default:
		// 401, 403, 422 and every other client error need a human.
		return syncer.Permanent(op, err)
	}
}

// tooLarge refuses a push locally that the service would answer with 413.
func tooLarge(size int) error {
	return syncer.TooLarge("push", &api.ErrorReply{
		Code:    api.CodeTooLarge,
		Message: fmt.Sprintf("push of %d bytes exceeds %d", size, api.MaxPushBytes),
	})
}

func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// IsAuthError reports whether err is the service rejecting the credentials.
func IsAuthError(err error) bool {
	var reply *api.ErrorReply
	if !errors.As(err, &reply) {
		return false
	}
	return reply.Code == api.CodeUnauthorized || reply.Code == api.CodeForbidden
}
