package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/objq/api"
	"pkt.systems/objq/internal/svcfields"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	// waitGrace pads the HTTP timeout of waiting claims so the server side
	// wait elapses first.
	waitGrace = 5 * time.Second
)

// Client talks to an objq server over HTTP.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base
	tracing     bool
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, svcfields.SysClient)
			return
		}
		c.logger = logger
	}
}

// WithHTTPTimeout overrides the per-request timeout. Waiting claims extend it
// by their wait.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithTracing wraps the transport with otelhttp so requests carry trace
// context to the server.
func WithTracing() Option {
	return func(c *Client) {
		c.tracing = true
	}
}

// New constructs a client for baseURL. Unix-domain sockets are supported via
// base URLs such as unix:///var/run/objq.sock.
//
//	cli, err := client.New("http://127.0.0.1:9341")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	id, _ := cli.Enqueue(ctx, "acct", "orders", strings.NewReader("hello"), client.EnqueueOptions{})
func New(baseURL string, opts ...Option) (*Client, error) {
	cli, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL:     base,
		httpClient:  cli,
		httpTimeout: defaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracing {
		transport := c.httpClient.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		wrapped := *c.httpClient
		wrapped.Transport = otelhttp.NewTransport(transport)
		c.httpClient = &wrapped
	}
	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EnqueueOptions tunes Enqueue.
type EnqueueOptions struct {
	// ContentType is stored with the payload and replayed on delivery.
	ContentType string
}

// ClaimOptions tunes ClaimNext and ClaimByID.
type ClaimOptions struct {
	// Lease hides the claimed message for this long. Zero uses the server default.
	Lease time.Duration
	// Wait keeps ClaimNext looking for a message for up to this long.
	Wait time.Duration
}

// Message is a claimed message.
type Message struct {
	ID            string
	Account       string
	Queue         string
	ClaimKey      string
	ContentType   string
	Body          []byte
	ExpiresAt     time.Time
	EnqueuedAt    time.Time
	CorrelationID string

	client *Client
}

// Ack acknowledges the message. See Client.Acknowledge.
func (m *Message) Ack(ctx context.Context) (bool, error) {
	if m == nil || m.client == nil {
		return false, errors.New("objq: message not bound to a client")
	}
	return m.client.Acknowledge(ctx, m.Account, m.Queue, m.ID)
}

// DecodeJSON unmarshals the payload into v.
func (m *Message) DecodeJSON(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CreateQueue creates queue, or touches it when it exists.
func (c *Client) CreateQueue(ctx context.Context, account, queue string) error {
	resp, err := c.do(ctx, http.MethodPut, queuePath(account, queue), nil, nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return c.decodeError(resp)
	}
	return nil
}

// ListQueues returns the names of every queue in account.
func (c *Client) ListQueues(ctx context.Context, account string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/"+url.PathEscape(account), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	var out api.ListQueuesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("objq: decode queue list: %w", err)
	}
	names := make([]string, 0, len(out.Queues))
	for _, q := range out.Queues {
		names = append(names, q.Name)
	}
	return names, nil
}

// Enqueue stores body as a new message and returns its identifier.
func (c *Client) Enqueue(ctx context.Context, account, queue string, body io.Reader, opts EnqueueOptions) (string, error) {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	header := http.Header{}
	if opts.ContentType != "" {
		header.Set("Content-Type", opts.ContentType)
	}
	resp, err := c.do(ctx, http.MethodPost, queuePath(account, queue), body, header, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", c.decodeError(resp)
	}
	var out api.EnqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("objq: decode enqueue response: %w", err)
	}
	c.logDebugCtx(ctx, "client.queue.enqueue.success", "account", account, "queue", queue, "mid", out.Message.ID)
	return out.Message.ID, nil
}

// ClaimNext claims the oldest available message. found is false, with a nil
// error, when the queue had nothing to deliver.
func (c *Client) ClaimNext(ctx context.Context, account, queue string, opts ClaimOptions) (msg *Message, found bool, err error) {
	path := queuePath(account, queue) + claimQuery(opts.Lease, opts.Wait)
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil, opts.Wait)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, false, nil
	case http.StatusOK:
		msg, err := c.readMessage(resp, account, queue)
		return msg, err == nil, err
	}
	return nil, false, c.decodeError(resp)
}

// ClaimByID claims message id. Deleted or absent messages surface as an
// APIError satisfying IsNotFound; leased messages satisfy IsConflict.
func (c *Client) ClaimByID(ctx context.Context, account, queue, id string, opts ClaimOptions) (*Message, error) {
	path := queuePath(account, queue) + "/" + url.PathEscape(id) + claimQuery(opts.Lease, 0)
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}
	return c.readMessage(resp, account, queue)
}

// Acknowledge deletes message id. deleted is false, with a nil error, when
// the message was already deleted or never existed.
func (c *Client) Acknowledge(ctx context.Context, account, queue, id string) (deleted bool, err error) {
	resp, err := c.do(ctx, http.MethodDelete, queuePath(account, queue)+"/"+url.PathEscape(id), nil, nil, 0)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	return false, c.decodeError(resp)
}

// Health reports whether the server answers /healthz.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	return nil
}

func (c *Client) readMessage(resp *http.Response, account, queue string) (*Message, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("objq: read message body: %w", err)
	}
	msg := &Message{
		ID:            resp.Header.Get(api.HeaderMessageID),
		Account:       account,
		Queue:         queue,
		ClaimKey:      resp.Header.Get(api.HeaderClaimKey),
		ContentType:   resp.Header.Get("Content-Type"),
		Body:          body,
		CorrelationID: resp.Header.Get(api.HeaderCorrelationID),
		client:        c,
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("objq: response missing %s", api.HeaderMessageID)
	}
	if ts, err := time.Parse(time.RFC3339Nano, resp.Header.Get(api.HeaderLeaseExpires)); err == nil {
		msg.ExpiresAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, resp.Header.Get(api.HeaderEnqueuedAt)); err == nil {
		msg.EnqueuedAt = ts
	}
	return msg, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, header http.Header, wait time.Duration) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.httpTimeout
	if wait > 0 {
		timeout += wait + waitGrace
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(api.HeaderCorrelationID, cid)
	}
	c.logTraceCtx(ctx, "client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		c.logDebugCtx(ctx, "client.http.error", "method", method, "path", path, "error", err)
		return nil, err
	}
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	c.logTraceCtx(ctx, "client.http.complete", "method", method, "path", path, "status", resp.StatusCode)
	return resp, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func queuePath(account, queue string) string {
	return "/v1/" + url.PathEscape(account) + "/" + url.PathEscape(queue)
}

func claimQuery(lease, wait time.Duration) string {
	q := url.Values{}
	if lease > 0 {
		q.Set(api.QueryLease, lease.String())
	}
	if wait > 0 {
		q.Set(api.QueryWait, strconv.FormatInt(secondsFromDuration(wait), 10))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func secondsFromDuration(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// APIError describes an error response from objq.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("objq: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("objq: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return statusIs(err, http.StatusNotFound)
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	return statusIs(err, http.StatusConflict)
}

func statusIs(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func hasKey(keyvals []any, target string) bool {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok && key == target {
			return true
		}
	}
	return false
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" || hasKey(keyvals, "cid") {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func buildHTTPClient(rawBase string) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, "", fmt.Errorf("baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return nil, "", fmt.Errorf("objq: invalid baseURL %q", rawBase)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("objq: unsupported scheme %q", u.Scheme)
	}
	return &http.Client{}, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		if socketPath == "" || socketPath == "/" {
			socketPath = "/" + u.Host
		} else {
			socketPath = "/" + u.Host + socketPath
		}
	}
	if socketPath == "" {
		return nil, "", fmt.Errorf("unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: defaultHTTPTimeout, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, "http://unix", nil
}
