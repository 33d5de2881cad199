package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"roomcrypt/internal/domain"
)

const apiPrefix = "/_matrix/client/v3"

// maxResponse bounds how much of a response body is read.
const maxResponse = 32 << 20

// Option configures an HTTP client.
type Option func(*HTTP)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTP) { h.HTTP = c }
}

// WithLogger replaces the default component logger.
func WithLogger(l *logrus.Entry) Option {
	return func(h *HTTP) { h.log = l }
}

// WithTxnIDs replaces the UUID transaction id generator.
func WithTxnIDs(next func() string) Option {
	return func(h *HTTP) { h.txnID = next }
}

// HTTP talks to one homeserver on behalf of one access token.
type HTTP struct {
	Base  string
	HTTP  *http.Client
	token string
	txnID func() string
	log   *logrus.Entry
}

// NewHTTP returns a client for the homeserver at base, e.g.
// "https://matrix.example.org".
func NewHTTP(base, accessToken string, opts ...Option) *HTTP {
	h := &HTTP{
		Base:  strings.TrimRight(base, "/"),
		HTTP:  http.DefaultClient,
		token: accessToken,
		txnID: uuid.NewString,
		log:   logrus.WithField("component", "relay"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ domain.Transport = (*HTTP)(nil)

func (c *HTTP) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, in, out)
}

func (c *HTTP) put(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPut, path, nil, in, out)
}

func (c *HTTP) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// do sends one request. Every returned error matches domain.ErrTransport.
func (c *HTTP) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.Base + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("%w: encode %s body: %w", domain.ErrTransport, path, err)
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", domain.ErrTransport, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %w", domain.ErrTransport, method, path, err)
	}
	c.log.WithFields(logrus.Fields{
		"function": "do",
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"bytes":    len(raw),
		"duration": time.Since(start),
	}).Debug("Request finished")

	if resp.StatusCode/100 != 2 {
		relayErr := &Error{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, relayErr); jsonErr != nil || relayErr.ErrCode == "" {
			relayErr.ErrCode = ErrCodeUnknown
			relayErr.Message = strings.TrimSpace(string(raw))
			if relayErr.Message == "" {
				relayErr.Message = resp.Status
			}
		}
		return fmt.Errorf("%s %s: %w", method, path, relayErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", domain.ErrTransport, method, path, err)
	}
	return nil
}

func escape(s string) string { return url.PathEscape(s) }
