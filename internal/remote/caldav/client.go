// Package caldav is the CalDAV backend of remote.Client: WebDAV discovery
// with PROPFIND, event listing with a calendar-query REPORT, and object
// writes with PUT and DELETE.
package caldav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/sekia-ai/calhub/internal/remote"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the server or principal URL given by the user.
	BaseURL string
	// Authorize decorates every request, e.g. with basic auth or a bearer
	// token.
	Authorize func(*http.Request)
	// HTTPClient defaults to a client with RequestTimeout.
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// RetryMaxElapsed bounds retries of transient failures (network errors,
	// 429 and 5xx). Zero disables retrying.
	RetryMaxElapsed time.Duration
	Logger          zerolog.Logger
}

// Client is a CalDAV remote.Client.
type Client struct {
	base      *url.URL
	authorize func(*http.Request)
	http      *http.Client
	retryMax  time.Duration
	logger    zerolog.Logger
}

var _ remote.Client = (*Client)(nil)

// New validates opts and returns a Client. No request is made.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid CalDAV server URL %q", opts.BaseURL)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:      base,
		authorize: opts.Authorize,
		http:      hc,
		retryMax:  opts.RetryMaxElapsed,
		logger:    opts.Logger,
	}, nil
}

// BasicAuth returns an Authorize func for a username and password.
func BasicAuth(username, password string) func(*http.Request) {
	return func(r *http.Request) { r.SetBasicAuth(username, password) }
}

// BearerAuth returns an Authorize func for an OAuth access token.
func BearerAuth(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// StatusError is a non-success HTTP status from the server.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Code)
}

// Unwrap maps 404 and 410 to remote.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound || e.Code == http.StatusGone {
		return remote.ErrNotFound
	}
	return nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// resolve turns an href (absolute or relative) into a URL on the server.
func (c *Client) resolve(href string) (*url.URL, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("parse href %q: %w", href, err)
	}
	return c.base.ResolveReference(ref), nil
}

// do sends one request, retrying transient failures with exponential
// backoff. Any status outside 2xx (and 207) is returned as *StatusError.
func (c *Client) do(ctx context.Context, method string, u *url.URL, header http.Header, body []byte) (*response, error) {
	var res *response
	operation := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if c.authorize != nil {
			c.authorize(req)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read %s response: %w", method, err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{Method: method, URL: u.Redacted(), Code: resp.StatusCode}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(serr)
		}
		res = &response{status: resp.StatusCode, header: resp.Header, body: data}
		return nil
	}

	var bo backoff.BackOff = &backoff.StopBackOff{}
	if c.retryMax > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 250 * time.Millisecond
		eb.MaxElapsedTime = c.retryMax
		bo = eb
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().Err(err).Dur("retry_in", wait).Msg("caldav request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, err
	}
	return res, nil
}
