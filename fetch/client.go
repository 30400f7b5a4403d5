// Package fetch provides the HTTP plumbing shared by the harvesters and
// connectors: a client that retries transient failures and a fetcher that
// caches JSON documents on disk.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/pkg/errors"
)

const mediaTypeJSON = "application/json"

// StatusError is returned when a server answers with an unexpected status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (err *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) from %s", err.StatusCode, http.StatusText(err.StatusCode), err.URL)
}

// IsStatus reports whether err is a *StatusError with the given code.
func IsStatus(err error, code int) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.StatusCode == code
}

// Client sends HTTP requests with exponential backoff.
type Client struct {
	client    *http.Client
	userAgent string
	backoff   func() backoff.BackOff
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithBackOff replaces the retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.backoff = fn }
}

// WithTimeout sets the overall timeout of a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.client.Timeout = d }
}

func NewClient(opts ...Option) *Client {
	const (
		dialTimeout      = 5 * time.Second
		handshakeTimeout = 5 * time.Second
		timeout          = 60 * time.Second
	)
	c := &Client{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: dialTimeout}).DialContext,
				TLSHandshakeTimeout: handshakeTimeout,
				MaxIdleConnsPerHost: 16,
			},
		},
		backoff: DefaultBackOff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultBackOff is the retry policy used unless WithBackOff is given.
func DefaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          1.5,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Clock:               backoff.SystemClock,
	}
}

// Do sends the request built by newRequest. The builder runs once per
// attempt so request bodies can be replayed. Transport errors, 429 and 5xx
// responses are retried; any other response is returned to the caller, who
// owns its body.
func (c *Client) Do(ctx context.Context, newRequest func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	err := backoff.Retry(
		func() error {
			req, err := newRequest()
			if err != nil {
				return backoff.Permanent(errors.Wrap(err, "creating request"))
			}
			req = req.WithContext(ctx)
			if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
				req.Header.Set("User-Agent", c.userAgent)
			}
			r, err := c.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				drain(r.Body)
				return &StatusError{URL: req.URL.String(), StatusCode: r.StatusCode}
			}
			resp = r
			return nil
		},
		backoff.WithContext(c.backoff(), ctx),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON body into v. Any status other than
// 200 is reported as a *StatusError.
func (c *Client) GetJSON(ctx context.Context, url string, v interface{}) error {
	resp, err := c.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", mediaTypeJSON)
		return req, nil
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return DecodeResponse(resp.Body, v)
}

// DecodeResponse decodes a JSON body into v and closes it.
func DecodeResponse(body io.ReadCloser, v interface{}) (err error) {
	defer func() {
		if rerr := body.Close(); rerr != nil && err == nil {
			err = errors.Wrap(rerr, "closing the response body")
		}
	}()
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.Wrap(err, "decoding the response payload")
	}
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(ioutil.Discard, body)
	_ = body.Close()
}
