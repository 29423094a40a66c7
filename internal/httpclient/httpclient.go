// Package httpclient builds the pooled *http.Client NetMet's server and
// client roles share for control-plane pushes (unregister, config, metrics)
// and optional HMAC signing of outgoing requests.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
)

// Signer produces the extra headers an outgoing request body should carry,
// e.g. HMAC timestamp/digest headers. A nil Signer adds nothing.
type Signer func(body []byte) map[string]string

// Client wraps a pooled http.Client with JSON helpers and optional request
// signing.
type Client struct {
	http *http.Client
	sign Signer
}

// New builds a Client with a connection-pooling transport and the given
// per-request timeout.
func New(timeout time.Duration, sign Signer) *Client {
	transport := cleanhttp.DefaultPooledTransport()
	return &Client{
		http: &http.Client{Transport: transport, Timeout: timeout},
		sign: sign,
	}
}

// PostJSON marshals body, signs it if a Signer is configured, and POSTs it
// to url. It returns the response status code and, if out is non-nil,
// decodes a JSON response body into it.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) (int, error) {
	return c.doJSON(ctx, http.MethodPost, url, body, out)
}

// PutJSON is PostJSON with method PUT.
func (c *Client) PutJSON(ctx context.Context, url string, body any, out any) (int, error) {
	return c.doJSON(ctx, http.MethodPut, url, body, out)
}

func (c *Client) doJSON(ctx context.Context, method, url string, body any, out any) (int, error) {
	var buf []byte
	var err error
	if body != nil {
		buf, err = json.Marshal(body)
		if err != nil {
			return 0, errors.Wrap(err, "marshal request body")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sign != nil {
		for k, v := range c.sign(buf) {
			req.Header.Set(k, v)
		}
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "execute request")
	}
	defer res.Body.Close()

	if out != nil && res.StatusCode < 300 {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, errors.Wrap(err, "decode response body")
		}
	} else {
		_, _ = io.Copy(io.Discard, res.Body)
	}
	return res.StatusCode, nil
}

// Post issues a body-less POST, used for unregister and stop-style
// endpoints.
func (c *Client) Post(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	if c.sign != nil {
		for k, v := range c.sign(nil) {
			req.Header.Set(k, v)
		}
	}
	res, err := c.http.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "execute request")
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	return res.StatusCode, nil
}
