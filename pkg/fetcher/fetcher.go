// Package fetcher performs the HTTP call described by a task and captures
// the outcome — status, flattened headers, body, redirect history and reason
// phrase — in the shape the callback chain encodes as a sub-task payload.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Response is the captured outcome of a fetch. History holds one entry per
// redirect hop, oldest first; redirect bodies are not retained.
type Response struct {
	URL        string            `json:"url"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Content    string            `json:"content"`
	History    []*Response       `json:"history"`
	Reason     string            `json:"reason"`
}

// Options describes one HTTP call. A nil FollowRedirects means the default
// policy of the underlying client (follow).
type Options struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            string
	Timeout         time.Duration
	FollowRedirects *bool
}

// Fetcher performs a described HTTP call.
type Fetcher interface {
	Fetch(ctx context.Context, opts Options) (*Response, error)
}

// maxRedirects mirrors the default chain length of net/http.
const maxRedirects = 10

// HTTPFetcher is the production Fetcher on top of net/http.
type HTTPFetcher struct {
	transport http.RoundTripper
}

// New builds a fetcher using the default transport.
func New() *HTTPFetcher {
	return &HTTPFetcher{transport: http.DefaultTransport}
}

// NewWithTransport builds a fetcher on a custom transport.
func NewWithTransport(rt http.RoundTripper) *HTTPFetcher {
	return &HTTPFetcher{transport: rt}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, opts Options) (*Response, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, opts.URL, body)
	if err != nil {
		return nil, errors.Wrapf(err, "fetcher: build %s %s", opts.Method, opts.URL)
	}
	for key, val := range opts.Headers {
		req.Header.Set(key, val)
	}

	client := &http.Client{
		Transport: f.transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if opts.FollowRedirects != nil && !*opts.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return errors.Errorf("fetcher: stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetcher: %s %s", opts.Method, opts.URL)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "fetcher: read body of %s", opts.URL)
	}

	captured := capture(resp)
	captured.Content = string(content)
	captured.History = history(resp)
	return captured, nil
}

// capture snapshots a response without its body.
func capture(resp *http.Response) *Response {
	headers := make(map[string]string, len(resp.Header))
	for key, vals := range resp.Header {
		headers[key] = strings.Join(vals, ", ")
	}
	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}
	return &Response{
		URL:        url,
		StatusCode: resp.StatusCode,
		Headers:    headers,
		History:    []*Response{},
		Reason:     http.StatusText(resp.StatusCode),
	}
}

// history walks the redirect chain net/http leaves on Request.Response,
// oldest hop first.
func history(resp *http.Response) []*Response {
	var chain []*Response
	for prev := resp.Request.Response; prev != nil; prev = prev.Request.Response {
		chain = append([]*Response{capture(prev)}, chain...)
	}
	if chain == nil {
		chain = []*Response{}
	}
	return chain
}
