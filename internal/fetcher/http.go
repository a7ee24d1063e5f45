package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/net/publicsuffix"
)

// SessionOptions configures an HTTP session.
type SessionOptions struct {
	// Timeout bounds connection setup and the wait for response headers. The
	// body stream is bounded by the engine's inactivity watchdog instead.
	Timeout time.Duration
}

// NewSession returns an HTTP client with a cookie jar so authentication state
// set by the server persists across sequential fetches.
func NewSession(opts SessionOptions) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, eris.Wrap(err, "session: cookie jar")
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
	}
	return &http.Client{
		Jar:       jar,
		Transport: transport,
	}, nil
}

// httpSource speaks HTTP(S) to a single URL.
type httpSource struct {
	client    *http.Client
	url       string
	userAgent string
	limiter   *AdaptiveLimiter
}

func (s *httpSource) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "create %s request", method)
	}
	req.Header.Set("User-Agent", s.userAgent)
	if method == http.MethodGet {
		// Transparent gzip would make the body length disagree with the
		// negotiated Content-Length.
		req.Header.Set("Accept-Encoding", "identity")
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s request", method)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		s.limiter.OnRateLimit()
	} else if resp.StatusCode < 400 {
		s.limiter.OnSuccess()
	}
	return resp, nil
}

func (s *httpSource) probe(ctx context.Context) (*RemoteMetadata, error) {
	resp, err := s.do(ctx, http.MethodHead)
	if err != nil {
		return nil, newFetchError(ReasonMetadataUnavailable, 0, "", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, newFetchError(ReasonMetadataUnavailable, resp.StatusCode, "",
			eris.Errorf("HEAD %s", s.url))
	}
	return metadataFromHeader(s.url, resp.Header), nil
}

func (s *httpSource) open(ctx context.Context, reason Reason) (io.ReadCloser, *RemoteMetadata, error) {
	resp, err := s.do(ctx, http.MethodGet)
	if err != nil {
		return nil, nil, newFetchError(reason, 0, "", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, nil, newFetchError(reason, resp.StatusCode, "",
			eris.Errorf("GET %s", s.url))
	}
	return resp.Body, metadataFromHeader(s.url, resp.Header), nil
}
