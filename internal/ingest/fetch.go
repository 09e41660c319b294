package ingest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// maxFetchBytes bounds how much of a remote document is read.
const maxFetchBytes = 20 << 20

// FetchResult is a successful URL download.
type FetchResult struct {
	Body        []byte
	ContentType string
	FinalURL    string
	Status      int
}

// Fetcher downloads URLs after SSRF validation. The dialer re-validates
// every socket address, so redirects and DNS rebinding cannot escape the
// guard.
type Fetcher struct {
	guard  *SsrfGuard
	client *http.Client
}

// NewFetcher creates a fetcher with the given per-request timeout.
func NewFetcher(guard *SsrfGuard, timeout time.Duration) *Fetcher {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("dial to non-IP address %q", host)
			}
			if reason := blockedAddress(ip); reason != "" {
				return fmt.Errorf("blocked: %s", reason)
			}
			return nil
		},
	}

	return &Fetcher{
		guard: guard,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				MaxIdleConns:          20,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

// Fetch validates and downloads one URL. SSRF rejections come back as
// *SsrfError; other failures are plain errors attributed to the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	if _, err := f.guard.Check(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "corpus-engine/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchStatusError{URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	return &FetchResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
		Status:      resp.StatusCode,
	}, nil
}

// FetchStatusError is a non-2xx response; its status lands in the per-item
// ingest error.
type FetchStatusError struct {
	URL    string
	Status int
}

func (e *FetchStatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
}
