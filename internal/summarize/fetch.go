package summarize

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/Jay-Karia/wherewasi-sub000/internal/types"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Fetcher downloads pages and extracts their readable text. GETs are
// idempotent, so transport errors and 5xx replies are retried.
type Fetcher struct {
	client *retryablehttp.Client
}

// NewFetcher creates a Fetcher with a per-attempt timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return &Fetcher{client: c}
}

// FetchReadable fetches rawURL and extracts readable text content.
// Returns the article title and extracted text.
// Returns an error for non-HTTP URLs or if extraction fails.
func (f *Fetcher) FetchReadable(ctx context.Context, rawURL string) (title, text string, err error) {
	if types.IsInternalURL(rawURL) {
		return "", "", fmt.Errorf("skipping non-HTTP URL: %s", rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", fmt.Errorf("skipping non-HTTP URL: %s", rawURL)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", &types.TransientError{Op: "fetch " + rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return "", "", fmt.Errorf("extract readable content from %s: %w", rawURL, err)
	}

	return article.Title, article.TextContent, nil
}
