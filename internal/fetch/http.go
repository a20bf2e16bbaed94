package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/net/ssrf"
)

// HTTPFetcher retrieves documents over http(s), guarding against SSRF by
// rejecting loopback/private/link-local/metadata-service destinations.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher builds an HTTPFetcher with a 15s timeout and a 10MB body cap.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		maxBytes: 10 << 20,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, source string) (Document, error) {
	if err := validateFetchURL(source); err != nil {
		return Document{}, errs.Wrap(errs.KindValidation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Document{}, errs.Wrap(errs.KindValidation, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConclaveBot/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, errs.Wrap(errs.KindTransient, fmt.Errorf("fetch %s: %w", source, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Document{}, errs.Wrap(errs.KindTransient, fmt.Errorf("fetch %s: HTTP %d", source, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Document{}, errs.New(errs.KindValidation, fmt.Sprintf("fetch %s: HTTP %d", source, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return Document{}, errs.Wrap(errs.KindTransient, fmt.Errorf("read body: %w", err))
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return Document{
		Content:    body,
		MimeType:   mimeType,
		SourceType: "url",
		SourceURI:  source,
	}, nil
}

func validateFetchURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	return ssrf.ValidatePublicHostname(hostname)
}
