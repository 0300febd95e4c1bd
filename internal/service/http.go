package service

import (
	"context"
	"crypto/sha1" //nolint:gosec // checksum hook compares against caller supplied SHA-1 digests
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	fileutil "queuedownloader/internal/file"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPName is the tag of the generic HTTP fetcher.
const HTTPName = "HTTPService"

const defaultUserAgent = "queuedownloader"

// HTTPOptions configures the generic fetcher.
type HTTPOptions struct {
	// Timeout bounds a whole transfer. Zero means no limit.
	Timeout   time.Duration
	UserAgent string
	// RPS and Burst throttle outbound requests; set both or neither.
	RPS    int
	Burst  int
	Logger *zerolog.Logger
	// Transport overrides the base round tripper (tests).
	Transport http.RoundTripper
}

// HTTP fetches plain http(s) resources. It is the fallback variant.
type HTTP struct {
	client    *http.Client
	userAgent string
	log       *zerolog.Logger
}

// NewHTTP builds the fetcher.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	if opts.Logger == nil {
		opts.Logger = &log.Logger
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	transport := opts.Transport
	if opts.RPS > 0 || opts.Burst > 0 {
		throttled, err := newThrottle(opts.RPS, opts.Burst, opts.Logger, transport)
		if err != nil {
			return nil, fmt.Errorf("throttle: %w", err)
		}
		transport = throttled
	}
	return &HTTP{
		client:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent: opts.UserAgent,
		log:       opts.Logger,
	}, nil
}

func (h *HTTP) Name() string { return HTTPName }

// Supported accepts absolute http and https URLs.
func (h *HTTP) Supported(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// FileSize issues a HEAD request and reads Content-Length.
func (h *HTTP) FileSize(ctx context.Context, rawURL string, creds *Credentials) (int64, bool) {
	req, err := h.newRequest(ctx, http.MethodHead, rawURL, creds)
	if err != nil {
		return 0, false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.log.Debug().Str("url", rawURL).Err(err).Msg("size probe failed")
		return 0, false
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

func (h *HTTP) New(req Request) (Service, error) {
	if !h.Supported(req.URL) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, req.URL)
	}
	return &httpDownload{fetcher: h, req: req}, nil
}

func (h *HTTP) newRequest(ctx context.Context, method, rawURL string, creds *Credentials) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSpace(rawURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	if creds != nil && creds.User != "" && creds.Password != "" {
		req.SetBasicAuth(creds.User, creds.Password)
	}
	return req, nil
}

type httpDownload struct {
	lifecycle
	fetcher *HTTP
	req     Request
}

func (d *httpDownload) Execute(parent context.Context) (bool, error) {
	ctx, end := d.begin(parent)
	defer end()

	err := d.fetch(ctx)
	if err != nil && d.stopped(ctx) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *httpDownload) fetch(ctx context.Context) error {
	req, err := d.fetcher.newRequest(ctx, http.MethodGet, d.req.URL, d.req.Credentials)
	if err != nil {
		return err
	}
	resp, err := d.fetcher.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Err: ErrUnexpectedStatus, Detail: fmt.Sprintf("http %d", resp.StatusCode)}
	}

	checks := []func(int64) error{lengthCheck(resp.ContentLength)}
	var body io.Reader = resp.Body
	if d.req.Checksum != "" {
		digest := sha1.New() //nolint:gosec // see import
		body = io.TeeReader(body, digest)
		checks = append(checks, checksumCheck(digest, d.req.Checksum))
	}

	dest := filepath.Join(d.req.Dir, deriveFilename(d.req.URL))
	written, err := fileutil.CopyAtomic(dest, body, checks...)
	if err != nil {
		return fmt.Errorf("store %s: %w", dest, err)
	}
	d.fetcher.log.Debug().Str("task_id", d.req.TaskID).Str("path", dest).Int64("bytes", written).Msg("download stored")
	return nil
}

// deriveFilename extracts a filename from the URL path, falling back to "download".
func deriveFilename(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if u, err := url.Parse(trimmed); err == nil {
		trimmed = u.Path
	}
	base := path.Base(trimmed)
	if base == "/" || base == "." || base == "" {
		return "download"
	}
	return base
}

func lengthCheck(expected int64) func(int64) error {
	return func(written int64) error {
		if expected >= 0 && written != expected {
			return &Error{Err: ErrContentLengthMismatch, Detail: fmt.Sprintf("expected %d bytes, got %d", expected, written)}
		}
		return nil
	}
}

func checksumCheck(digest hash.Hash, expected string) func(int64) error {
	return func(int64) error {
		actual := hex.EncodeToString(digest.Sum(nil))
		if !strings.EqualFold(actual, expected) {
			return &Error{Err: ErrChecksumMismatch, Detail: fmt.Sprintf("expected %s, got %s", expected, actual)}
		}
		return nil
	}
}
