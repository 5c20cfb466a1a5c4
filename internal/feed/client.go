package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout      = 20 * time.Second
	defaultMaxBodyBytes = 32 << 20

	acceptHeader = "application/rss+xml, application/xml, text/xml, */*"
)

// FetchErrorKind classifies why a fetch failed
type FetchErrorKind string

const (
	FetchNetwork    FetchErrorKind = "network"
	FetchTimeout    FetchErrorKind = "timeout"
	FetchHTTPStatus FetchErrorKind = "http-status"
)

// FetchError is returned for any failed feed retrieval
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("failed to fetch feed: unexpected status %d", e.StatusCode)
	case FetchTimeout:
		return fmt.Sprintf("failed to fetch feed: timeout: %v", e.Err)
	default:
		return fmt.Sprintf("failed to fetch feed: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClientConfig holds feed client settings
type ClientConfig struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// Client downloads raw feed documents
type Client struct {
	client       *resty.Client
	maxBodyBytes int64
	logger       *slog.Logger
}

// NewClient creates a feed client; it never retries
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	client.SetHeader("Accept", acceptHeader)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Client{
		client:       client,
		maxBodyBytes: maxBody,
		logger:       logger,
	}
}

// Fetch returns the response body of a successful GET
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()

	resp, err := c.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, classify(url, err)
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
		return nil, &FetchError{
			Kind:       FetchHTTPStatus,
			URL:        url,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("status %s", resp.Status()),
		}
	}

	data, err := io.ReadAll(io.LimitReader(body, c.maxBodyBytes+1))
	if err != nil {
		return nil, classify(url, err)
	}
	if int64(len(data)) > c.maxBodyBytes {
		return nil, &FetchError{
			Kind: FetchNetwork,
			URL:  url,
			Err:  fmt.Errorf("response body exceeds %d bytes", c.maxBodyBytes),
		}
	}

	c.logger.Debug("Feed fetched",
		slog.String("url", url),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)),
	)

	return data, nil
}

func classify(url string, err error) error {
	kind := FetchNetwork

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = FetchTimeout
	}

	return &FetchError{Kind: kind, URL: url, Err: err}
}
