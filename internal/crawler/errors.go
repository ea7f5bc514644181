package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error taxonomy for acquisition. ErrDuplicateContent and ErrNotModified are skip signals.
var (
	ErrInvalidSourceURL  = errors.New("invalid source url")
	ErrNetworkTimeout    = errors.New("network timeout")
	ErrNetworkConnection = errors.New("network connection error")
	ErrRateLimited       = errors.New("rate limited or forbidden")
	ErrMalformedFeed     = errors.New("malformed feed")
	ErrRobotsDisallowed  = errors.New("Scraping not allowed by robots.txt")
	ErrContentTooShort   = errors.New("content too short")
	ErrDuplicateContent  = errors.New("duplicate content")
	ErrProxyUnavailable  = errors.New("no healthy proxy available")
	ErrUnknownSourceType = errors.New("unknown source type")
	ErrNotModified       = errors.New("not modified")
	ErrSourceNotFound    = errors.New("source not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrMissingFields     = errors.New("missing title or link")
)

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d for %s", e.Code, e.URL)
}

// Unwrap maps 403/429 onto ErrRateLimited.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusForbidden || e.Code == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// ClassifyNetworkError tags a transport failure as a timeout or connection error.
func ClassifyNetworkError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNetworkTimeout) || errors.Is(err, ErrNetworkConnection) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrNetworkTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrNetworkTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrNetworkConnection, err)
}

// IsSkip reports whether err is a skip signal rather than a failure.
func IsSkip(err error) bool {
	return errors.Is(err, ErrDuplicateContent) || errors.Is(err, ErrNotModified)
}
