package crawler

import (
	"crypto/md5" //nolint:gosec // dedup fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

var blockedHostPrefixes = []string{"192.168.", "10.0.", "172.16.", "169.254."}

// ValidateURL accepts absolute http(s) URLs. Loopback, private and link-local
// hosts are rejected unless allowPrivate is set.
func ValidateURL(rawURL string, allowPrivate bool) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidSourceURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSourceURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidSourceURL, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidSourceURL)
	}
	if allowPrivate {
		return u, nil
	}
	if isBlockedHost(host) {
		return nil, fmt.Errorf("%w: host %s is not reachable", ErrInvalidSourceURL, host)
	}
	return u, nil
}

func isBlockedHost(host string) bool {
	if host == "localhost" || host == "0.0.0.0" {
		return true
	}
	for _, prefix := range blockedHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

// DedupKey builds "<prefix>_<ref>_<md5(url)>".
func DedupKey(prefix, ref, rawURL string) string {
	sum := md5.Sum([]byte(rawURL)) //nolint:gosec // see import
	return prefix + "_" + ref + "_" + hex.EncodeToString(sum[:])
}

// SourceRef renders a source ID for keys, "manual" when the page has no source.
func SourceRef(src *Source) string {
	if src == nil || src.ID == 0 {
		return "manual"
	}
	return strconv.FormatInt(src.ID, 10)
}

// SameHost reports whether two URLs share a host.
func SameHost(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Host, b.Host)
}
