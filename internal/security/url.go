// Package security validates user-supplied addresses before they are
// published on a profile page.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Link URL problems reported by ValidateLinkURL.
var (
	ErrScheme   = errors.New("link URL scheme must be http or https")
	ErrNoHost   = errors.New("link URL must have a host")
	ErrInternal = errors.New("link URL must point to a public address")
)

// ValidateLinkURL reports whether rawURL is safe to show to visitors. Only
// http and https are allowed, which rules out javascript: and data: links,
// and hosts that visitors cannot reach (localhost, loopback, private,
// link-local and unspecified addresses) are refused.
func ValidateLinkURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w, got %q", ErrScheme, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return ErrNoHost
	}

	hostLower := strings.ToLower(host)
	if hostLower == "localhost" || hostLower == "localhost.localdomain" || strings.HasSuffix(hostLower, ".localhost") {
		return fmt.Errorf("%w: %s is local", ErrInternal, host)
	}

	// Hostnames are not resolved; the visitor's resolver decides where they go.
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: %s is a loopback address", ErrInternal, host)
	case ip.IsPrivate():
		return fmt.Errorf("%w: %s is a private network address", ErrInternal, host)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: %s is a link-local address", ErrInternal, host)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: %s is an unspecified address", ErrInternal, host)
	}
	return nil
}
