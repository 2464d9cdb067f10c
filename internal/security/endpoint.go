package security

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// IsPublicAddr reports whether addr is a routable public address.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() && !(addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast())
}

// ValidateEndpointURL checks that an outbound collaborator URL (such as the
// geolocation service) does not point into the private network. Literal
// hosts and every DNS answer are checked.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if strings.EqualFold(host, "localhost") || strings.HasPrefix(strings.ToLower(host), "metadata.") {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !IsPublicAddr(addr) {
			return fmt.Errorf("URL host %q is not a public address", host)
		}
		return nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, ip := range ips {
		if addr, err := netip.ParseAddr(ip); err == nil && !IsPublicAddr(addr) {
			return fmt.Errorf("URL host %q resolves to non-public address %s", host, ip)
		}
	}
	return nil
}
