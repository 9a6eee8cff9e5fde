// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlockedAddress is returned for URLs that resolve to loopback,
// private, link-local or otherwise non-public addresses.
var ErrBlockedAddress = errors.New("blocked address")

func blockedIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// checkURL rejects non-http(s) schemes and literal blocked hosts before any
// network activity.
func checkURL(raw string, allowPrivate bool) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must use http or https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("invalid url: missing host")
	}
	if allowPrivate {
		return u, nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Errorf("%s: %w", host, ErrBlockedAddress)
	}
	if addr, err := netip.ParseAddr(host); err == nil && blockedIP(addr) {
		return nil, fmt.Errorf("%s: %w", host, ErrBlockedAddress)
	}
	return u, nil
}

// dialControl runs after DNS resolution, so hostnames pointing at private
// ranges and redirects to them are caught as well.
func dialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if blockedIP(addr) {
		return fmt.Errorf("%s: %w", host, ErrBlockedAddress)
	}
	return nil
}
