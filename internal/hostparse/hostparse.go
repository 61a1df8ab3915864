// Package hostparse splits the "host[:port]" addresses OSCAR servers hand
// out in redirects and users type into configs.
package hostparse

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the port OSCAR services listen on when none is given.
const DefaultPort = 5190

var ErrEmptyHost = errors.New("empty host")

// SplitHostPort parses addr, falling back to defaultPort when addr carries
// no port. Bracketed IPv6 literals are accepted with or without a port.
func SplitHostPort(addr string, defaultPort int) (host string, port int, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", 0, ErrEmptyHost
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		// no port: bare host, bare IPv6, or [v6]
		if strings.Count(addr, ":") > 1 && !strings.HasPrefix(addr, "[") {
			return addr, defaultPort, nil
		}
		h = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
		if strings.Contains(h, "]") || (strings.Contains(h, ":") && !strings.HasPrefix(addr, "[")) {
			return "", 0, fmt.Errorf("parse %q: %w", addr, err)
		}
		if h == "" {
			return "", 0, ErrEmptyHost
		}
		return h, defaultPort, nil
	}
	if h == "" {
		return "", 0, ErrEmptyHost
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return "", 0, fmt.Errorf("parse %q: bad port %q", addr, p)
	}
	return h, n, nil
}
