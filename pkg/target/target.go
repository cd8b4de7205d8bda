// Package target validates scan targets before any container is created.
// Accepted forms: an http(s) URL without embedded credentials, a single
// IPv4/IPv6 address, a CIDR block, or an inclusive A-B address range.
package target

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/sentinelsec/nuclei-orchestrator/pkg/errs"
)

var hostnameRe = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,63}$`)

// Validate checks a raw target string and returns a normalized form, or an
// invalid-input error describing why it was rejected.
func Validate(raw string) (string, error) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return "", errs.New(errs.KindInvalidInput, "empty target")
	}

	if strings.Contains(t, "://") {
		return validateURL(t)
	}

	// Single IP.
	if ip := net.ParseIP(t); ip != nil {
		return t, nil
	}

	// CIDR block.
	if _, _, err := net.ParseCIDR(t); err == nil {
		return t, nil
	}

	// Inclusive A-B range. IPv6 addresses contain colons, never dashes in
	// this position, so splitting on the last dash is safe for IPv4 ranges.
	if i := strings.LastIndex(t, "-"); i > 0 {
		lo, hi := net.ParseIP(t[:i]), net.ParseIP(t[i+1:])
		if lo != nil && hi != nil {
			return t, nil
		}
	}

	// Bare hostname; treated like a URL authority without a scheme.
	if hostnameRe.MatchString(t) {
		return t, nil
	}

	return "", errs.New(errs.KindInvalidInput, "invalid target %q", raw)
}

func validateURL(t string) (string, error) {
	u, err := url.Parse(t)
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidInput, err, "invalid target URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errs.New(errs.KindInvalidInput, "unsupported scheme %q", u.Scheme)
	}
	if u.User != nil {
		return "", errs.New(errs.KindInvalidInput, "target URL must not embed credentials")
	}
	host := u.Hostname()
	if host == "" {
		return "", errs.New(errs.KindInvalidInput, "target URL has no host")
	}
	if net.ParseIP(host) == nil && !hostnameRe.MatchString(host) && host != "localhost" {
		return "", errs.New(errs.KindInvalidInput, "invalid host %q", host)
	}
	return t, nil
}
