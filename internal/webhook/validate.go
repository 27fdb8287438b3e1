package webhook

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/austindbirch/hookline/internal/logging"
	"github.com/austindbirch/hookline/internal/redact"
)

// Validation is the result of checking an endpoint URL.
type Validation struct {
	Valid    bool
	URL      string   // the URL to send to, surrounding whitespace removed
	Reason   string   // why the URL was rejected
	Warnings []string // non-fatal findings, e.g. a private host in production
}

// Validator checks endpoint URLs before each attempt. Outside development it
// warns about loopback and private hosts but does not block them.
type Validator struct {
	Development bool
	Logger      *logging.Logger
}

// ValidateURL reports whether raw is an absolute http or https URL with a host.
func ValidateURL(raw string) bool {
	_, reason := parseEndpoint(raw)
	return reason == ""
}

func parseEndpoint(raw string) (*url.URL, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "empty url"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "unparseable url"
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return nil, "missing scheme"
	default:
		return nil, "unsupported scheme " + u.Scheme
	}
	if u.Hostname() == "" {
		return nil, "missing host"
	}
	return u, ""
}

// Check validates raw and collects warnings about its host.
func (v Validator) Check(raw string) Validation {
	u, reason := parseEndpoint(raw)
	if reason != "" {
		return Validation{Reason: reason}
	}

	res := Validation{Valid: true, URL: strings.TrimSpace(raw)}
	if v.Development {
		return res
	}

	if w := hostWarning(u.Hostname()); w != "" {
		res.Warnings = append(res.Warnings, w)
		if v.Logger != nil {
			v.Logger.Plain().
				WithField("url", redact.URL(raw)).
				Warnf("webhook endpoint %s", w)
		}
	}
	return res
}

func hostWarning(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return "targets a loopback host"
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return "targets a loopback address"
	case addr.IsPrivate():
		return "targets a private network address"
	case addr.IsLinkLocalUnicast():
		return "targets a link-local address"
	case addr.IsUnspecified():
		return "targets an unspecified address"
	}
	return ""
}
