// Package redact masks secrets and personal data before values reach logs,
// traces or diagnostic output.
package redact

import (
	"net/url"
	"regexp"
	"strings"
)

// Mask is the replacement used for fully hidden values.
const Mask = "[REDACTED]"

// sensitiveKeys are matched case-insensitively against field, header and
// query parameter names. A key matches if it contains any of these.
var sensitiveKeys = []string{
	"secret",
	"signature",
	"password",
	"passwd",
	"token",
	"authorization",
	"api_key",
	"apikey",
	"access_key",
	"private_key",
	"cookie",
}

// piiKeys hold personal data that is partially masked rather than dropped,
// so operators can still correlate records.
var piiKeys = map[string]func(string) string{
	"phone":     Phone,
	"to":        Phone,
	"from":      Phone,
	"recipient": Phone,
	"wa_id":     Phone,
	"email":     Email,
}

var (
	secretPattern = regexp.MustCompile(`whsec_[A-Za-z0-9]+`)
	sigPattern    = regexp.MustCompile(`sha256=[0-9a-fA-F]{16,}`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+\d[\d -]{8,}\d`)
)

// IsSensitiveKey reports whether a field name should never be logged in clear.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Secret keeps a recognizable prefix and the last four characters.
func Secret(s string) string {
	if s == "" {
		return ""
	}
	prefix := ""
	if i := strings.Index(s, "_"); i > 0 && i < 10 {
		prefix = s[:i+1]
	}
	rest := strings.TrimPrefix(s, prefix)
	if len(rest) <= 8 {
		return prefix + "****"
	}
	return prefix + "****" + rest[len(rest)-4:]
}

// Signature masks a signature header value, keeping its scheme.
func Signature(s string) string {
	if s == "" {
		return ""
	}
	if scheme, _, ok := strings.Cut(s, "="); ok {
		return scheme + "=****"
	}
	return "****"
}

// Phone keeps the country prefix and last four digits.
func Phone(s string) string {
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 7 {
		return s
	}
	var b strings.Builder
	seen := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			b.WriteRune(r)
			continue
		}
		seen++
		if seen <= 2 || seen > digits-4 {
			b.WriteRune(r)
		} else {
			b.WriteByte('*')
		}
	}
	return b.String()
}

// Email keeps the first character of the local part and the domain.
func Email(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || local == "" {
		return s
	}
	return local[:1] + "***@" + domain
}

// URL drops userinfo passwords and masks sensitive query parameters.
// Unparseable input is returned with embedded secrets masked.
func URL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Text(raw)
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "****")
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if IsSensitiveKey(k) || k == "key" || k == "sig" {
				q.Set(k, "****")
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Text masks secrets, signatures, bearer tokens, emails and phone numbers
// embedded in free text such as error messages.
func Text(s string) string {
	if s == "" {
		return s
	}
	s = secretPattern.ReplaceAllStringFunc(s, Secret)
	s = sigPattern.ReplaceAllStringFunc(s, Signature)
	s = bearerPattern.ReplaceAllString(s, "Bearer ****")
	s = emailPattern.ReplaceAllStringFunc(s, Email)
	s = phonePattern.ReplaceAllStringFunc(s, Phone)
	return s
}

// Value redacts a single value according to the key it is stored under.
func Value(key string, v any) any {
	if IsSensitiveKey(key) {
		if s, ok := v.(string); ok && s == "" {
			return s
		}
		return Mask
	}
	switch t := v.(type) {
	case string:
		if fn, ok := piiKeys[strings.ToLower(key)]; ok {
			return fn(t)
		}
		if strings.Contains(strings.ToLower(key), "url") {
			return URL(t)
		}
		return Text(t)
	case map[string]any:
		return Fields(t)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			if r, ok := Value(k, s).(string); ok {
				out[k] = r
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(key, e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i], _ = Value(key, e).(string)
		}
		return out
	case error:
		return Text(t.Error())
	default:
		return v
	}
}

// Fields returns a redacted deep copy of a field map. The input is not modified.
func Fields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = Value(k, v)
	}
	return out
}

// Headers flattens and redacts HTTP-style headers for diagnostics.
func Headers(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		v := strings.Join(vs, ",")
		switch {
		case strings.Contains(strings.ToLower(k), "signature"):
			out[k] = Signature(v)
		case IsSensitiveKey(k):
			out[k] = Mask
		default:
			out[k] = Text(v)
		}
	}
	return out
}
