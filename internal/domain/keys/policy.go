package keys

import (
	"net/netip"
	"strings"
	"time"
)

// Verdict is the outcome of evaluating a key against its policy.
type Verdict string

const (
	VerdictValid         Verdict = "VALID"
	VerdictNotFound      Verdict = "NOT_FOUND"
	VerdictForbidden     Verdict = "FORBIDDEN"
	VerdictDisabled      Verdict = "DISABLED"
	VerdictExpired       Verdict = "EXPIRED"
	VerdictUsageExceeded Verdict = "KEY_USAGE_EXCEEDED"
)

// Code returns the machine code exposed to verification callers. Not-found
// and expired keys are reported as a bare valid:false.
func (v Verdict) Code() string {
	switch v {
	case VerdictValid, VerdictNotFound, VerdictExpired:
		return ""
	default:
		return string(v)
	}
}

// Subject is everything the policy needs to decide on a single request.
type Subject struct {
	Key        *Key
	Auth       *KeyAuth
	SourceAddr string
	Now        time.Time
}

type rule struct {
	verdict Verdict
	match   func(s Subject) bool
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{VerdictNotFound, func(s Subject) bool {
		return s.Key == nil || s.Auth == nil || s.Key.Deleted() || s.Auth.Deleted()
	}},
	{VerdictForbidden, func(s Subject) bool {
		return len(s.Auth.IPWhitelist) > 0 && !whitelisted(s.Auth.IPWhitelist, s.SourceAddr)
	}},
	{VerdictDisabled, func(s Subject) bool {
		return !s.Key.Enabled
	}},
	{VerdictExpired, func(s Subject) bool {
		return s.Key.Expires != nil && !s.Key.Expires.After(s.Now)
	}},
	{VerdictUsageExceeded, func(s Subject) bool {
		return s.Key.Remaining != nil && *s.Key.Remaining <= 0
	}},
}

// Evaluate applies the policy rules to s. It never mutates the key.
func Evaluate(s Subject) Verdict {
	for _, r := range rules {
		if r.match(s) {
			return r.verdict
		}
	}
	return VerdictValid
}

// whitelisted reports whether addr matches one of the entries. Entries are
// single addresses or CIDR prefixes; unparsable entries fall back to exact
// string comparison.
func whitelisted(entries []string, addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err == nil {
		ip = ip.Unmap()
	}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == addr {
			return true
		}
		if err != nil {
			continue
		}
		if strings.Contains(entry, "/") {
			if p, perr := netip.ParsePrefix(entry); perr == nil && p.Contains(ip) {
				return true
			}
			continue
		}
		if a, aerr := netip.ParseAddr(entry); aerr == nil && a.Unmap() == ip {
			return true
		}
	}
	return false
}
