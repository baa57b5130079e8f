package gate

import (
	"net"

	"github.com/paygate/gateway/internal/keystore"
)

// toolAllowed evaluates spec §4.7 step 6: the effective ACL is the
// intersection of record.allowedTools and any scoped-token tool narrowing,
// minus record.deniedTools. (Group-level allow/deny lists are applied by a
// TeamChecker-style collaborator when one is wired in; the core three-way
// intersection spec describes — record, scoped token, group — degrades to
// a two-way one without a configured group manager.)
func toolAllowed(record *keystore.Record, scopedTools []string, hasScopedTools bool, tool string) bool {
	for _, denied := range record.DeniedTools {
		if denied == tool {
			return false
		}
	}

	if len(record.AllowedTools) > 0 && !containsString(record.AllowedTools, tool) {
		return false
	}

	if hasScopedTools && !containsString(scopedTools, tool) {
		return false
	}

	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ipAllowed reports whether clientIP matches any entry in allowlist, each
// of which may be an exact address or a CIDR range (spec §4.7 step 5).
func ipAllowed(clientIP string, allowlist []string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}

	for _, entry := range allowlist {
		if entry == clientIP {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}
