package dnroute

import (
	"strings"
)

// CanonicalizeDN normalizes a distinguished name before routing: case is
// folded and blanks around RDN separators are dropped.
func CanonicalizeDN(dn string) string {
	parts := strings.Split(strings.TrimSpace(dn), ",")
	for i, p := range parts {
		rdn := strings.TrimSpace(p)
		if eq := strings.IndexByte(rdn, '='); eq > 0 {
			rdn = strings.TrimSpace(rdn[:eq]) + "=" + strings.TrimSpace(rdn[eq+1:])
		}
		parts[i] = strings.ToLower(rdn)
	}
	return strings.Join(parts, ",")
}

// IsSuffix reports whether base names dn or one of its ancestors. Both
// arguments must already be canonical.
func IsSuffix(dn, base string) bool {
	if base == "" {
		return false
	}
	if dn == base {
		return true
	}
	return strings.HasSuffix(dn, ","+base)
}
