package rules

import (
	"strconv"
	"strings"
)

var domainPrefixes = []string{"http://", "https://", "www."}

// NormalizeDomain reduces a user-entered domain or URL to a bare host name:
// lowercased, scheme and "www." stripped, path dropped. Applying it twice
// yields the same result as applying it once.
func NormalizeDomain(s string) string {
	d := strings.ToLower(s)
	for {
		prev := d
		d = strings.TrimSpace(d)
		for _, p := range domainPrefixes {
			d = strings.TrimPrefix(d, p)
		}
		if d == prev {
			break
		}
	}
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return strings.TrimRight(d, " \t\r\n/")
}

// ValidSubnet reports whether s has the form A.B.C.D/N with octets 0-255
// and a prefix length of 0-32. Host bits may be set.
func ValidSubnet(s string) bool {
	addr, prefix, ok := strings.Cut(s, "/")
	if !ok || !validIPv4(addr) {
		return false
	}
	return validNumber(prefix, 2, 32)
}

// ValidDNSServer accepts a dotted-quad IPv4 address or anything shaped like
// an IPv6 address: at least one colon and 2-8 colon-separated groups of up
// to four hex digits (empty groups allowed).
func ValidDNSServer(s string) bool {
	if validIPv4(s) {
		return true
	}
	if !strings.Contains(s, ":") {
		return false
	}
	groups := strings.Split(s, ":")
	if len(groups) < 2 || len(groups) > 8 {
		return false
	}
	for _, g := range groups {
		if len(g) > 4 {
			return false
		}
		for _, c := range g {
			if !isHex(c) {
				return false
			}
		}
	}
	return true
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if !validNumber(p, 3, 255) {
			return false
		}
	}
	return true
}

// validNumber checks s is 1..maxDigits decimal digits with value <= max.
func validNumber(s string, maxDigits, max int) bool {
	if len(s) == 0 || len(s) > maxDigits {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(s)
	return err == nil && n <= max
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
