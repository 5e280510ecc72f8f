package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// HashKey returns the hex SHA-256 of s. Proxy IDs go through it before they
// become Redis keys so credentials never appear in the keyspace.
func HashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ResolveLink makes ref absolute against base. Refs that do not parse, and
// javascript: or fragment-only links, come back unchanged.
func ResolveLink(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if base == nil || ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// MaskProxy hides the password of a proxy URL so it can be logged or exposed.
func MaskProxy(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	pw, ok := u.User.Password()
	if !ok || pw == "" {
		return rawURL
	}
	return strings.Replace(rawURL, ":"+pw+"@", ":***@", 1)
}
