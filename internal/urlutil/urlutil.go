package urlutil

import (
	"net/url"
	"strings"
)

// BuildAbsolute builds an absolute URL from a base origin and a path.
func BuildAbsolute(base, path string) string {
	base = normalizeBaseURL(base)
	if path == "" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "#") {
		return base + path
	}
	return base + "/" + path
}

// Origin returns scheme://host of raw, or "" when raw is not absolute.
func Origin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// ContainsOrigin reports whether current lives under base: same origin, and
// current's path starts with base's path when base has one.
func ContainsOrigin(current, base string) bool {
	cu, err := url.Parse(strings.TrimSpace(current))
	if err != nil {
		return false
	}
	bu, err := url.Parse(normalizeBaseURL(base))
	if err != nil || bu.Host == "" {
		return false
	}
	if !strings.EqualFold(cu.Scheme, bu.Scheme) || !strings.EqualFold(cu.Host, bu.Host) {
		return false
	}
	if bu.Path == "" {
		return true
	}
	return cu.Path == bu.Path || strings.HasPrefix(cu.Path, bu.Path+"/")
}

func normalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/")
}
