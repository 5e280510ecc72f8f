package utils

import "strings"

// AcceptLanguage turns a locale such as "en-GB" into an Accept-Language value ("en-GB,en;q=0.9").
func AcceptLanguage(locale string) string {
	if locale == "" {
		return "en-US,en;q=0.9"
	}
	base, _, found := strings.Cut(locale, "-")
	if !found {
		return locale
	}
	return locale + "," + base + ";q=0.9"
}

// BrowserHeaders returns the navigation headers a desktop browser sends for a top-level document.
func BrowserHeaders(userAgent, locale string) map[string]string {
	return map[string]string{
		"User-Agent":                userAgent,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language":           AcceptLanguage(locale),
		"DNT":                       "1",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Cache-Control":             "max-age=0",
	}
}
