package fields

import (
	"regexp"
	"sync"
)

var formatPatterns = map[string]*regexp.Regexp{
	"email":     regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`),
	"url":       regexp.MustCompile(`^https?://[^\s/$.?#][^\s]*$`),
	"phone":     regexp.MustCompile(`^\+?[0-9][0-9\s\-().]{5,19}$`),
	"uuid":      regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
	"slug":      regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`),
	"hex_color": regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`),
	"ipv4":      regexp.MustCompile(`^(?:(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])\.){3}(?:25[0-5]|2[0-4][0-9]|1[0-9]{2}|[1-9]?[0-9])$`),
}

// Formats lists the supported format names
func Formats() []string {
	return []string{"email", "url", "phone", "uuid", "slug", "hex_color", "ipv4"}
}

// MatchFormat checks s against a named format. Unknown formats never match.
func MatchFormat(format, s string) bool {
	re, ok := formatPatterns[format]
	return ok && re.MatchString(s)
}

var patternCache sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
