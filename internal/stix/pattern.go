package stix

import (
	"fmt"
	"regexp"
	"strings"

	"webcontent/reputation-service/internal/content"
)

var patternRe = regexp.MustCompile(`^\[(domain-name|ipv4-addr|ipv6-addr|url):value\s*=\s*'((?:[^'\\]|\\.)*)'\]$`)

var (
	escaper   = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	unescaper = strings.NewReplacer(`\\`, `\`, `\'`, `'`)
)

// PatternFor renders the STIX pattern matching c, e.g. "[domain-name:value = 'example.com']".
func PatternFor(c content.Content) string {
	return fmt.Sprintf("[%s:value = '%s']", c.Type, escaper.Replace(c.Value))
}

// ParsePattern is the inverse of PatternFor for single-comparison patterns.
func ParsePattern(pattern string) (content.Content, error) {
	m := patternRe.FindStringSubmatch(strings.TrimSpace(pattern))
	if m == nil {
		return content.Content{}, fmt.Errorf("unsupported pattern: %s", pattern)
	}
	return content.New(content.Type(m[1]), unescaper.Replace(m[2]))
}
