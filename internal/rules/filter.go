package rules

import (
	"regexp"
	"strings"
)

// filter matches URLs against a declarativeNetRequest urlFilter:
//
//	*    any run of characters
//	^    a separator character or the end of the URL
//	|    anchors the start or end of the URL
//	||   anchors the start of the host or of one of its subdomains
//
// Matching is case-insensitive.
type filter struct {
	re *regexp.Regexp
}

const separatorClass = `(?:[^a-zA-Z0-9_\-.%]|$)`

func compileFilter(pattern string) (*filter, error) {
	var b strings.Builder
	b.WriteString("(?i)")

	switch {
	case strings.HasPrefix(pattern, "||"):
		pattern = pattern[2:]
		b.WriteString(`^[a-z][a-z0-9+.\-]*://(?:[^/?#@]*@)?(?:[^/?#:]*\.)?`)
	case strings.HasPrefix(pattern, "|"):
		pattern = pattern[1:]
		b.WriteString("^")
	}

	endAnchor := false
	if strings.HasSuffix(pattern, "|") {
		pattern = pattern[:len(pattern)-1]
		endAnchor = true
	}

	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(separatorClass)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if endAnchor {
		b.WriteString("$")
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &filter{re: re}, nil
}

func (f *filter) match(rawURL string) bool {
	return f.re.MatchString(rawURL)
}
