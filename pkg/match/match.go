// Package match decides whether a request URL belongs to a handler, using a
// regular expression or a glob assembled from prefix and suffix parameters.
package match

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aluko123/adblock-proxy/pkg/config"
)

// Params configures a Matcher. Match takes precedence over Glob, and Glob
// over Prefix/Suffix.
type Params struct {
	Prefix     string
	Suffix     string
	Glob       string
	Match      string
	IgnoreCase bool
	Invert     bool
}

// ParamsFromProps reads the prefix, suffix, glob, match, ignoreCase and
// invert properties.
func ParamsFromProps(p config.Props) Params {
	return Params{
		Prefix:     p.String("prefix", ""),
		Suffix:     p.String("suffix", ""),
		Glob:       p.String("glob", ""),
		Match:      p.String("match", ""),
		IgnoreCase: p.Bool("ignoreCase", false),
		Invert:     p.Bool("invert", false),
	}
}

type Matcher struct {
	re     *regexp.Regexp
	glob   string
	fold   bool
	invert bool
}

// New compiles params. With nothing set the matcher accepts every URL.
func New(p Params) (*Matcher, error) {
	m := &Matcher{invert: p.Invert, fold: p.IgnoreCase}
	if p.Match != "" {
		expr := p.Match
		if p.IgnoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", p.Match, err)
		}
		m.re = re
		return m, nil
	}
	m.glob = p.Glob
	if m.glob == "" {
		m.glob = p.Prefix + "*" + p.Suffix
	}
	if m.fold {
		m.glob = strings.ToLower(m.glob)
	}
	return m, nil
}

// Matches reports whether url is accepted, after inversion.
func (m *Matcher) Matches(url string) bool {
	var ok bool
	if m.re != nil {
		ok = m.re.MatchString(url)
	} else {
		if m.fold {
			url = strings.ToLower(url)
		}
		ok = Glob(m.glob, url)
	}
	return ok != m.invert
}

func (m *Matcher) String() string {
	if m.re != nil {
		return "match=" + m.re.String()
	}
	return "glob=" + m.glob
}

// Glob matches s against pattern. '*' matches any run of characters
// including '/', '?' matches one character, "[a-z]" matches a class and
// a backslash quotes the next character.
func Glob(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if Glob(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
		case '[':
			if s == "" {
				return false
			}
			end := strings.IndexByte(pattern[1:], ']')
			if end < 0 {
				if s[0] != '[' {
					return false
				}
				break
			}
			if !inClass(pattern[1:end+1], s[0]) {
				return false
			}
			pattern = pattern[end+2:]
			s = s[1:]
			continue
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if s == "" || s[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		s = s[1:]
	}
	return s == ""
}

func inClass(class string, c byte) bool {
	for i := 0; i < len(class); i++ {
		if i+2 < len(class) && class[i+1] == '-' {
			if class[i] <= c && c <= class[i+2] {
				return true
			}
			i += 2
			continue
		}
		if class[i] == c {
			return true
		}
	}
	return false
}
