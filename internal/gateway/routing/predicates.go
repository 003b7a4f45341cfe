package routing

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// PathPredicate matches the request path against one or more ant patterns.
type PathPredicate struct {
	Patterns []string
}

func (p *PathPredicate) Name() string { return "Path" }

func (p *PathPredicate) Match(ex *Exchange) bool {
	for _, pattern := range p.Patterns {
		if vars, ok := MatchPathVars(pattern, ex.Request.URL.Path); ok {
			for k, v := range vars {
				ex.Vars[k] = v
			}
			return true
		}
	}
	return false
}

// MethodPredicate matches the request method, case-insensitively.
type MethodPredicate struct {
	Methods []string
}

func (p *MethodPredicate) Name() string { return "Method" }

func (p *MethodPredicate) Match(ex *Exchange) bool {
	for _, m := range p.Methods {
		if strings.EqualFold(m, ex.Request.Method) {
			return true
		}
	}
	return false
}

// HeaderPredicate requires a header, optionally matching a regular expression.
type HeaderPredicate struct {
	Header string
	Regexp *regexp.Regexp
}

func (p *HeaderPredicate) Name() string { return "Header" }

func (p *HeaderPredicate) Match(ex *Exchange) bool {
	values := ex.Request.Header.Values(p.Header)
	if len(values) == 0 {
		return false
	}
	if p.Regexp == nil {
		return true
	}
	for _, v := range values {
		if p.Regexp.MatchString(v) {
			return true
		}
	}
	return false
}

// HostPredicate matches the Host header against dot-separated patterns
// such as `**.example.com` or `api.*.example.com`.
type HostPredicate struct {
	Patterns []*regexp.Regexp
}

func (p *HostPredicate) Name() string { return "Host" }

func (p *HostPredicate) Match(ex *Exchange) bool {
	host := ex.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, re := range p.Patterns {
		if re.MatchString(strings.ToLower(host)) {
			return true
		}
	}
	return false
}

// compileHostPattern turns a host pattern into an anchored regexp.
func compileHostPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty host pattern")
	}
	var b strings.Builder
	b.WriteString("^")
	labels := strings.Split(strings.ToLower(pattern), ".")
	for i, label := range labels {
		switch label {
		case "**":
			if i < len(labels)-1 {
				b.WriteString(`(?:[^.]+\.)*`)
				continue
			}
			b.WriteString(`.*`)
		default:
			b.WriteString(strings.ReplaceAll(regexp.QuoteMeta(label), `\*`, `[^.]*`))
		}
		if i < len(labels)-1 {
			b.WriteString(`\.`)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// QueryPredicate requires a query parameter, optionally matching a regular expression.
type QueryPredicate struct {
	Param  string
	Regexp *regexp.Regexp
}

func (p *QueryPredicate) Name() string { return "Query" }

func (p *QueryPredicate) Match(ex *Exchange) bool {
	values, ok := ex.Request.URL.Query()[p.Param]
	if !ok {
		return false
	}
	if p.Regexp == nil {
		return true
	}
	for _, v := range values {
		if p.Regexp.MatchString(v) {
			return true
		}
	}
	return false
}
