// Package routing compiles the gateway route table and forwards admitted requests
// to the matching upstream.
package routing

import (
	"net/http"
	"net/url"
)

// Predicate is one matching condition of a route. All predicates of a route must hold.
type Predicate interface {
	Name() string
	Match(ex *Exchange) bool
}

// Filter rewrites the outbound request or records response headers. Filters run in
// declared order; a non-nil error aborts the exchange and is rendered as the response.
type Filter interface {
	Name() string
	Apply(ex *Exchange) error
}

// Route is one compiled, immutable table entry.
type Route struct {
	ID         string
	URI        *url.URL
	Predicates []Predicate
	Filters    []Filter
}

// Matches evaluates the predicates in order and stops at the first miss.
func (r *Route) Matches(ex *Exchange) bool {
	for _, p := range r.Predicates {
		if !p.Match(ex) {
			return false
		}
	}
	return true
}

// Exchange carries one request through matching and filtering.
type Exchange struct {
	// Request is the inbound request; filters mutate its URL and headers in place
	Request *http.Request
	// Vars holds the {name} segments bound by Path predicates
	Vars map[string]string
	// ResponseHeaders are added to the upstream response before it is written
	ResponseHeaders http.Header
	// ClientIP is the caller address as resolved against the trusted proxy list.
	// Empty falls back to the peer address.
	ClientIP string
}

// NewExchange starts an exchange for req.
func NewExchange(req *http.Request) *Exchange {
	return &Exchange{
		Request:         req,
		Vars:            map[string]string{},
		ResponseHeaders: http.Header{},
	}
}

// Table is an immutable, ordered list of routes.
type Table struct {
	routes []*Route
}

// NewTable builds a table from already compiled routes.
func NewTable(routes []*Route) *Table {
	return &Table{routes: routes}
}

// Len returns the number of routes.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.routes)
}

// Routes returns a copy of the declared order.
func (t *Table) Routes() []*Route {
	if t == nil {
		return nil
	}
	return append([]*Route(nil), t.routes...)
}

// Lookup returns the first route whose predicates all match, or nil.
func (t *Table) Lookup(ex *Exchange) *Route {
	if t == nil {
		return nil
	}
	for _, r := range t.routes {
		vars := ex.Vars
		ex.Vars = map[string]string{}
		if r.Matches(ex) {
			return r
		}
		ex.Vars = vars
	}
	return nil
}
