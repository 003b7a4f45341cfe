package routing

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	"github.com/turtacn/atlas/pkg/constants"
	"github.com/turtacn/atlas/pkg/errors"
	"github.com/turtacn/atlas/pkg/logger"
)

func setPath(ex *Exchange, p string) {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	ex.Request.URL.Path = p
	ex.Request.URL.RawPath = ""
}

// StripPrefixFilter removes the first Parts segments of the path.
type StripPrefixFilter struct {
	Parts int
}

func (f *StripPrefixFilter) Name() string { return "StripPrefix" }

func (f *StripPrefixFilter) Apply(ex *Exchange) error {
	segments := splitPath(ex.Request.URL.Path)
	if f.Parts >= len(segments) {
		setPath(ex, "/")
		return nil
	}
	p := "/" + strings.Join(segments[f.Parts:], "/")
	if strings.HasSuffix(ex.Request.URL.Path, "/") {
		p += "/"
	}
	setPath(ex, p)
	return nil
}

// PrefixPathFilter prepends Prefix to the path.
type PrefixPathFilter struct {
	Prefix string
}

func (f *PrefixPathFilter) Name() string { return "PrefixPath" }

func (f *PrefixPathFilter) Apply(ex *Exchange) error {
	setPath(ex, strings.TrimSuffix(f.Prefix, "/")+ex.Request.URL.Path)
	return nil
}

// RewritePathFilter replaces the path using a regular expression and a template
// with ${name} references.
type RewritePathFilter struct {
	Regexp      *regexp.Regexp
	Replacement string
}

func (f *RewritePathFilter) Name() string { return "RewritePath" }

func (f *RewritePathFilter) Apply(ex *Exchange) error {
	setPath(ex, f.Regexp.ReplaceAllString(ex.Request.URL.Path, f.Replacement))
	return nil
}

// SetPathFilter replaces the path with Template, expanding the {name} segments
// bound by the Path predicate.
type SetPathFilter struct {
	Template string
}

func (f *SetPathFilter) Name() string { return "SetPath" }

func (f *SetPathFilter) Apply(ex *Exchange) error {
	p := f.Template
	for k, v := range ex.Vars {
		p = strings.ReplaceAll(p, "{"+k+"}", v)
	}
	setPath(ex, p)
	return nil
}

// AddRequestHeaderFilter adds a header to the outbound request.
type AddRequestHeaderFilter struct {
	Header string
	Value  string
}

func (f *AddRequestHeaderFilter) Name() string { return "AddRequestHeader" }

func (f *AddRequestHeaderFilter) Apply(ex *Exchange) error {
	ex.Request.Header.Add(f.Header, f.Value)
	return nil
}

// RemoveRequestHeaderFilter deletes a header from the outbound request.
type RemoveRequestHeaderFilter struct {
	Header string
}

func (f *RemoveRequestHeaderFilter) Name() string { return "RemoveRequestHeader" }

func (f *RemoveRequestHeaderFilter) Apply(ex *Exchange) error {
	ex.Request.Header.Del(f.Header)
	return nil
}

// AddResponseHeaderFilter adds a header to the response returned to the client.
type AddResponseHeaderFilter struct {
	Header string
	Value  string
}

func (f *AddResponseHeaderFilter) Name() string { return "AddResponseHeader" }

func (f *AddResponseHeaderFilter) Apply(ex *Exchange) error {
	ex.ResponseHeaders.Add(f.Header, f.Value)
	return nil
}

// Rate limit key resolvers.
const (
	KeyResolverIP   = "ip"
	KeyResolverUser = "user"
	KeyResolverPath = "path"
)

// RequestRateLimiterFilter admits requests through a shared token bucket.
// Limiter failures fail open.
type RequestRateLimiterFilter struct {
	RouteID  string
	Rule     ratelimit.Rule
	Resolver string
	Limiter  ratelimit.Limiter
	Metrics  *monitoring.Metrics
	Log      logger.Logger
}

func (f *RequestRateLimiterFilter) Name() string { return "RequestRateLimiter" }

func (f *RequestRateLimiterFilter) Apply(ex *Exchange) error {
	ctx := ex.Request.Context()
	key := "route:" + f.RouteID + ":" + f.resolve(ex)
	res, err := f.Limiter.Allow(ctx, key, f.Rule)
	if err != nil {
		f.Log.Warn(ctx, "route rate limiter failed", logger.RouteID(f.RouteID), logger.Error(err))
		return nil
	}

	ex.ResponseHeaders.Set(constants.HeaderRateLimitLimit, strconv.FormatInt(res.Limit, 10))
	ex.ResponseHeaders.Set(constants.HeaderRateLimitRemaining, strconv.FormatInt(res.Remaining, 10))
	if res.Allowed {
		return nil
	}
	seconds := int64(res.RetryAfter / time.Second)
	if res.RetryAfter%time.Second != 0 {
		seconds++
	}
	ex.ResponseHeaders.Set(constants.HeaderRetryAfter, strconv.FormatInt(seconds, 10))
	if f.Metrics != nil {
		f.Metrics.RecordRateLimitHit(f.RouteID)
	}
	return errors.ErrRateLimited()
}

func (f *RequestRateLimiterFilter) resolve(ex *Exchange) string {
	switch f.Resolver {
	case KeyResolverUser:
		// set by the auth filter, which strips client supplied copies
		if id := ex.Request.Header.Get(constants.HeaderUserID); id != "" {
			return "user:" + id
		}
	case KeyResolverPath:
		return "path:" + ex.Request.URL.Path
	}
	return "ip:" + clientIP(ex)
}

// clientIP never reads X-Forwarded-For itself; only addresses vouched for by a
// trusted proxy reach the exchange.
func clientIP(ex *Exchange) string {
	if ex.ClientIP != "" {
		return ex.ClientIP
	}
	host, _, err := net.SplitHostPort(ex.Request.RemoteAddr)
	if err != nil {
		return ex.Request.RemoteAddr
	}
	return host
}
