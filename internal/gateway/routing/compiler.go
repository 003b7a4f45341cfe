package routing

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/multierr"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/infrastructure/monitoring"
	"github.com/turtacn/atlas/internal/infrastructure/ratelimit"
	"github.com/turtacn/atlas/pkg/logger"
)

var routeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Compiler turns raw route entries into a Table. It holds the collaborators
// that stateful filters need.
type Compiler struct {
	limiter ratelimit.Limiter
	metrics *monitoring.Metrics
	log     logger.Logger
}

// NewCompiler creates a compiler. limiter may be nil, in which case routes that
// declare RequestRateLimiter are rejected.
func NewCompiler(limiter ratelimit.Limiter, metrics *monitoring.Metrics, log logger.Logger) *Compiler {
	return &Compiler{
		limiter: limiter,
		metrics: metrics,
		log:     log.WithComponent("route-compiler"),
	}
}

// Compile builds a complete table. Malformed entries are skipped and reported in the
// returned error; the table always holds every entry that compiled.
func (c *Compiler) Compile(entries []config.RouteConfig) (*Table, error) {
	var (
		routes []*Route
		errs   error
		seen   = make(map[string]bool, len(entries))
	)
	for i, entry := range entries {
		if seen[entry.ID] {
			errs = multierr.Append(errs, fmt.Errorf("route[%d] %q: duplicate id", i, entry.ID))
			continue
		}
		r, err := c.compileRoute(entry)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("route[%d] %q: %w", i, entry.ID, err))
			continue
		}
		seen[entry.ID] = true
		routes = append(routes, r)
	}
	return NewTable(routes), errs
}

func (c *Compiler) compileRoute(entry config.RouteConfig) (*Route, error) {
	if !routeIDPattern.MatchString(entry.ID) {
		return nil, fmt.Errorf("invalid id")
	}
	uri, err := url.Parse(entry.URI)
	if err != nil {
		return nil, fmt.Errorf("invalid uri: %w", err)
	}
	if (uri.Scheme != "http" && uri.Scheme != "https") || uri.Host == "" {
		return nil, fmt.Errorf("invalid uri %q: want http(s)://host[:port]", entry.URI)
	}
	if len(entry.Predicates) == 0 {
		return nil, fmt.Errorf("at least one predicate is required")
	}

	r := &Route{ID: entry.ID, URI: uri}
	for _, raw := range entry.Predicates {
		p, err := parsePredicate(raw)
		if err != nil {
			return nil, err
		}
		r.Predicates = append(r.Predicates, p)
	}
	for _, raw := range entry.Filters {
		f, err := c.parseFilter(entry.ID, raw)
		if err != nil {
			return nil, err
		}
		r.Filters = append(r.Filters, f)
	}
	return r, nil
}

// splitDefinition parses `Name=arg1,arg2`.
func splitDefinition(raw string) (string, []string) {
	name, args, found := strings.Cut(strings.TrimSpace(raw), "=")
	name = strings.TrimSpace(name)
	if !found || strings.TrimSpace(args) == "" {
		return name, nil
	}
	parts := strings.Split(args, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return name, parts
}

func parsePredicate(raw string) (Predicate, error) {
	name, args := splitDefinition(raw)
	switch name {
	case "Path":
		if len(args) == 0 {
			return nil, fmt.Errorf("predicate Path needs at least one pattern")
		}
		for _, a := range args {
			if !strings.HasPrefix(a, "/") {
				return nil, fmt.Errorf("predicate Path: pattern %q must start with /", a)
			}
		}
		return &PathPredicate{Patterns: args}, nil
	case "Method":
		if len(args) == 0 {
			return nil, fmt.Errorf("predicate Method needs at least one method")
		}
		return &MethodPredicate{Methods: args}, nil
	case "Header":
		name, re, err := nameAndRegexp("Header", args)
		if err != nil {
			return nil, err
		}
		return &HeaderPredicate{Header: name, Regexp: re}, nil
	case "Query":
		name, re, err := nameAndRegexp("Query", args)
		if err != nil {
			return nil, err
		}
		return &QueryPredicate{Param: name, Regexp: re}, nil
	case "Host":
		if len(args) == 0 {
			return nil, fmt.Errorf("predicate Host needs at least one pattern")
		}
		p := &HostPredicate{}
		for _, a := range args {
			re, err := compileHostPattern(a)
			if err != nil {
				return nil, fmt.Errorf("predicate Host: %w", err)
			}
			p.Patterns = append(p.Patterns, re)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown predicate %q", name)
	}
}

func nameAndRegexp(kind string, args []string) (string, *regexp.Regexp, error) {
	if len(args) == 0 || len(args) > 2 || args[0] == "" {
		return "", nil, fmt.Errorf("predicate %s wants name[,regexp]", kind)
	}
	if len(args) == 1 {
		return args[0], nil, nil
	}
	re, err := regexp.Compile(args[1])
	if err != nil {
		return "", nil, fmt.Errorf("predicate %s: %w", kind, err)
	}
	return args[0], re, nil
}

func (c *Compiler) parseFilter(routeID, raw string) (Filter, error) {
	name, args := splitDefinition(raw)
	switch name {
	case "StripPrefix":
		if len(args) != 1 {
			return nil, fmt.Errorf("filter StripPrefix wants one argument")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("filter StripPrefix: %q is not a positive integer", args[0])
		}
		return &StripPrefixFilter{Parts: n}, nil
	case "PrefixPath":
		if len(args) != 1 || !strings.HasPrefix(args[0], "/") {
			return nil, fmt.Errorf("filter PrefixPath wants one absolute path")
		}
		return &PrefixPathFilter{Prefix: args[0]}, nil
	case "SetPath":
		if len(args) != 1 || !strings.HasPrefix(args[0], "/") {
			return nil, fmt.Errorf("filter SetPath wants one absolute template")
		}
		return &SetPathFilter{Template: args[0]}, nil
	case "RewritePath":
		if len(args) != 2 {
			return nil, fmt.Errorf("filter RewritePath wants regexp,replacement")
		}
		re, err := regexp.Compile(args[0])
		if err != nil {
			return nil, fmt.Errorf("filter RewritePath: %w", err)
		}
		// accept the `$\{name}` escape used in yaml files
		return &RewritePathFilter{Regexp: re, Replacement: strings.ReplaceAll(args[1], `$\{`, `${`)}, nil
	case "AddRequestHeader", "AddResponseHeader":
		if len(args) != 2 || args[0] == "" {
			return nil, fmt.Errorf("filter %s wants name,value", name)
		}
		if name == "AddRequestHeader" {
			return &AddRequestHeaderFilter{Header: args[0], Value: args[1]}, nil
		}
		return &AddResponseHeaderFilter{Header: args[0], Value: args[1]}, nil
	case "RemoveRequestHeader":
		if len(args) != 1 || args[0] == "" {
			return nil, fmt.Errorf("filter RemoveRequestHeader wants one header name")
		}
		return &RemoveRequestHeaderFilter{Header: args[0]}, nil
	case "RequestRateLimiter":
		return c.parseRateLimiter(routeID, args)
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}

// parseRateLimiter reads replenishRate,burstCapacity[,requestedTokens[,resolver]].
func (c *Compiler) parseRateLimiter(routeID string, args []string) (Filter, error) {
	if c.limiter == nil {
		return nil, fmt.Errorf("filter RequestRateLimiter needs a rate limiter backend")
	}
	if len(args) < 2 || len(args) > 4 {
		return nil, fmt.Errorf("filter RequestRateLimiter wants replenishRate,burstCapacity[,requestedTokens[,resolver]]")
	}
	rate, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("filter RequestRateLimiter: replenish rate: %w", err)
	}
	burst, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("filter RequestRateLimiter: burst capacity: %w", err)
	}
	rule := ratelimit.Rule{ReplenishRate: rate, BurstCapacity: burst, RequestedTokens: 1}
	if len(args) >= 3 {
		if rule.RequestedTokens, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			return nil, fmt.Errorf("filter RequestRateLimiter: requested tokens: %w", err)
		}
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("filter RequestRateLimiter: %w", err)
	}
	resolver := KeyResolverIP
	if len(args) == 4 {
		resolver = args[3]
	}
	switch resolver {
	case KeyResolverIP, KeyResolverUser, KeyResolverPath:
	default:
		return nil, fmt.Errorf("filter RequestRateLimiter: unknown key resolver %q", resolver)
	}
	return &RequestRateLimiterFilter{
		RouteID:  routeID,
		Rule:     rule,
		Resolver: resolver,
		Limiter:  c.limiter,
		Metrics:  c.metrics,
		Log:      c.log,
	}, nil
}
