package policy

import (
	"net/http"
	"path"
	"slices"
	"strings"
)

// Capabilities granted by a rule.
const (
	CapRead  = "read"
	CapWrite = "write"
	// CapSudo grants every capability.
	CapSudo = "sudo"
)

// Policy grants capabilities on path patterns to one session role.
type Policy struct {
	Role  string
	Rules map[string][]string
}

// DefaultPolicies lets every role query its own tenant and reserves the
// connection listing for MASTER and ADMIN.
func DefaultPolicies() []Policy {
	erp := map[string][]string{
		"v1/erp/**":       {CapWrite},
		"v1/auth/session": {CapRead},
		"v1/auth/logout":  {CapWrite},
	}
	admin := map[string][]string{"*": {CapSudo}}
	return []Policy{
		{Role: "MASTER", Rules: admin},
		{Role: "ADMIN", Rules: admin},
		{Role: "SUPERVISOR", Rules: erp},
		{Role: "USER", Rules: erp},
	}
}

// Engine evaluates role policies for an operation on a path.
type Engine struct {
	byRole map[string]Policy
}

// NewEngine creates an Engine. Later policies for the same role replace
// earlier ones.
func NewEngine(policies []Policy) *Engine {
	e := &Engine{byRole: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		e.byRole[strings.ToUpper(p.Role)] = p
	}
	return e
}

// CapabilityFor maps an HTTP method to the capability it needs.
func CapabilityFor(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return CapRead
	default:
		return CapWrite
	}
}

// IsAllowed returns true if any of the roles grants the capability on reqPath.
func (e *Engine) IsAllowed(roles []string, capability, reqPath string) bool {
	for _, role := range roles {
		pol, ok := e.byRole[strings.ToUpper(role)]
		if !ok {
			continue
		}
		if policyAllows(pol, capability, reqPath) {
			return true
		}
	}
	return false
}

func policyAllows(pol Policy, capability, reqPath string) bool {
	for pattern, caps := range pol.Rules {
		if !matchPath(pattern, reqPath) {
			continue
		}
		if slices.Contains(caps, capability) || slices.Contains(caps, CapSudo) {
			return true
		}
	}
	return false
}

// matchPath matches reqPath against a glob pattern:
//   - "v1/erp/*"  matches one additional path segment
//   - "v1/erp/**" matches any number of segments, including zero
//   - "*"         matches any path
func matchPath(pattern, reqPath string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	reqPath = strings.TrimPrefix(reqPath, "/")

	if pattern == "*" {
		return true
	}

	if prefix, suffix, ok := strings.Cut(pattern, "**"); ok {
		if !strings.HasPrefix(reqPath, prefix) && reqPath+"/" != prefix {
			return false
		}
		if suffix == "" || suffix == "/" {
			return true
		}
		rest := strings.TrimPrefix(reqPath, prefix)
		return strings.HasSuffix(rest, strings.TrimPrefix(suffix, "/"))
	}

	matched, err := path.Match(pattern, reqPath)
	if err != nil {
		return false
	}
	return matched
}

// EffectiveCapabilities returns every capability the roles hold on reqPath.
func (e *Engine) EffectiveCapabilities(roles []string, reqPath string) []string {
	var caps []string
	for _, role := range roles {
		pol, ok := e.byRole[strings.ToUpper(role)]
		if !ok {
			continue
		}
		for pattern, granted := range pol.Rules {
			if !matchPath(pattern, reqPath) {
				continue
			}
			for _, c := range granted {
				if !slices.Contains(caps, c) {
					caps = append(caps, c)
				}
			}
		}
	}
	slices.Sort(caps)
	return caps
}
