package policy

import (
	"slices"
	"testing"
)

func TestPolicyExactMatch(t *testing.T) {
	eng := NewEngine([]Policy{{
		Role:  "USER",
		Rules: map[string][]string{"v1/sys/connections": {CapRead}},
	}})

	if !eng.IsAllowed([]string{"USER"}, CapRead, "/v1/sys/connections") {
		t.Error("expected read to be allowed on exact match")
	}
	if eng.IsAllowed([]string{"USER"}, CapWrite, "/v1/sys/connections") {
		t.Error("expected write to be denied")
	}
}

func TestPolicySingleWildcard(t *testing.T) {
	eng := NewEngine([]Policy{{
		Role:  "USER",
		Rules: map[string][]string{"v1/erp/*": {CapRead, CapWrite}},
	}})

	cases := []struct {
		path    string
		allowed bool
	}{
		{"v1/erp/query", true},
		{"v1/erp/test-connection", true},
		{"v1/erp/query/extra", false}, // * doesn't cross segments
		{"v1/sys/connections", false},
	}
	for _, tc := range cases {
		got := eng.IsAllowed([]string{"USER"}, CapWrite, tc.path)
		if got != tc.allowed {
			t.Errorf("path=%q: expected allowed=%v got %v", tc.path, tc.allowed, got)
		}
	}
}

func TestPolicyGlobStar(t *testing.T) {
	eng := NewEngine([]Policy{{
		Role:  "USER",
		Rules: map[string][]string{"v1/erp/**": {CapWrite}},
	}})

	for _, p := range []string{"v1/erp/query", "v1/erp/a/b/c", "v1/erp"} {
		if !eng.IsAllowed([]string{"USER"}, CapWrite, p) {
			t.Errorf("expected write allowed on %q", p)
		}
	}
	if eng.IsAllowed([]string{"USER"}, CapWrite, "v1/auth/logout") {
		t.Error("auth path should not be allowed")
	}
}

func TestSudoGrantsEverything(t *testing.T) {
	eng := NewEngine(DefaultPolicies())

	for _, c := range []string{CapRead, CapWrite} {
		if !eng.IsAllowed([]string{"MASTER"}, c, "anything/here") {
			t.Errorf("MASTER should hold %q on any path", c)
		}
	}
}

func TestDefaultPolicies(t *testing.T) {
	eng := NewEngine(DefaultPolicies())

	cases := []struct {
		roles   []string
		method  string
		path    string
		allowed bool
	}{
		{[]string{"USER"}, "POST", "/v1/erp/query", true},
		{[]string{"SUPERVISOR"}, "POST", "/v1/erp/test-connection", true},
		{[]string{"USER"}, "POST", "/v1/auth/logout", true},
		{[]string{"USER"}, "GET", "/v1/auth/session", true},
		{[]string{"USER"}, "GET", "/v1/sys/connections", false},
		{[]string{"ADMIN"}, "GET", "/v1/sys/connections", true},
		{[]string{"user"}, "POST", "/v1/erp/query", true},
		{nil, "POST", "/v1/erp/query", false},
		{[]string{"GUEST"}, "POST", "/v1/erp/query", false},
	}
	for _, tc := range cases {
		got := eng.IsAllowed(tc.roles, CapabilityFor(tc.method), tc.path)
		if got != tc.allowed {
			t.Errorf("%v %s %s: expected allowed=%v got %v", tc.roles, tc.method, tc.path, tc.allowed, got)
		}
	}
}

func TestMultipleRoles(t *testing.T) {
	eng := NewEngine([]Policy{
		{Role: "READER", Rules: map[string][]string{"v1/sys/*": {CapRead}}},
		{Role: "WRITER", Rules: map[string][]string{"v1/erp/query": {CapWrite}}},
	})

	if !eng.IsAllowed([]string{"READER", "WRITER"}, CapWrite, "v1/erp/query") {
		t.Error("write should be allowed via WRITER")
	}
	if eng.IsAllowed([]string{"READER"}, CapWrite, "v1/erp/query") {
		t.Error("write should not be allowed with only READER")
	}
	got := eng.EffectiveCapabilities([]string{"READER", "WRITER"}, "v1/sys/connections")
	if !slices.Equal(got, []string{CapRead}) {
		t.Errorf("expected [read], got %v", got)
	}
}

func TestLaterPolicyReplacesEarlier(t *testing.T) {
	eng := NewEngine([]Policy{
		{Role: "USER", Rules: map[string][]string{"*": {CapSudo}}},
		{Role: "USER", Rules: map[string][]string{"v1/erp/query": {CapWrite}}},
	})
	if eng.IsAllowed([]string{"USER"}, CapRead, "v1/sys/connections") {
		t.Error("replaced policy should no longer apply")
	}
}
