package gateway_test

import (
	"testing"

	"github.com/basket/hivegate/internal/gateway"
)

func TestResolveScopesForMethod(t *testing.T) {
	cases := []struct {
		method string
		want   []gateway.Scope
	}{
		{"approvals.list", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeApprovals}},
		{"approvals.respond", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeApprovals}},
		{"pair.request", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopePairing}},
		{"pair.approve", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopePairing}},
		{"pair.list", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopePairing}},
		{"pair.revoke", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopePairing}},
		{"status", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeRead}},
		{"health", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeRead}},
		{"sessions.list", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeRead}},
		{"chat.history", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeRead}},
		{"wake", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeWrite}},
		{"chat.send", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeWrite}},
		{"chat.abort", []gateway.Scope{gateway.ScopeAdmin, gateway.ScopeWrite}},
		{"config.get", []gateway.Scope{gateway.ScopeAdmin}},
		{"config.set", []gateway.Scope{gateway.ScopeAdmin}},
		{"config.reload", []gateway.Scope{gateway.ScopeAdmin}},
		{"wizard.start", []gateway.Scope{gateway.ScopeAdmin}},
		{"update.check", []gateway.Scope{gateway.ScopeAdmin}},
	}
	for _, tc := range cases {
		got := gateway.ResolveScopesForMethod(tc.method)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: scopes = %v, want %v", tc.method, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: scopes = %v, want %v", tc.method, got, tc.want)
			}
		}
	}
}

func TestResolveScopesUnknownMethodDenied(t *testing.T) {
	for _, method := range []string{"node.invoke.result", "made.up", ""} {
		if got := gateway.ResolveScopesForMethod(method); len(got) != 0 {
			t.Fatalf("%q: scopes = %v, want empty (default deny)", method, got)
		}
	}
}

func TestResolveScopesEveryScopeValid(t *testing.T) {
	// Every classified method resolves only to scopes from the closed set.
	valid := map[gateway.Scope]struct{}{}
	for _, sc := range gateway.AllScopes {
		valid[sc] = struct{}{}
	}
	methods := []string{
		"approvals.list", "approvals.respond",
		"pair.request", "pair.approve", "pair.list", "pair.revoke",
		"status", "health", "sessions.list", "chat.history",
		"wake", "chat.send", "chat.abort",
		"config.get", "config.set", "wizard.run", "update.apply",
	}
	for _, method := range methods {
		for _, sc := range gateway.ResolveScopesForMethod(method) {
			if _, ok := valid[sc]; !ok {
				t.Fatalf("%s resolved to out-of-set scope %q", method, sc)
			}
		}
	}
}

func TestScopesForRole(t *testing.T) {
	if got := gateway.ScopesForRole("operator"); len(got) != 5 {
		t.Fatalf("operator scopes = %v, want all five", got)
	}
	node := gateway.ScopeSet(gateway.ScopesForRole("node"))
	if _, ok := node[gateway.ScopeAdmin]; ok {
		t.Fatal("node granted admin")
	}
	if _, ok := node[gateway.ScopeWrite]; !ok {
		t.Fatal("node missing write")
	}
	device := gateway.ScopeSet(gateway.ScopesForRole("device"))
	if _, ok := device[gateway.ScopeWrite]; ok {
		t.Fatal("device granted write")
	}
	if _, ok := device[gateway.ScopePairing]; !ok {
		t.Fatal("device missing pairing")
	}
	if got := gateway.ScopesForRole("ghost"); got != nil {
		t.Fatalf("unknown role granted %v", got)
	}
}

func TestAuthorized(t *testing.T) {
	admin := gateway.ScopeSet([]gateway.Scope{gateway.ScopeAdmin})
	readOnly := gateway.ScopeSet([]gateway.Scope{gateway.ScopeRead})

	if !gateway.Authorized(admin, "chat.send") {
		t.Fatal("admin denied chat.send")
	}
	if !gateway.Authorized(readOnly, "status") {
		t.Fatal("read denied status")
	}
	if gateway.Authorized(readOnly, "chat.send") {
		t.Fatal("read allowed chat.send")
	}
	if gateway.Authorized(readOnly, "config.set") {
		t.Fatal("read allowed config.set")
	}
	// Unclassified methods deny every grant, admin included.
	if gateway.Authorized(admin, "node.invoke.result") {
		t.Fatal("admin allowed an unclassified method")
	}
}

func TestScopeSetDropsUnknownValues(t *testing.T) {
	set := gateway.ScopeSet([]gateway.Scope{gateway.ScopeRead, gateway.Scope("root"), gateway.Scope("")})
	if len(set) != 1 {
		t.Fatalf("ScopeSet = %v, want only read", set)
	}
}
