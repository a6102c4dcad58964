package gateway

// Scope is a named privilege bucket methods are classified into.
type Scope string

const (
	ScopeAdmin     Scope = "admin"
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeApprovals Scope = "approvals"
	ScopePairing   Scope = "pairing"
)

// AllScopes lists every scope in the closed set.
var AllScopes = []Scope{ScopeAdmin, ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing}

var approvalMethods = map[string]struct{}{
	"approvals.list":    {},
	"approvals.respond": {},
}

var pairingMethods = map[string]struct{}{
	"pair.request": {},
	"pair.approve": {},
	"pair.list":    {},
	"pair.revoke":  {},
}

var readMethods = map[string]struct{}{
	"status":        {},
	"health":        {},
	"sessions.list": {},
	"chat.history":  {},
}

var writeMethods = map[string]struct{}{
	"wake":       {},
	"chat.send":  {},
	"chat.abort": {},
}

var adminMethods = map[string]struct{}{
	"config.get": {},
	"config.set": {},
}

// adminPrefixes are reserved namespaces that always require admin,
// even for methods added later.
var adminPrefixes = []string{"config.", "wizard.", "update."}

// ResolveScopesForMethod classifies a method name into the scopes that may
// invoke it. Unclassified methods return an empty slice, which no granted
// scope set can satisfy: such methods are unreachable through the standard
// authorization path and must carry their own identity check
// (e.g. node.invoke.result verifies the caller is the owning node session).
func ResolveScopesForMethod(method string) []Scope {
	if _, ok := approvalMethods[method]; ok {
		return []Scope{ScopeAdmin, ScopeApprovals}
	}
	if _, ok := pairingMethods[method]; ok {
		return []Scope{ScopeAdmin, ScopePairing}
	}
	if _, ok := readMethods[method]; ok {
		return []Scope{ScopeAdmin, ScopeRead}
	}
	if _, ok := writeMethods[method]; ok {
		return []Scope{ScopeAdmin, ScopeWrite}
	}
	if _, ok := adminMethods[method]; ok {
		return []Scope{ScopeAdmin}
	}
	for _, prefix := range adminPrefixes {
		if len(method) > len(prefix) && method[:len(prefix)] == prefix {
			return []Scope{ScopeAdmin}
		}
	}
	return nil
}

// ScopesForRole returns the default scope grant for a connection role.
func ScopesForRole(role string) []Scope {
	switch role {
	case "operator":
		return []Scope{ScopeAdmin, ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing}
	case "node":
		return []Scope{ScopeRead, ScopeWrite}
	case "device":
		return []Scope{ScopeRead, ScopeApprovals, ScopePairing}
	default:
		return nil
	}
}

// Authorized reports whether the granted scope set intersects the method's
// required scopes. An empty required set always denies.
func Authorized(granted map[Scope]struct{}, method string) bool {
	required := ResolveScopesForMethod(method)
	if len(required) == 0 {
		return false
	}
	for _, sc := range required {
		if _, ok := granted[sc]; ok {
			return true
		}
	}
	return false
}

// ScopeSet converts a scope slice into a lookup set, dropping values outside
// the closed scope set.
func ScopeSet(scopes []Scope) map[Scope]struct{} {
	out := make(map[Scope]struct{}, len(scopes))
	for _, sc := range scopes {
		switch sc {
		case ScopeAdmin, ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing:
			out[sc] = struct{}{}
		}
	}
	return out
}
