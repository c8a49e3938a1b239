package provision

// Scope is the lifetime boundary over which a fixture's produced value is
// cached and reused.
type Scope string

const (
	// ScopeCall produces a fresh value on every resolution; the caller owns it.
	ScopeCall Scope = "call"
	// ScopeTest caches the value until EndTest.
	ScopeTest Scope = "test"
	// ScopeSuite caches the value until EndSuite.
	ScopeSuite Scope = "suite"
	// ScopeSession caches the value until the registry is closed.
	ScopeSession Scope = "session"
)

func (s Scope) String() string {
	return string(s)
}
