package cache

// Scope selects which tiers (and the data source) an operation touches.
// Scopes combine with bitwise OR; operations default to ScopeAll.
type Scope uint8

const (
	// ScopeMemory includes the in-process memory tier.
	ScopeMemory Scope = 1 << iota
	// ScopeDisk includes the durable disk tier.
	ScopeDisk
	// ScopeSource allows asynchronous reads to fall through to the data
	// source. Ignored by synchronous reads and by writes.
	ScopeSource
)

// ScopeAll touches every tier and the data source.
const ScopeAll = ScopeMemory | ScopeDisk | ScopeSource

func (s Scope) has(flag Scope) bool {
	return s&flag != 0
}

// scopeOf folds per-call scope arguments into one mask, defaulting to all.
func scopeOf(scopes []Scope) Scope {
	if len(scopes) == 0 {
		return ScopeAll
	}
	var s Scope
	for _, sc := range scopes {
		s |= sc
	}
	if s == 0 {
		return ScopeAll
	}
	return s
}
