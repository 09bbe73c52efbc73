package cache

import "time"

// Source supplies bytes for a key on a cache miss. The façade invokes Fetch
// at most once concurrently per key; concurrent misses for the same key wait
// on the single in-flight fetch.
//
// Fetch must not block the caller and must eventually invoke completion
// exactly once. A nil data slice means "not found"; there is no separate
// error channel. A zero expiresAt means the entry does not expire. A Source
// that never invokes completion leaves all waiters for that key pending
// forever, so implementations doing network I/O should bound their work with
// their own timeout.
type Source interface {
	Fetch(key string, completion func(data []byte, expiresAt time.Time))
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(key string, completion func(data []byte, expiresAt time.Time))

// Fetch implements Source.
func (f SourceFunc) Fetch(key string, completion func(data []byte, expiresAt time.Time)) {
	f(key, completion)
}
