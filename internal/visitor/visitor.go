// Package visitor manages the stable anonymous identifier each visitor
// carries across requests.
//
// The token's transport (cookie, session header) is the caller's concern:
// the resolver sees only the Store interface, scoped to one visitor's
// request. Tokens have no cross-visitor meaning and carry no identity —
// they exist solely to keep variation assignment stable.
package visitor

import "github.com/google/uuid"

// Store is one visitor's session-equivalent token storage.
// Implementations must not share state between visitors.
type Store interface {
	// Get returns the stored token and true, or "" and false when absent.
	Get() (string, bool)
	// Set persists the token for subsequent requests by the same visitor.
	Set(token string)
}

// GetOrCreate returns the visitor's token, minting and persisting a fresh
// one on first contact. Token generation cannot fail; a malformed or absent
// stored value is replaced rather than propagated.
func GetOrCreate(store Store) string {
	if token, ok := store.Get(); ok {
		if _, err := uuid.Parse(token); err == nil {
			return token
		}
	}
	token := uuid.NewString()
	store.Set(token)
	return token
}

// MapStore is an in-memory Store for tests and non-HTTP callers.
type MapStore struct {
	token string
	set   bool
}

// Get implements Store.
func (s *MapStore) Get() (string, bool) { return s.token, s.set }

// Set implements Store.
func (s *MapStore) Set(token string) {
	s.token = token
	s.set = true
}
