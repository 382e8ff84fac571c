package llm

import "sync"

// KeyStore holds the runtime API key override. When set, it takes
// precedence over every alias's configured key; mutations notify the
// gateway so cached provider instances are rebuilt.
type KeyStore struct {
	mu       sync.RWMutex
	key      string
	onChange func()
}

// NewKeyStore creates an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{}
}

// Get returns the override key, or "" when unset.
func (s *KeyStore) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

// IsSet reports whether an override is active.
func (s *KeyStore) IsSet() bool {
	return s.Get() != ""
}

// Set installs an override key process-wide.
func (s *KeyStore) Set(key string) {
	s.mu.Lock()
	s.key = key
	notify := s.onChange
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Clear removes the override, falling back to configured keys.
func (s *KeyStore) Clear() {
	s.Set("")
}

// subscribe registers the single change callback. The gateway installs it
// at construction; invocation happens outside the store's lock.
func (s *KeyStore) subscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}
