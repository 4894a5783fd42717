package config

import (
	"sync/atomic"
)

// Store holds the current configuration behind an atomic pointer. Readers
// take a snapshot once per request and never observe a half-applied reload.
type Store struct {
	current atomic.Pointer[GatewayConfig]
	gen     atomic.Uint64
	onSwap  atomic.Pointer[func(*GatewayConfig)]
}

// NewStore creates a store seeded with cfg.
func NewStore(cfg *GatewayConfig) *Store {
	s := &Store{}
	s.current.Store(cfg)
	s.gen.Store(1)
	return s
}

// Current returns the live configuration snapshot.
func (s *Store) Current() *GatewayConfig {
	return s.current.Load()
}

// Generation returns a counter that increments on every successful swap.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Swap validates cfg and makes it the live configuration. An invalid config
// is rejected and the previous snapshot stays live.
func (s *Store) Swap(cfg *GatewayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.current.Store(cfg)
	s.gen.Add(1)
	if fn := s.onSwap.Load(); fn != nil {
		(*fn)(cfg)
	}
	return nil
}

// OnSwap registers a single callback invoked after each successful swap.
func (s *Store) OnSwap(fn func(*GatewayConfig)) {
	s.onSwap.Store(&fn)
}
