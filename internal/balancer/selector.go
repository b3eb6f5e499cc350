package balancer

import (
	"errors"
	"sync"
)

// ErrExhausted is returned when there is no candidate to select.
var ErrExhausted = errors.New("no candidate servers")

// Selector walks registry snapshots round-robin. Its cursor persists across
// requests and advances on every attempt, successful or not.
type Selector struct {
	mu     sync.Mutex
	cursor int
}

// NewSelector returns a selector whose first pick is the first address.
func NewSelector() *Selector {
	return NewSelectorAt(-1)
}

// NewSelectorAt returns a selector whose cursor starts at cursor.
func NewSelectorAt(cursor int) *Selector {
	return &Selector{cursor: cursor}
}

// Next advances the cursor modulo the snapshot length and returns the
// address it lands on.
func (s *Selector) Next(snapshot []string) (string, error) {
	return s.NextUntried(snapshot, nil)
}

// NextUntried is Next for a request that has already tried some addresses.
// Overlapping requests share the cursor, so it may land on an address in
// tried; the cursor then keeps moving to the first address not in tried.
// ErrExhausted is returned once every address has been tried.
func (s *Selector) NextUntried(snapshot []string, tried map[string]struct{}) (string, error) {
	if len(snapshot) == 0 {
		return "", ErrExhausted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for range snapshot {
		// The cursor may be past the end if servers left since the last pick.
		s.cursor = (s.cursor + 1) % len(snapshot)
		if s.cursor < 0 {
			s.cursor += len(snapshot)
		}
		if _, seen := tried[snapshot[s.cursor]]; !seen {
			return snapshot[s.cursor], nil
		}
	}
	return "", ErrExhausted
}

// Cursor returns the position of the last pick, or -1 before the first.
func (s *Selector) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
